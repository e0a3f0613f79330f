package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/config"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/notify"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", cfg.ServiceName+"-notifier")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB for recipient lookups
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 4, log)
	if err != nil {
		fatal(log, "db connect", err)
	}
	defer db.Close()

	// Redis for redelivery dedup
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	h := &notify.EmailHandler{
		Users:  &catalog.Repo{DB: db},
		Mailer: notify.LogMailer{Log: log},
		Dedup:  redisx.NewDeduper(rdb),
		Log:    log,
	}

	topics := orders.NotificationTopics()
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, topics, cfg.NotifierWorkers, log)

	log.Info("notifier consumer started", "group", cfg.NotifierGroup, "topics", topics, "workers", cfg.NotifierWorkers)
	if err := cons.Start(ctx, h.Handle); err != nil && ctx.Err() == nil {
		log.Error("consumer exit", "err", err)
		os.Exit(1)
	}
	log.Info("notifier stopped")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
