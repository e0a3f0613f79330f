package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/notify"
	"github.com/ariefcatur/go-order-saga/internal/orchestrator"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/saga"
	"github.com/ariefcatur/go-order-saga/internal/tracing"
)

// backends groups the stores picked by STORE.
type backends struct {
	orders   orders.Repository
	stock    inventory.Store
	users    catalog.UserLookup
	products catalog.ProductLookup
	catalog  httpx.CatalogService
	sagas    saga.Store
	locks    orchestrator.Locker
	redis    *redis.Client
	close    func()
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		fatal(log, "tracing init", err)
	}
	mp, err := tracing.InitMetrics(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.MetricsInterval, log)
	if err != nil {
		fatal(log, "metrics init", err)
	}

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		fatal(log, "open store", err)
	}
	defer be.close()

	// Notifications go to Kafka only alongside the postgres stack.
	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	var prod *kafkax.Producer
	if cfg.Store != "memory" && len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		notifier = notify.NewKafkaNotifier(prod, cfg.ServiceName)
	}
	if be.redis != nil {
		notifier = notify.Fanout{notifier, &httpx.StatusCache{Redis: be.redis, Log: log}}
	}

	var gateway payment.Gateway = payment.NewSimulator(cfg.PaymentSuccessRate)
	if cfg.PaymentGatewayURL != "" {
		gateway = payment.NewHTTPGateway(cfg.PaymentGatewayURL, 5*time.Second)
	}

	ledger := inventory.NewLedger(be.stock, log, cfg.ReservationTTL)
	orch := orchestrator.New(be.orders, ledger, be.users, be.products, gateway,
		orchestrator.WithNotifier(notifier),
		orchestrator.WithSagaStore(be.sagas),
		orchestrator.WithLocker(be.locks),
		orchestrator.WithLogger(log),
		orchestrator.WithReservationTTL(cfg.ReservationTTL),
	)

	if n, err := orch.Recover(ctx); err != nil {
		log.Error("saga recovery incomplete", "recovered", n, "err", err)
	} else if n > 0 {
		log.Info("saga recovery done", "recovered", n)
	}

	go orchestrator.NewSweeper(orch, cfg.SweepInterval, cfg.SweepBatch).Run(ctx)

	router := httpx.NewRouter(log)
	(&httpx.OrdersHandler{Orders: orch, Redis: be.redis, Log: log}).Register(router)
	(&httpx.StockHandler{Ledger: ledger}).Register(router)
	(&httpx.CatalogHandler{Catalog: be.catalog}).Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", "err", err)
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		log.Warn("meter shutdown", "err", err)
	}
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	if cfg.Store == "memory" {
		cat := catalog.NewMem()
		stock := inventory.NewMemStore()
		if err := seedDemo(ctx, cat, stock); err != nil {
			return nil, err
		}
		log.Warn("using in-memory store; state is lost on restart")
		return &backends{
			orders:   orders.NewMemRepo(),
			stock:    stock,
			users:    cat,
			products: cat,
			catalog:  cat,
			sagas:    saga.NewMemStore(),
			locks:    orchestrator.NewKeyedMutex(),
			close:    func() {},
		}, nil
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, log)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	rdb := redisx.New(cfg.RedisAddr)
	cat := &catalog.Repo{DB: db}
	return &backends{
		orders:   &orders.Repo{DB: db},
		stock:    &inventory.Repo{DB: db},
		users:    cat,
		products: cat,
		catalog:  cat,
		sagas:    saga.NewRedisStore(rdb),
		locks:    redisx.NewLocker(rdb),
		redis:    rdb,
		close: func() {
			_ = rdb.Close()
			db.Close()
		},
	}, nil
}

// seedDemo gives the in-memory store something to order.
func seedDemo(ctx context.Context, cat *catalog.Mem, stock *inventory.MemStore) error {
	if err := cat.PutUser(ctx, catalog.User{ID: "1", Name: "Demo User", Email: "demo@example.com", Address: "1 Demo Street"}); err != nil {
		return err
	}
	products := []catalog.Product{
		{ID: "1", Name: "Keyboard", Price: decimal.RequireFromString("49.90"), Active: true},
		{ID: "2", Name: "Mouse", Price: decimal.RequireFromString("19.50"), Active: true},
		{ID: "3", Name: "Monitor", Price: decimal.RequireFromString("229.00"), Active: true},
	}
	now := time.Now().UTC()
	for _, p := range products {
		if err := cat.PutProduct(ctx, p); err != nil {
			return err
		}
		if _, err := stock.PutStock(ctx, p.ID, 100, 10, now); err != nil {
			return err
		}
	}
	return nil
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
