package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	connectAttempts = 5
	connectBackoff  = time.Second
)

// Connect opens a pool and pings it, retrying while the server comes up.
// maxConns <= 0 keeps the default of 8.
func Connect(ctx context.Context, dsn string, maxConns int32, log *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 8
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backoff := connectBackoff
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			log.Info("postgres connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database, "max_conns", maxConns)
			return pool, nil
		}
		if attempt == connectAttempts {
			break
		}
		log.Warn("postgres not ready", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	pool.Close()
	return nil, fmt.Errorf("ping postgres after %d attempts: %w", connectAttempts, err)
}
