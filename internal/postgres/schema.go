package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		email      TEXT NOT NULL UNIQUE,
		address    TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		price      NUMERIC(12,2) NOT NULL CHECK (price >= 0),
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('PENDING','CONFIRMED','CANCELLED')),
		total_amount     NUMERIC(12,2) NOT NULL,
		shipping_address TEXT,
		notes            TEXT,
		reason           TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_user_idx ON orders(user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id          TEXT PRIMARY KEY,
		order_id    TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id  TEXT NOT NULL,
		quantity    INT NOT NULL CHECK (quantity > 0),
		unit_price  NUMERIC(12,2) NOT NULL,
		total_price NUMERIC(12,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items(order_id)`,
	`CREATE TABLE IF NOT EXISTS stock (
		id                 TEXT PRIMARY KEY,
		product_id         TEXT NOT NULL UNIQUE,
		available_quantity INT NOT NULL CHECK (available_quantity >= 0),
		reserved_quantity  INT NOT NULL DEFAULT 0 CHECK (reserved_quantity >= 0),
		reorder_level      INT NOT NULL DEFAULT 10,
		last_updated       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS stock_reservations (
		id          TEXT PRIMARY KEY,
		stock_id    TEXT NOT NULL REFERENCES stock(id),
		product_id  TEXT NOT NULL,
		order_id    TEXT NOT NULL,
		quantity    INT NOT NULL CHECK (quantity > 0),
		reserved_at TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ,
		state       TEXT NOT NULL CHECK (state IN ('ACTIVE','RELEASED','CONSUMED')),
		closed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS stock_reservations_order_idx ON stock_reservations(order_id)`,
	`CREATE INDEX IF NOT EXISTS stock_reservations_active_idx ON stock_reservations(expires_at) WHERE state = 'ACTIVE'`,
}

// Migrate creates the tables used by the order, inventory and catalog repos.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
