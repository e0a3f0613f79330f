package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

const reservationColumns = `id, stock_id, product_id, order_id, quantity, reserved_at, expires_at, state`

// Reserve decrements availability with a conditional update, so the check and
// the write are one statement and concurrent callers cannot oversell.
func (r *Repo) Reserve(ctx context.Context, productID string, qty int, orderID string, reservedAt time.Time, expiresAt *time.Time) (Reservation, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stockID string
	err = tx.QueryRow(ctx, `
		UPDATE stock
		SET available_quantity = available_quantity - $2,
		    reserved_quantity = reserved_quantity + $2,
		    last_updated = $3
		WHERE product_id = $1 AND available_quantity >= $2
		RETURNING id`, productID, qty, reservedAt).Scan(&stockID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stock WHERE product_id=$1)`, productID).Scan(&exists); err != nil {
			return Reservation{}, false, err
		}
		if !exists {
			return Reservation{}, false, fmt.Errorf("%w: product %s", ErrStockNotFound, productID)
		}
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, err
	}

	res := Reservation{
		ID:         uuid.NewString(),
		StockID:    stockID,
		ProductID:  productID,
		OrderID:    orderID,
		Quantity:   qty,
		ReservedAt: reservedAt,
		ExpiresAt:  expiresAt,
		State:      ReservationActive,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_reservations(id, stock_id, product_id, order_id, quantity, reserved_at, expires_at, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, res.ID, res.StockID, res.ProductID, res.OrderID, res.Quantity, res.ReservedAt, res.ExpiresAt, string(res.State)); err != nil {
		return Reservation{}, false, fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, false, err
	}
	return res, true, nil
}

// Release locks the order's active reservations, puts their units back and
// marks them RELEASED. A concurrent second call finds nothing active.
func (r *Repo) Release(ctx context.Context, orderID string) ([]Reservation, error) {
	return r.close(ctx, orderID, ReservationReleased)
}

// Confirm marks active reservations CONSUMED. Quantities stay where they are.
func (r *Repo) Confirm(ctx context.Context, orderID string) ([]Reservation, error) {
	return r.close(ctx, orderID, ReservationConsumed)
}

func (r *Repo) close(ctx context.Context, orderID string, to ReservationState) ([]Reservation, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
		WHERE order_id=$1 AND state='ACTIVE' ORDER BY stock_id FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reservation, error) { return scanReservation(row) })
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(recs))
	for i := range recs {
		if to == ReservationReleased {
			if _, err := tx.Exec(ctx, `
				UPDATE stock
				SET available_quantity = available_quantity + $2,
				    reserved_quantity = reserved_quantity - $2,
				    last_updated = now()
				WHERE id=$1`, recs[i].StockID, recs[i].Quantity); err != nil {
				return nil, err
			}
		}
		recs[i].State = to
		ids = append(ids, recs[i].ID)
	}
	if _, err := tx.Exec(ctx, `UPDATE stock_reservations SET state=$2, closed_at=now()
		WHERE id = ANY($1) AND state='ACTIVE'`, ids, string(to)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *Repo) Stock(ctx context.Context, productID string) (Stock, error) {
	var s Stock
	err := r.DB.QueryRow(ctx, `
		SELECT id, product_id, available_quantity, reserved_quantity, reorder_level, last_updated
		FROM stock WHERE product_id=$1`, productID).
		Scan(&s.ID, &s.ProductID, &s.Available, &s.Reserved, &s.ReorderLevel, &s.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stock{}, fmt.Errorf("%w: product %s", ErrStockNotFound, productID)
	}
	return s, err
}

func (r *Repo) PutStock(ctx context.Context, productID string, available, reorderLevel int, now time.Time) (Stock, error) {
	var s Stock
	err := r.DB.QueryRow(ctx, `
		INSERT INTO stock(id, product_id, available_quantity, reserved_quantity, reorder_level, last_updated)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (product_id) DO UPDATE
		SET available_quantity = EXCLUDED.available_quantity,
		    reorder_level = EXCLUDED.reorder_level,
		    last_updated = EXCLUDED.last_updated
		RETURNING id, product_id, available_quantity, reserved_quantity, reorder_level, last_updated`,
		uuid.NewString(), productID, available, reorderLevel, now).
		Scan(&s.ID, &s.ProductID, &s.Available, &s.Reserved, &s.ReorderLevel, &s.LastUpdated)
	return s, err
}

func (r *Repo) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
		WHERE order_id=$1 ORDER BY reserved_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reservation, error) { return scanReservation(row) })
}

func (r *Repo) ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
		SELECT order_id FROM stock_reservations
		WHERE state='ACTIVE' AND expires_at IS NOT NULL AND expires_at < $1
		GROUP BY order_id
		ORDER BY MIN(expires_at), order_id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	var state string
	err := row.Scan(&res.ID, &res.StockID, &res.ProductID, &res.OrderID, &res.Quantity,
		&res.ReservedAt, &res.ExpiresAt, &state)
	res.State = ReservationState(state)
	return res, err
}
