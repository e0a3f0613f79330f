package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, user_id, status, total_amount, COALESCE(shipping_address, ''), COALESCE(notes, ''),
	COALESCE(reason, ''), created_at, updated_at`

// Create writes the order row and every item row in one transaction.
func (r *Repo) Create(ctx context.Context, o Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_amount, shipping_address, notes, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
	`, o.ID, o.UserID, string(o.Status), o.TotalAmount, o.ShippingAddress, o.Notes, o.Reason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items(id, order_id, product_id, quantity, unit_price, total_price)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			it.ID, o.ID, it.ProductID, it.Quantity, it.UnitPrice, it.TotalPrice,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, err
	}
	if o.Items, err = r.items(ctx, id); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Order, error) { return scanOrder(row) })
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Items, err = r.items(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateStatus only succeeds while the row still holds status `from`.
func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status, reason string) (Order, error) {
	if !CanTransition(from, to) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidOrderState, from, to)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, reason=NULLIF($4, ''), updated_at=now()
		WHERE id=$1 AND status=$2`, id, string(from), string(to), reason)
	if err != nil {
		return Order{}, err
	}
	if ct.RowsAffected() == 0 {
		current, err := r.Get(ctx, id)
		if err != nil {
			return Order{}, err
		}
		return Order{}, fmt.Errorf("%w: order %s is %s, cannot move to %s", ErrInvalidOrderState, id, current.Status, to)
	}
	return r.Get(ctx, id)
}

func (r *Repo) items(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, order_id, product_id, quantity, unit_price, total_price
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalAmount, &o.ShippingAddress, &o.Notes,
		&o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	if !o.Status.Valid() {
		return Order{}, fmt.Errorf("order %s has unknown status %q", o.ID, status)
	}
	return o, nil
}
