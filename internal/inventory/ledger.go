package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store persists stock rows and reservations. Implementations must serialize
// the availability check and decrement per product.
type Store interface {
	// Reserve returns ok=false without mutation when available < qty.
	Reserve(ctx context.Context, productID string, qty int, orderID string, reservedAt time.Time, expiresAt *time.Time) (Reservation, bool, error)
	// Release returns the reservations it moved from ACTIVE to RELEASED.
	Release(ctx context.Context, orderID string) ([]Reservation, error)
	// Confirm returns the reservations it moved from ACTIVE to CONSUMED.
	Confirm(ctx context.Context, orderID string) ([]Reservation, error)
	Stock(ctx context.Context, productID string) (Stock, error)
	PutStock(ctx context.Context, productID string, available, reorderLevel int, now time.Time) (Stock, error)
	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
	ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Ledger is the only writer of stock quantities.
type Ledger struct {
	store Store
	log   *slog.Logger
	ttl   time.Duration
	now   func() time.Time

	reservations metric.Int64Counter
	held         metric.Int64UpDownCounter
	available    metric.Int64Gauge
}

func NewLedger(store Store, log *slog.Logger, defaultTTL time.Duration) *Ledger {
	l := &Ledger{
		store: store,
		log:   log,
		ttl:   defaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
	return l.WithMeterProvider(otel.GetMeterProvider())
}

// WithMeterProvider rebuilds the ledger instruments on mp.
func (l *Ledger) WithMeterProvider(mp metric.MeterProvider) *Ledger {
	m := mp.Meter("inventory")
	var err error
	if l.reservations, err = m.Int64Counter("inventory.reservations",
		metric.WithDescription("Reservation attempts by outcome")); err != nil {
		l.log.Warn("metric init", "name", "inventory.reservations", "err", err)
	}
	if l.held, err = m.Int64UpDownCounter("inventory.units.reserved",
		metric.WithDescription("Units currently held by active reservations")); err != nil {
		l.log.Warn("metric init", "name", "inventory.units.reserved", "err", err)
	}
	if l.available, err = m.Int64Gauge("inventory.stock.available",
		metric.WithDescription("Last observed available quantity")); err != nil {
		l.log.Warn("metric init", "name", "inventory.stock.available", "err", err)
	}
	return l
}

// WithClock overrides the ledger clock (tests, sweeper simulations).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Reserve holds qty units of productID for orderID. ttl <= 0 uses the ledger default.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int, orderID string, ttl time.Duration) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	if ttl <= 0 {
		ttl = l.ttl
	}
	now := l.now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	r, ok, err := l.store.Reserve(ctx, productID, qty, orderID, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("reserve %s x%d: %w", productID, qty, err)
	}
	if !ok {
		l.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
		l.log.Info("reservation rejected", "product_id", productID, "order_id", orderID, "quantity", qty)
		return false, nil
	}
	l.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "granted")))
	l.held.Add(ctx, int64(qty), metric.WithAttributes(attribute.String("product_id", productID)))
	l.log.Debug("stock reserved", "reservation_id", r.ID, "product_id", productID, "order_id", orderID, "quantity", qty)
	return true, nil
}

// Release returns every active reservation of orderID to availability.
// It reports false when nothing was active, so calling it twice is harmless.
func (l *Ledger) Release(ctx context.Context, orderID string) (bool, error) {
	released, err := l.store.Release(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("release order %s: %w", orderID, err)
	}
	for _, r := range released {
		l.held.Add(ctx, -int64(r.Quantity), metric.WithAttributes(attribute.String("product_id", r.ProductID)))
		l.log.Debug("reservation released", "reservation_id", r.ID, "product_id", r.ProductID, "order_id", orderID, "quantity", r.Quantity)
	}
	return len(released) > 0, nil
}

// Confirm turns active reservations into permanent consumption.
func (l *Ledger) Confirm(ctx context.Context, orderID string) (bool, error) {
	consumed, err := l.store.Confirm(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("confirm order %s: %w", orderID, err)
	}
	for _, r := range consumed {
		l.held.Add(ctx, -int64(r.Quantity), metric.WithAttributes(attribute.String("product_id", r.ProductID)))
	}
	return len(consumed) > 0, nil
}

func (l *Ledger) Stock(ctx context.Context, productID string) (Stock, error) {
	s, err := l.store.Stock(ctx, productID)
	if err != nil {
		return Stock{}, err
	}
	l.observe(ctx, s)
	return s, nil
}

func (l *Ledger) observe(ctx context.Context, s Stock) {
	l.available.Record(ctx, int64(s.Available), metric.WithAttributes(attribute.String("product_id", s.ProductID)))
}

// PutStock creates or overwrites the available quantity of a product.
func (l *Ledger) PutStock(ctx context.Context, productID string, available, reorderLevel int) (Stock, error) {
	if available < 0 || reorderLevel < 0 {
		return Stock{}, fmt.Errorf("%w: available=%d reorder_level=%d", ErrInvalidQuantity, available, reorderLevel)
	}
	s, err := l.store.PutStock(ctx, productID, available, reorderLevel, l.now())
	if err != nil {
		return Stock{}, err
	}
	l.observe(ctx, s)
	if s.Low() {
		l.log.Warn("low stock", "product_id", productID, "available", s.Available, "reorder_level", s.ReorderLevel)
	}
	return s, nil
}

func (l *Ledger) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	return l.store.Reservations(ctx, orderID)
}

// ExpiredOrders lists orders still holding reservations past their expiry.
func (l *Ledger) ExpiredOrders(ctx context.Context, limit int) ([]string, error) {
	return l.store.ExpiredOrders(ctx, l.now(), limit)
}
