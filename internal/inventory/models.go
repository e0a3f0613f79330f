package inventory

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStockNotFound     = errors.New("stock not found")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidTransition = errors.New("invalid reservation transition")
)

// Stock is the per-product ledger row. Available and Reserved never go negative.
type Stock struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id"`
	Available    int       `json:"available_quantity"`
	Reserved     int       `json:"reserved_quantity"`
	ReorderLevel int       `json:"reorder_level"`
	LastUpdated  time.Time `json:"last_updated"`
}

func (s Stock) Low() bool { return s.Available <= s.ReorderLevel }

type ReservationState string

const (
	ReservationActive   ReservationState = "ACTIVE"
	ReservationReleased ReservationState = "RELEASED"
	ReservationConsumed ReservationState = "CONSUMED"
)

// Reservation is the compensation handle: who holds which units and why.
type Reservation struct {
	ID         string           `json:"id"`
	StockID    string           `json:"stock_id"`
	ProductID  string           `json:"product_id"`
	OrderID    string           `json:"order_id"`
	Quantity   int              `json:"quantity"`
	ReservedAt time.Time        `json:"reserved_at"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	State      ReservationState `json:"state"`
}

func (r Reservation) Active() bool { return r.State == ReservationActive }

func (r Reservation) Expired(now time.Time) bool {
	return r.Active() && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Transition moves an ACTIVE reservation to RELEASED or CONSUMED. Both are terminal.
func (r *Reservation) Transition(to ReservationState) error {
	if r.State != ReservationActive || (to != ReservationReleased && to != ReservationConsumed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	return nil
}
