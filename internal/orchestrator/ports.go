package orchestrator

import (
	"context"
	"time"
)

// Ledger is the part of inventory.Ledger the saga drives.
type Ledger interface {
	Reserve(ctx context.Context, productID string, qty int, orderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, orderID string) (bool, error)
	Confirm(ctx context.Context, orderID string) (bool, error)
	ExpiredOrders(ctx context.Context, limit int) ([]string, error)
}

// Locker serializes mutations of a single order. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, orderID string) (func(), error)
}

type LineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	UserID          string        `json:"user_id"`
	Items           []LineRequest `json:"items"`
	ShippingAddress *string       `json:"shipping_address,omitempty"`
	Notes           *string       `json:"notes,omitempty"`
}
