package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated    = "OrderCreated"
	EventOrderConfirmed  = "OrderConfirmed"
	EventOrderCancelled  = "OrderCancelled"
	EventPaymentReceived = "PaymentReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// Payloads, one per event type.

type ItemLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID         string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	Items           []ItemLine      `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address,omitempty"`
}

type OrderStatusPayload struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PaymentReceivedPayload struct {
	OrderID       string          `json:"order_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id"`
}

func NewOrderCreatedPayload(o Order) OrderCreatedPayload {
	lines := make([]ItemLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, ItemLine{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return OrderCreatedPayload{
		OrderID:         o.ID,
		UserID:          o.UserID,
		Items:           lines,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
	}
}

func NewOrderStatusPayload(o Order) OrderStatusPayload {
	return OrderStatusPayload{OrderID: o.ID, UserID: o.UserID, Status: o.Status, Reason: o.Reason, UpdatedAt: o.UpdatedAt}
}

func (p OrderCreatedPayload) CorrelationID() string { return p.OrderID }
func (p OrderStatusPayload) CorrelationID() string { return p.OrderID }
func (p PaymentReceivedPayload) CorrelationID() string { return p.OrderID }
