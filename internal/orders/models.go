package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Status          Status          `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Items           []OrderItem     `json:"items"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderItem carries a price snapshot; later product price changes never touch it.
type OrderItem struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

func NewOrderItem(orderID, productID string, qty int, unitPrice decimal.Decimal) OrderItem {
	return OrderItem{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		ProductID:  productID,
		Quantity:   qty,
		UnitPrice:  unitPrice,
		TotalPrice: unitPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

// NewOrder builds a PENDING order whose total is fixed to the sum of its lines.
func NewOrder(id, userID string, items []OrderItem, shippingAddress, notes string, now time.Time) Order {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.TotalPrice)
	}
	return Order{
		ID:              id,
		UserID:          userID,
		Status:          StatusPending,
		TotalAmount:     total,
		ShippingAddress: shippingAddress,
		Notes:           notes,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (o Order) clone() Order {
	items := make([]OrderItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}
