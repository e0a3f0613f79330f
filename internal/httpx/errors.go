package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Order any    `json:"order,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orders.ErrValidation), errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, catalog.ErrInvalid):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, orders.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, orders.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, inventory.ErrStockNotFound):
		return http.StatusNotFound, "stock_not_found"
	case errors.Is(err, orders.ErrInsufficientInventory):
		return http.StatusConflict, "insufficient_inventory"
	case errors.Is(err, catalog.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, orders.ErrInvalidOrderState):
		return http.StatusConflict, "invalid_order_state"
	case errors.Is(err, orders.ErrPaymentFailed):
		return http.StatusPaymentRequired, "payment_failed"
	case errors.Is(err, redisx.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "busy"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, name := statusFor(err)
	writeJSON(w, code, errorBody{Error: err.Error(), Code: name})
}
