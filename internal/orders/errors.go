package orders

import "errors"

var (
	ErrValidation            = errors.New("invalid request")
	ErrUserNotFound          = errors.New("user not found")
	ErrProductNotFound       = errors.New("product not found")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidOrderState     = errors.New("invalid order state")
	ErrPaymentFailed         = errors.New("payment failed")
	ErrOrderNotFound         = errors.New("order not found")
)
