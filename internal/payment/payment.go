package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrInvalidAmount     = errors.New("invalid payment amount")
	// ErrGateway marks transport-level failures: the charge outcome is unknown.
	ErrGateway = errors.New("payment gateway unavailable")
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

const (
	MethodCreditCard = "credit_card"
	MethodDebitCard  = "debit_card"
	MethodPayPal     = "paypal"
	MethodApplePay   = "apple_pay"
	MethodGooglePay  = "google_pay"
)

var methods = map[string]bool{
	MethodCreditCard: true,
	MethodDebitCard:  true,
	MethodPayPal:     true,
	MethodApplePay:   true,
	MethodGooglePay:  true,
}

// MaxAmount is the largest single charge accepted.
var MaxAmount = decimal.NewFromInt(10000)

type ChargeRequest struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
}

type ChargeResult struct {
	Status        Status `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (r ChargeResult) Succeeded() bool { return r.Status == StatusSucceeded }

// Gateway records a charge. A declined charge is a result, not an error.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Validate checks a request before it reaches any gateway.
func Validate(req ChargeRequest) error {
	if !methods[req.Method] {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}
	if !req.Amount.IsPositive() || req.Amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	return nil
}
