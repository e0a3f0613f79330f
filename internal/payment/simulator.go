package payment

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

var failureReasons = []string{"insufficient_funds", "card_declined", "expired_card", "invalid_cvv"}

// Simulator approves a SuccessRate fraction of charges and declines the rest
// with a card-style reason.
type Simulator struct {
	SuccessRate float64
	Latency     time.Duration
	// Float64 returns values in [0,1). Nil uses math/rand.
	Float64 func() float64
}

func NewSimulator(successRate float64) *Simulator {
	return &Simulator{SuccessRate: successRate}
}

func (s *Simulator) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return ChargeResult{}, ctx.Err()
		case <-time.After(s.Latency):
		}
	}
	draw := s.Float64
	if draw == nil {
		draw = rand.Float64
	}

	if draw() < s.SuccessRate {
		return ChargeResult{Status: StatusSucceeded, TransactionID: newTransactionID()}, nil
	}
	reason := failureReasons[int(draw()*float64(len(failureReasons)))%len(failureReasons)]
	return ChargeResult{Status: StatusFailed, FailureReason: reason}, nil
}

func newTransactionID() string {
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
