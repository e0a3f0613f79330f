package saga

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("saga log not found")

// State is the position of one order in the create/pay/cancel workflow.
type State string

const (
	StateStarted         State = "STARTED"
	StateReserving       State = "RESERVING"
	StateAwaitingPayment State = "AWAITING_PAYMENT"
	StateCompensating    State = "COMPENSATING"
	StateCompleted       State = "COMPLETED"
	StateCompensated     State = "COMPENSATED"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateCompensated }

// NeedsCompensation reports whether a log found open at startup belongs to a
// saga that died before reaching a resting state.
func (s State) NeedsCompensation() bool {
	return s == StateStarted || s == StateReserving || s == StateCompensating
}

type StepStatus string

const (
	StepDone        StepStatus = "done"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Step names used by the orchestrator.
const (
	StepPersistOrder = "persist_order"
	StepReserve      = "reserve"
	StepCharge       = "charge"
	StepConfirm      = "confirm"
	StepRelease      = "release"
	StepCancel       = "cancel"
)

type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

type Log struct {
	OrderID   string    `json:"order_id"`
	State     State     `json:"state"`
	Steps     []Step    `json:"steps"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(orderID string, now time.Time) Log {
	return Log{OrderID: orderID, State: StateStarted, CreatedAt: now, UpdatedAt: now}
}

func (l *Log) Advance(to State, now time.Time) {
	l.State = to
	l.UpdatedAt = now
}

func (l *Log) Record(name string, status StepStatus, detail string, now time.Time) {
	l.Steps = append(l.Steps, Step{Name: name, Status: status, Detail: detail, At: now})
	l.UpdatedAt = now
}

// Store persists saga logs. ListOpen returns every log not yet terminal.
type Store interface {
	Save(ctx context.Context, l Log) error
	Get(ctx context.Context, orderID string) (Log, error)
	ListOpen(ctx context.Context) ([]Log, error)
}
