package orders

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Cancellation reasons recorded on Order.Reason.
const (
	ReasonInventoryReservationFailed = "inventory_reservation_failed"
	ReasonPaymentFailed              = "payment_failed"
	ReasonReservationExpired         = "reservation_expired"
	ReasonSagaRecovered              = "saga_recovered"
	ReasonCustomerRequest            = "customer_request"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
