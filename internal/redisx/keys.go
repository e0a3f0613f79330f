package redisx

import "time"

const (
	// Idempotency for order creation: idem:order:create:{Idempotency-Key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Order status cache: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Event dedup for consumers: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Saga log per order: hash saga:{order_id}
	KeySaga = "saga:%s"

	// Set of order ids whose saga has not reached a terminal state.
	KeySagaOpen = "saga:open"

	// Per-order mutation lock: lock:order:{order_id} -> owner token
	KeyOrderLock = "lock:order:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLSaga        = 48 * time.Hour
	TTLLock        = 30 * time.Second
)
