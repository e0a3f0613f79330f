package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("lock not acquired")

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out per-order locks backed by SET NX PX, so several API
// instances serialize payment, cancel and expiry on the same order.
type Locker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb, ttl: TTLLock, retry: 25 * time.Millisecond}
}

// Lock blocks until the lock for orderID is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, orderID string) (func(), error) {
	key := fmt.Sprintf(KeyOrderLock, orderID)
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// ctx may already be done by the time we unlock.
				_ = unlockScript.Run(context.WithoutCancel(ctx), l.rdb, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: order %s: %v", ErrLockTimeout, orderID, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}
