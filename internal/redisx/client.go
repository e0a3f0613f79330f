package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Claim sets key to value only if it is absent. It reports whether the caller
// won the key; on loss it returns the value already stored.
func Claim(ctx context.Context, rdb *redis.Client, key, value string, ttl time.Duration) (bool, string, error) {
	ok, err := rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil || ok {
		return ok, value, err
	}
	cur, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return false, "", nil
	}
	return false, cur, err
}

// Deduper remembers processed keys with SET NX so redelivered events are skipped.
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client) *Deduper {
	return &Deduper{rdb: rdb, ttl: TTLDedup}
}

// Seen marks key as processed and reports whether it already was.
func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget drops a key so a failed event can be retried.
func (d *Deduper) Forget(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, key).Err()
}
