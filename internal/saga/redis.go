package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

// RedisStore keeps each log in a hash saga:{order_id} and indexes
// non-terminal logs in the saga:open set.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: redisx.TTLSaga}
}

func (s *RedisStore) Save(ctx context.Context, l Log) error {
	steps, err := json.Marshal(l.Steps)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(redisx.KeySaga, l.OrderID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"order_id", l.OrderID,
			"state", string(l.State),
			"reason", l.Reason,
			"steps", steps,
			"created_at", l.CreatedAt.Format(time.RFC3339Nano),
			"updated_at", l.UpdatedAt.Format(time.RFC3339Nano),
		)
		if l.State.Terminal() {
			p.Expire(ctx, key, s.ttl)
			p.SRem(ctx, redisx.KeySagaOpen, l.OrderID)
		} else {
			p.Persist(ctx, key)
			p.SAdd(ctx, redisx.KeySagaOpen, l.OrderID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, orderID string) (Log, error) {
	m, err := s.rdb.HGetAll(ctx, fmt.Sprintf(redisx.KeySaga, orderID)).Result()
	if err != nil {
		return Log{}, err
	}
	if len(m) == 0 {
		return Log{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return decode(m)
}

func (s *RedisStore) ListOpen(ctx context.Context) ([]Log, error) {
	ids, err := s.rdb.SMembers(ctx, redisx.KeySagaOpen).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Log, 0, len(ids))
	for _, id := range ids {
		l, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.rdb.SRem(ctx, redisx.KeySagaOpen, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func decode(m map[string]string) (Log, error) {
	l := Log{OrderID: m["order_id"], State: State(m["state"]), Reason: m["reason"]}
	if raw := m["steps"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &l.Steps); err != nil {
			return Log{}, fmt.Errorf("decode saga steps: %w", err)
		}
	}
	var err error
	if l.CreatedAt, err = time.Parse(time.RFC3339Nano, m["created_at"]); err != nil {
		return Log{}, err
	}
	if l.UpdatedAt, err = time.Parse(time.RFC3339Nano, m["updated_at"]); err != nil {
		return Log{}, err
	}
	return l, nil
}
