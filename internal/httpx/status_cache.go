package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

// StatusCache keeps order_status:{id} in step with the order row. As a
// notifier it rewrites the view on every status event the orchestrator emits.
type StatusCache struct {
	Redis *redis.Client
	Log   *slog.Logger
}

func (c *StatusCache) Notify(ctx context.Context, _ string, payload any) error {
	p, ok := payload.(orders.OrderStatusPayload)
	if !ok {
		return nil
	}
	return c.put(ctx, statusView{OrderID: p.OrderID, Status: p.Status, Reason: p.Reason, UpdatedAt: p.UpdatedAt})
}

// Put caches the current status of o.
func (c *StatusCache) Put(ctx context.Context, o orders.Order) {
	if err := c.put(ctx, newStatusView(o)); err != nil {
		c.Log.DebugContext(ctx, "status cache write failed", "order_id", o.ID, "err", err)
	}
}

func (c *StatusCache) put(ctx context.Context, v statusView) error {
	if c == nil || c.Redis == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Redis.Set(ctx, fmt.Sprintf(redisx.KeyOrderStatus, v.OrderID), b, redisx.TTLStatusCache).Err()
}
