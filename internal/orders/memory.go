package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository is the order store. Only the orchestrator writes status.
type Repository interface {
	// Create persists the order and its items as one write.
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Order, error)
	// UpdateStatus is a compare-and-set on the current status.
	UpdateStatus(ctx context.Context, id string, from, to Status, reason string) (Order, error)
}

type MemRepo struct {
	mu     sync.RWMutex
	orders map[string]Order
	now    func() time.Time
}

func NewMemRepo() *MemRepo {
	return &MemRepo{orders: map[string]Order{}, now: func() time.Time { return time.Now().UTC() }}
}

func (r *MemRepo) Create(_ context.Context, o Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	r.orders[o.ID] = o.clone()
	return nil
}

func (r *MemRepo) Get(_ context.Context, id string) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o.clone(), nil
}

func (r *MemRepo) ListByUser(_ context.Context, userID string, limit, offset int) ([]Order, error) {
	r.mu.RLock()
	var out []Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, o.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *MemRepo) UpdateStatus(_ context.Context, id string, from, to Status, reason string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.Status != from || !CanTransition(from, to) {
		return Order{}, fmt.Errorf("%w: order %s is %s, cannot move to %s", ErrInvalidOrderState, id, o.Status, to)
	}
	o.Status = to
	o.Reason = reason
	o.UpdatedAt = r.now()
	r.orders[id] = o
	return o.clone(), nil
}

func page(in []Order, limit, offset int) []Order {
	if offset >= len(in) {
		return []Order{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
