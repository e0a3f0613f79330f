package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically expires orders whose reservations outlived their TTL.
type Sweeper struct {
	orch     *Orchestrator
	interval time.Duration
	batch    int
	backoff  time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	retryAfter map[string]time.Time
}

func NewSweeper(o *Orchestrator, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		orch:       o,
		interval:   interval,
		batch:      batch,
		backoff:    5 * interval,
		log:        o.log,
		retryAfter: map[string]time.Time{},
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.WarnContext(ctx, "sweep failed", "err", err)
			}
		}
	}
}

// Sweep processes one batch and returns how many orders it handled. An order
// that fails to expire is skipped for the backoff period so it cannot hold the
// head of every batch.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.batch + len(s.retryAfter)
	ids, err := s.orch.ledger.ExpiredOrders(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(ids) < limit {
		listed := make(map[string]bool, len(ids))
		for _, id := range ids {
			listed[id] = true
		}
		for id := range s.retryAfter {
			if !listed[id] {
				delete(s.retryAfter, id)
			}
		}
	}

	now := s.orch.now()
	n, tried := 0, 0
	for _, id := range ids {
		if tried == s.batch {
			break
		}
		if at, ok := s.retryAfter[id]; ok && now.Before(at) {
			continue
		}
		tried++
		if err := s.orch.Expire(ctx, id); err != nil {
			s.retryAfter[id] = now.Add(s.backoff)
			s.log.WarnContext(ctx, "expire order", "order_id", id, "err", err, "retry_after", s.backoff)
			continue
		}
		delete(s.retryAfter, id)
		n++
	}
	if n > 0 {
		s.log.InfoContext(ctx, "expired reservations swept", "orders", n)
	}
	return n, nil
}
