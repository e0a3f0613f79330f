package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	logs map[string]Log
}

func NewMemStore() *MemStore { return &MemStore{logs: map[string]Log{}} }

func (s *MemStore) Save(_ context.Context, l Log) error {
	l.Steps = append([]Step(nil), l.Steps...)
	s.mu.Lock()
	s.logs[l.OrderID] = l
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Get(_ context.Context, orderID string) (Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[orderID]
	if !ok {
		return Log{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	l.Steps = append([]Step(nil), l.Steps...)
	return l, nil
}

func (s *MemStore) ListOpen(_ context.Context) ([]Log, error) {
	s.mu.RLock()
	var out []Log
	for _, l := range s.logs {
		if !l.State.Terminal() {
			l.Steps = append([]Step(nil), l.Steps...)
			out = append(out, l)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
