package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type stockEntry struct {
	mu    sync.Mutex
	stock Stock
}

// MemStore keeps the ledger in process. Lock order is always product entry
// first, then mu.
type MemStore struct {
	mu           sync.Mutex
	stocks       map[string]*stockEntry
	reservations map[string]*Reservation
	byOrder      map[string][]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		stocks:       map[string]*stockEntry{},
		reservations: map[string]*Reservation{},
		byOrder:      map[string][]string{},
	}
}

func (s *MemStore) entry(productID string) (*stockEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.stocks[productID]
	return e, ok
}

func (s *MemStore) Reserve(_ context.Context, productID string, qty int, orderID string, reservedAt time.Time, expiresAt *time.Time) (Reservation, bool, error) {
	e, ok := s.entry(productID)
	if !ok {
		return Reservation{}, false, fmt.Errorf("%w: product %s", ErrStockNotFound, productID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stock.Available < qty {
		return Reservation{}, false, nil
	}
	e.stock.Available -= qty
	e.stock.Reserved += qty
	e.stock.LastUpdated = reservedAt

	r := Reservation{
		ID:         uuid.NewString(),
		StockID:    e.stock.ID,
		ProductID:  productID,
		OrderID:    orderID,
		Quantity:   qty,
		ReservedAt: reservedAt,
		ExpiresAt:  expiresAt,
		State:      ReservationActive,
	}
	s.mu.Lock()
	s.reservations[r.ID] = &r
	s.byOrder[orderID] = append(s.byOrder[orderID], r.ID)
	s.mu.Unlock()
	return r, true, nil
}

func (s *MemStore) Release(_ context.Context, orderID string) ([]Reservation, error) {
	// Collect the products involved, then take their locks in a stable order
	// so the state change and the quantity change land together.
	s.mu.Lock()
	products := map[string]*stockEntry{}
	for _, id := range s.byOrder[orderID] {
		r := s.reservations[id]
		if r.Active() {
			products[r.ProductID] = s.stocks[r.ProductID]
		}
	}
	s.mu.Unlock()
	if len(products) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(products))
	for pid := range products {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	for _, pid := range ids {
		products[pid].mu.Lock()
	}
	defer func() {
		for _, pid := range ids {
			products[pid].mu.Unlock()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	var released []Reservation
	for _, id := range s.byOrder[orderID] {
		r := s.reservations[id]
		e, locked := products[r.ProductID]
		if !locked || r.Transition(ReservationReleased) != nil {
			continue
		}
		e.stock.Available += r.Quantity
		e.stock.Reserved -= r.Quantity
		e.stock.LastUpdated = time.Now().UTC()
		released = append(released, *r)
	}
	return released, nil
}

func (s *MemStore) Confirm(_ context.Context, orderID string) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var consumed []Reservation
	for _, id := range s.byOrder[orderID] {
		r := s.reservations[id]
		if r.Transition(ReservationConsumed) == nil {
			consumed = append(consumed, *r)
		}
	}
	return consumed, nil
}

func (s *MemStore) Stock(_ context.Context, productID string) (Stock, error) {
	e, ok := s.entry(productID)
	if !ok {
		return Stock{}, fmt.Errorf("%w: product %s", ErrStockNotFound, productID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stock, nil
}

func (s *MemStore) PutStock(_ context.Context, productID string, available, reorderLevel int, now time.Time) (Stock, error) {
	s.mu.Lock()
	e, ok := s.stocks[productID]
	if !ok {
		e = &stockEntry{stock: Stock{ID: uuid.NewString(), ProductID: productID}}
		s.stocks[productID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stock.Available = available
	e.stock.ReorderLevel = reorderLevel
	e.stock.LastUpdated = now
	return e.stock, nil
}

func (s *MemStore) Reservations(_ context.Context, orderID string) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reservation, 0, len(s.byOrder[orderID]))
	for _, id := range s.byOrder[orderID] {
		out = append(out, *s.reservations[id])
	}
	return out, nil
}

func (s *MemStore) ExpiredOrders(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest := map[string]time.Time{}
	for _, r := range s.reservations {
		if !r.Expired(now) {
			continue
		}
		if t, ok := oldest[r.OrderID]; !ok || r.ExpiresAt.Before(t) {
			oldest[r.OrderID] = *r.ExpiresAt
		}
	}
	out := make([]string, 0, len(oldest))
	for id := range oldest {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := oldest[out[i]], oldest[out[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i] < out[j]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
