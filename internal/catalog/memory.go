package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Mem is an in-process catalog used by the memory store mode and tests.
type Mem struct {
	mu       sync.RWMutex
	users    map[string]User
	products map[string]Product
}

func NewMem() *Mem {
	return &Mem{users: map[string]User{}, products: map[string]Product{}}
}

// PutUser creates or replaces u. Emails are unique across users.
func (m *Mem) PutUser(_ context.Context, u User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.users {
		if id != u.ID && strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("%w: email %s belongs to user %s", ErrDuplicate, u.Email, id)
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *Mem) PutProduct(_ context.Context, p Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Mem) User(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *Mem) Product(_ context.Context, id string) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok || !p.Active {
		return Product{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return p, nil
}
