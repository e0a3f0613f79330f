package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrInvalid   = errors.New("invalid catalog entry")
	ErrDuplicate = errors.New("duplicate catalog entry")
)

type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address,omitempty"`
}

type Product struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

func (u User) Validate() error {
	switch {
	case strings.TrimSpace(u.ID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	case strings.TrimSpace(u.Name) == "":
		return fmt.Errorf("%w: user name is required", ErrInvalid)
	case !strings.Contains(u.Email, "@"):
		return fmt.Errorf("%w: email %q is not an address", ErrInvalid, u.Email)
	}
	return nil
}

func (p Product) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: product id is required", ErrInvalid)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: product name is required", ErrInvalid)
	case p.Price.IsNegative():
		return fmt.Errorf("%w: price %s is negative", ErrInvalid, p.Price)
	}
	return nil
}

type UserLookup interface {
	User(ctx context.Context, id string) (User, error)
}

// ProductLookup returns ErrNotFound for unknown and inactive products alike.
type ProductLookup interface {
	Product(ctx context.Context, id string) (Product, error)
}
