package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) User(ctx context.Context, id string) (User, error) {
	var u User
	err := r.DB.QueryRow(ctx, `SELECT id, name, email, COALESCE(address, '') FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Address)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (r *Repo) Product(ctx context.Context, id string) (Product, error) {
	var p Product
	err := r.DB.QueryRow(ctx, `SELECT id, name, price, active FROM products WHERE id=$1 AND active`, id).
		Scan(&p.ID, &p.Name, &p.Price, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (r *Repo) PutUser(ctx context.Context, u User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO users(id, name, email, address) VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, email=EXCLUDED.email, address=EXCLUDED.address`,
		u.ID, u.Name, u.Email, u.Address)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: email %s is taken", ErrDuplicate, u.Email)
	}
	return err
}

func (r *Repo) PutProduct(ctx context.Context, p Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO products(id, name, price, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price, active=EXCLUDED.active`,
		p.ID, p.Name, p.Price, p.Active)
	return err
}
