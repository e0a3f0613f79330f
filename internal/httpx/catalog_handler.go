package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

// CatalogService is implemented by catalog.Mem and catalog.Repo.
type CatalogService interface {
	catalog.UserLookup
	catalog.ProductLookup
	PutUser(ctx context.Context, u catalog.User) error
	PutProduct(ctx context.Context, p catalog.Product) error
}

type CatalogHandler struct {
	Catalog CatalogService
}

type CreateUserReq struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address,omitempty"`
}

type CreateProductReq struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active *bool           `json:"active,omitempty"`
}

func (h *CatalogHandler) Register(r chi.Router) {
	r.Post("/users", h.createUser)
	r.Get("/users/{id}", h.getUser)
	r.Post("/products", h.createProduct)
	r.Get("/products/{id}", h.getProduct)
}

func (h *CatalogHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "validation_error"})
		return
	}
	u := catalog.User{ID: req.ID, Name: req.Name, Email: req.Email, Address: req.Address}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Catalog.PutUser(ctx, u); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *CatalogHandler) getUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	u, err := h.Catalog.User(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, catalog.ErrNotFound) {
		err = fmt.Errorf("%w: %w", orders.ErrUserNotFound, err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *CatalogHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "validation_error"})
		return
	}
	p := catalog.Product{ID: req.ID, Name: req.Name, Price: req.Price, Active: true}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Catalog.PutProduct(ctx, p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// getProduct only serves active products, the same view orders see.
func (h *CatalogHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Catalog.Product(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, catalog.ErrNotFound) {
		err = fmt.Errorf("%w: %w", orders.ErrProductNotFound, err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
