package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-order-saga/internal/inventory"
)

type StockService interface {
	Stock(ctx context.Context, productID string) (inventory.Stock, error)
	PutStock(ctx context.Context, productID string, available, reorderLevel int) (inventory.Stock, error)
}

type StockHandler struct {
	Ledger StockService
}

type PutStockReq struct {
	Available    int  `json:"available_quantity"`
	ReorderLevel *int `json:"reorder_level,omitempty"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Get("/stock/{productID}", h.getStock)
	r.Put("/stock/{productID}", h.putStock)
}

func (h *StockHandler) getStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s, err := h.Ledger.Stock(ctx, chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *StockHandler) putStock(w http.ResponseWriter, r *http.Request) {
	var req PutStockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "validation_error"})
		return
	}
	reorder := 10
	if req.ReorderLevel != nil {
		reorder = *req.ReorderLevel
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s, err := h.Ledger.PutStock(ctx, chi.URLParam(r, "productID"), req.Available, reorder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
