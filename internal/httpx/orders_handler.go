package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-saga/internal/orchestrator"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

// OrderService is the orchestrator surface the handlers need.
type OrderService interface {
	CreateOrder(ctx context.Context, req orchestrator.CreateOrderRequest) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	ListOrders(ctx context.Context, userID string, limit, offset int) ([]orders.Order, error)
	ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal, method string) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (bool, error)
}

// idemPending marks an Idempotency-Key whose request is still running.
const idemPending = "-"

type OrdersHandler struct {
	Orders OrderService
	// Redis is optional: without it Idempotency-Key is ignored and status reads go to the store.
	Redis *redis.Client
	Log   *slog.Logger
}

type PaymentReq struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
}

type CancelReq struct {
	Reason string `json:"reason"`
}

type CreateOrderResp struct {
	orders.Order
	Idempotent bool `json:"idempotent"`
}

type statusView struct {
	OrderID   string        `json:"order_id"`
	Status    orders.Status `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/payment", h.processPayment)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Get("/users/{id}/orders", h.listOrders)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "validation_error"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	idemKey := ""
	if k := r.Header.Get("Idempotency-Key"); k != "" && h.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemOrderCreate, k)
		won, existing, err := redisx.Claim(ctx, h.Redis, idemKey, idemPending, redisx.TTLIdempotency)
		if err != nil {
			h.Log.WarnContext(ctx, "idempotency lookup failed", "err", err)
			idemKey = ""
		} else if !won {
			h.replay(ctx, w, existing)
			return
		}
	}

	o, err := h.Orders.CreateOrder(ctx, req)
	if err != nil {
		if idemKey != "" {
			_ = h.Redis.Del(context.WithoutCancel(ctx), idemKey).Err()
		}
		writeError(w, err)
		return
	}
	if idemKey != "" {
		_ = h.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusCreated, CreateOrderResp{Order: o})
}

func (h *OrdersHandler) replay(ctx context.Context, w http.ResponseWriter, orderID string) {
	if orderID == idemPending || orderID == "" {
		writeJSON(w, http.StatusConflict, errorBody{Error: "request with this Idempotency-Key is in progress", Code: "in_progress"})
		return
	}
	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateOrderResp{Order: o, Idempotent: true})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus serves the cached status and falls back to the store.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, newStatusView(o))
}

func (h *OrdersHandler) processPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "validation_error"})
		return
	}
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Orders.ProcessPayment(ctx, orderID, req.Amount, req.Method)
	if o.ID != "" {
		h.cacheStatus(ctx, o)
	}
	if err != nil {
		code, name := statusFor(err)
		body := errorBody{Error: err.Error(), Code: name}
		if o.ID != "" {
			body.Order = o
		}
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "validation_error"})
		return
	}
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if _, err := h.Orders.CancelOrder(ctx, orderID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, err1 := queryInt(r, "limit")
	offset, err2 := queryInt(r, "offset")
	if err := errors.Join(err1, err2); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation_error"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Orders.ListOrders(ctx, chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) {
	(&StatusCache{Redis: h.Redis, Log: h.Log}).Put(ctx, o)
}

func newStatusView(o orders.Order) statusView {
	return statusView{OrderID: o.ID, Status: o.Status, Reason: o.Reason, UpdatedAt: o.UpdatedAt}
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}
