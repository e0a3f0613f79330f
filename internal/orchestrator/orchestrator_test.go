package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/saga"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockGateway struct{ mock.Mock }

func (m *mockGateway) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(payment.ChargeResult), args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recorder) Notify(_ context.Context, event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fixture struct {
	orch    *Orchestrator
	repo    *orders.MemRepo
	ledger  *inventory.Ledger
	catalog *catalog.Mem
	gateway *mockGateway
	events  *recorder
	sagas   *saga.MemStore
	clock   *clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:    orders.NewMemRepo(),
		catalog: catalog.NewMem(),
		gateway: &mockGateway{},
		events:  &recorder{},
		sagas:   saga.NewMemStore(),
		clock:   &clock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.ledger = inventory.NewLedger(inventory.NewMemStore(), logging.Discard(), 30*time.Minute).WithClock(f.clock.Now)

	f.catalog.PutUser(context.Background(), catalog.User{ID: "u-1", Name: "Ann", Email: "ann@example.com", Address: "1 Main St"})
	f.catalog.PutProduct(context.Background(), catalog.Product{ID: "7", Name: "Lamp", Price: decimal.RequireFromString("19.99"), Active: true})
	f.catalog.PutProduct(context.Background(), catalog.Product{ID: "p-1", Name: "Mug", Price: decimal.NewFromInt(10), Active: true})
	f.catalog.PutProduct(context.Background(), catalog.Product{ID: "p-2", Name: "Tea", Price: decimal.RequireFromString("5.50"), Active: true})

	base := []Option{WithNotifier(f.events), WithSagaStore(f.sagas), WithClock(f.clock.Now)}
	f.orch = New(f.repo, f.ledger, f.catalog, f.catalog, f.gateway, append(base, opts...)...)
	return f
}

func (f *fixture) putStock(t *testing.T, productID string, available int) {
	t.Helper()
	_, err := f.ledger.PutStock(context.Background(), productID, available, 0)
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, productID string) inventory.Stock {
	t.Helper()
	s, err := f.ledger.Stock(context.Background(), productID)
	require.NoError(t, err)
	return s
}

func line(productID string, qty int) LineRequest {
	return LineRequest{ProductID: productID, Quantity: qty}
}

func TestCreateOrderReservesAndPrices(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "7", 10)
	f.putStock(t, "p-2", 10)

	o, err := f.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "u-1",
		Items:  []LineRequest{line("7", 3), line("p-2", 2)},
	})
	require.NoError(t, err)

	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, "1 Main St", o.ShippingAddress)
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("70.97")), o.TotalAmount.String())
	require.Len(t, o.Items, 2)
	assert.True(t, o.Items[0].TotalPrice.Equal(decimal.RequireFromString("59.97")))

	s := f.stock(t, "7")
	assert.Equal(t, 7, s.Available)
	assert.Equal(t, 3, s.Reserved)

	stored, err := f.repo.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, stored.Status)

	sl, err := f.sagas.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateAwaitingPayment, sl.State)
	assert.Equal(t, []string{orders.EventOrderCreated}, f.events.Events())
}

func TestCreateOrderMergesDuplicateLines(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	note := "leave at door"
	addr := "2 Side St"

	o, err := f.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:          "u-1",
		Items:           []LineRequest{line("p-1", 1), line("p-1", 2)},
		ShippingAddress: &addr,
		Notes:           &note,
	})
	require.NoError(t, err)
	require.Len(t, o.Items, 1)
	assert.Equal(t, 3, o.Items[0].Quantity)
	assert.Equal(t, "2 Side St", o.ShippingAddress)
	assert.Equal(t, "leave at door", o.Notes)
	assert.Equal(t, 3, f.stock(t, "p-1").Reserved)
}

func TestCreateOrderRejectsMergedQuantityOverflow(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()

	_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{
		UserID: "u-1",
		Items:  []LineRequest{line("p-1", math.MaxInt), line("p-1", 2)},
	})
	require.ErrorIs(t, err, orders.ErrValidation)

	list, err := f.repo.ListByUser(ctx, "u-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	open, _ := f.sagas.ListOpen(ctx)
	assert.Empty(t, open)
	assert.Equal(t, 10, f.stock(t, "p-1").Available)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()

	cases := map[string]CreateOrderRequest{
		"no user":       {Items: []LineRequest{line("p-1", 1)}},
		"no items":      {UserID: "u-1"},
		"zero quantity": {UserID: "u-1", Items: []LineRequest{line("p-1", 0)}},
		"no product id": {UserID: "u-1", Items: []LineRequest{line("", 1)}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.orch.CreateOrder(ctx, req)
			assert.ErrorIs(t, err, orders.ErrValidation)
		})
	}

	_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1), line("ghost", 1)}})
	assert.ErrorIs(t, err, orders.ErrProductNotFound)
	assert.Equal(t, 0, f.stock(t, "p-1").Reserved)

	list, err := f.repo.ListByUser(ctx, "u-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUnknownUserCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()

	_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "999", Items: []LineRequest{line("p-1", 1)}})
	require.ErrorIs(t, err, orders.ErrUserNotFound)

	list, err := f.repo.ListByUser(ctx, "999", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	open, _ := f.sagas.ListOpen(ctx)
	assert.Empty(t, open)
	assert.Equal(t, 10, f.stock(t, "p-1").Available)
	assert.Empty(t, f.events.Events())
}

func TestLastUnitGoesToExactlyOneBuyer(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "7", 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("7", 1)}})
		}()
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, orders.ErrInsufficientInventory):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	s := f.stock(t, "7")
	assert.Equal(t, 0, s.Available)
	assert.Equal(t, 1, s.Reserved)

	list, err := f.repo.ListByUser(ctx, "u-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	statuses := map[orders.Status]string{}
	for _, o := range list {
		statuses[o.Status] = o.Reason
	}
	assert.Contains(t, statuses, orders.StatusPending)
	assert.Equal(t, orders.ReasonInventoryReservationFailed, statuses[orders.StatusCancelled])
}

func TestPartialReservationIsRolledBack(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 5)
	f.putStock(t, "p-2", 1)
	ctx := context.Background()

	_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 2), line("p-2", 3)}})
	require.ErrorIs(t, err, orders.ErrInsufficientInventory)

	p1 := f.stock(t, "p-1")
	assert.Equal(t, 5, p1.Available)
	assert.Equal(t, 0, p1.Reserved)
	assert.Equal(t, 1, f.stock(t, "p-2").Available)

	list, _ := f.repo.ListByUser(ctx, "u-1", 0, 0)
	require.Len(t, list, 1)
	assert.Equal(t, orders.StatusCancelled, list[0].Status)

	sl, err := f.sagas.Get(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensated, sl.State)
	assert.Equal(t, []string{orders.EventOrderCancelled}, f.events.Events())
}

func TestMissingStockRecordCancelsOrder(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 5)

	_, err := f.orch.CreateOrder(context.Background(), CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1), line("p-2", 1)}})
	require.ErrorIs(t, err, orders.ErrInsufficientInventory)
	assert.ErrorIs(t, err, inventory.ErrStockNotFound)
	assert.Equal(t, 5, f.stock(t, "p-1").Available)
}

// cancellingLedger cancels the caller's context after the first successful reserve.
type cancellingLedger struct {
	*inventory.Ledger
	cancel context.CancelFunc
}

func (c cancellingLedger) Reserve(ctx context.Context, productID string, qty int, orderID string, ttl time.Duration) (bool, error) {
	ok, err := c.Ledger.Reserve(ctx, productID, qty, orderID, ttl)
	c.cancel()
	return ok, err
}

func TestCallerCancellationStillCompensates(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 5)
	f.putStock(t, "p-2", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch := New(f.repo, cancellingLedger{Ledger: f.ledger, cancel: cancel}, f.catalog, f.catalog, f.gateway, WithSagaStore(f.sagas))

	_, err := orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 2), line("p-2", 1)}})
	require.ErrorIs(t, err, orders.ErrInsufficientInventory)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 5, f.stock(t, "p-1").Available)
	assert.Equal(t, 0, f.stock(t, "p-1").Reserved)
	list, _ := f.repo.ListByUser(context.Background(), "u-1", 0, 0)
	require.Len(t, list, 1)
	assert.Equal(t, orders.StatusCancelled, list[0].Status)
}

func TestPaymentSuccessConfirms(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	o, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 2)}})
	require.NoError(t, err)

	f.gateway.On("Charge", mock.Anything, mock.MatchedBy(func(req payment.ChargeRequest) bool {
		return req.OrderID == o.ID && req.Amount.Equal(o.TotalAmount) && req.Method == payment.MethodCreditCard
	})).
		Return(payment.ChargeResult{Status: payment.StatusSucceeded, TransactionID: "txn_1"}, nil).Once()

	confirmed, err := f.orch.ProcessPayment(ctx, o.ID, decimal.NewFromInt(20), payment.MethodCreditCard)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, confirmed.Status)

	s := f.stock(t, "p-1")
	assert.Equal(t, 8, s.Available)
	assert.Equal(t, 2, s.Reserved)
	rs, _ := f.ledger.Reservations(ctx, o.ID)
	require.Len(t, rs, 1)
	assert.Equal(t, inventory.ReservationConsumed, rs[0].State)

	sl, _ := f.sagas.Get(ctx, o.ID)
	assert.Equal(t, saga.StateCompleted, sl.State)
	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderConfirmed, orders.EventPaymentReceived}, f.events.Events())
	f.gateway.AssertExpectations(t)

	// terminal: no further transitions
	_, err = f.orch.CancelOrder(ctx, o.ID, "")
	assert.ErrorIs(t, err, orders.ErrInvalidOrderState)
	_, err = f.orch.ProcessPayment(ctx, o.ID, decimal.NewFromInt(20), payment.MethodCreditCard)
	assert.ErrorIs(t, err, orders.ErrInvalidOrderState)
}

func TestPaymentDeclinedRestoresStock(t *testing.T) {
	f := newFixture(t, WithIDs(func() string { return "42" }))
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 2)}})
	require.NoError(t, err)
	assert.Equal(t, 8, f.stock(t, "p-1").Available)

	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(payment.ChargeResult{Status: payment.StatusFailed, FailureReason: "insufficient_funds"}, nil).Once()

	o, err := f.orch.ProcessPayment(ctx, "42", decimal.NewFromInt(20), payment.MethodPayPal)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, orders.ReasonPaymentFailed, o.Reason)

	s := f.stock(t, "p-1")
	assert.Equal(t, 10, s.Available)
	assert.Equal(t, 0, s.Reserved)

	_, err = f.orch.ProcessPayment(ctx, "42", decimal.NewFromInt(20), payment.MethodPayPal)
	assert.ErrorIs(t, err, orders.ErrInvalidOrderState)
}

func TestPaymentGatewayErrorCancelsAndReports(t *testing.T) {
	f := newFixture(t, WithIDs(func() string { return "42" }))
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 2)}})
	require.NoError(t, err)

	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(payment.ChargeResult{}, fmt.Errorf("%w: connection refused", payment.ErrGateway)).Once()

	o, err := f.orch.ProcessPayment(ctx, "42", decimal.NewFromInt(20), payment.MethodCreditCard)
	require.ErrorIs(t, err, orders.ErrPaymentFailed)
	assert.ErrorIs(t, err, payment.ErrGateway)
	assert.Equal(t, orders.StatusCancelled, o.Status)

	s := f.stock(t, "p-1")
	assert.Equal(t, 10, s.Available)
	assert.Equal(t, 0, s.Reserved)
}

func TestPaymentValidation(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	o, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)

	_, err = f.orch.ProcessPayment(ctx, o.ID, decimal.NewFromInt(10), "cash")
	assert.ErrorIs(t, err, orders.ErrValidation)
	_, err = f.orch.ProcessPayment(ctx, o.ID, decimal.NewFromInt(-1), payment.MethodCreditCard)
	assert.ErrorIs(t, err, orders.ErrValidation)
	_, err = f.orch.ProcessPayment(ctx, o.ID, decimal.NewFromInt(9), payment.MethodCreditCard)
	assert.ErrorIs(t, err, orders.ErrValidation)
	_, err = f.orch.ProcessPayment(ctx, "missing", decimal.NewFromInt(10), payment.MethodCreditCard)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	stored, _ := f.repo.Get(ctx, o.ID)
	assert.Equal(t, orders.StatusPending, stored.Status)
	f.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	f.putStock(t, "p-2", 4)
	ctx := context.Background()
	o, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 3), line("p-2", 4)}})
	require.NoError(t, err)

	ok, err := f.orch.CancelOrder(ctx, o.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := f.orch.GetOrder(ctx, o.ID)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, orders.ReasonCustomerRequest, got.Reason)
	assert.Equal(t, 10, f.stock(t, "p-1").Available)
	assert.Equal(t, 4, f.stock(t, "p-2").Available)

	_, err = f.orch.CancelOrder(ctx, o.ID, "again")
	assert.ErrorIs(t, err, orders.ErrInvalidOrderState)
	assert.Equal(t, 10, f.stock(t, "p-1").Available)

	_, err = f.orch.CancelOrder(ctx, "missing", "")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestConcurrentPaymentAndCancelHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	o, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(payment.ChargeResult{Status: payment.StatusSucceeded, TransactionID: "txn_x"}, nil).Maybe()

	var wg sync.WaitGroup
	var payErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, payErr = f.orch.ProcessPayment(ctx, o.ID, decimal.NewFromInt(10), payment.MethodCreditCard)
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.orch.CancelOrder(ctx, o.ID, "")
	}()
	wg.Wait()

	final, _ := f.repo.Get(ctx, o.ID)
	s := f.stock(t, "p-1")
	switch final.Status {
	case orders.StatusConfirmed:
		assert.NoError(t, payErr)
		assert.ErrorIs(t, cancelErr, orders.ErrInvalidOrderState)
		assert.Equal(t, 9, s.Available)
	case orders.StatusCancelled:
		assert.NoError(t, cancelErr)
		assert.ErrorIs(t, payErr, orders.ErrInvalidOrderState)
		assert.Equal(t, 10, s.Available)
	default:
		t.Fatalf("order left in %s", final.Status)
	}
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")
	f.putStock(t, "p-1", 1)

	o, err := f.orch.CreateOrder(context.Background(), CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
}

func TestSweeperExpiresStalePendingOrders(t *testing.T) {
	f := newFixture(t, WithReservationTTL(5*time.Minute))
	f.putStock(t, "p-1", 10)
	ctx := context.Background()

	stale, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 2)}})
	require.NoError(t, err)
	f.clock.Advance(4 * time.Minute)
	fresh, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 3)}})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	n, err := NewSweeper(f.orch, time.Minute, 10).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.repo.Get(ctx, stale.ID)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, orders.ReasonReservationExpired, got.Reason)
	got, _ = f.repo.Get(ctx, fresh.ID)
	assert.Equal(t, orders.StatusPending, got.Status)

	s := f.stock(t, "p-1")
	assert.Equal(t, 7, s.Available)
	assert.Equal(t, 3, s.Reserved)
}

// stuckLedger fails every Release of one order.
type stuckLedger struct {
	Ledger
	stuck string
}

func (l *stuckLedger) Release(ctx context.Context, orderID string) (bool, error) {
	if orderID == l.stuck {
		return false, errors.New("release unavailable")
	}
	return l.Ledger.Release(ctx, orderID)
}

func TestSweeperBacksOffFailingOrders(t *testing.T) {
	f := newFixture(t, WithReservationTTL(5*time.Minute))
	f.putStock(t, "p-1", 10)
	ctx := context.Background()

	first, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	stuck := &stuckLedger{Ledger: f.ledger, stuck: first.ID}
	orch := New(f.repo, stuck, f.catalog, f.catalog, f.gateway,
		WithSagaStore(f.sagas), WithClock(f.clock.Now))
	sw := NewSweeper(orch, time.Minute, 1)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := f.repo.Get(ctx, second.ID)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	got, _ = f.repo.Get(ctx, first.ID)
	assert.Equal(t, orders.StatusPending, got.Status)

	// once the backoff passes the stuck order is tried again
	stuck.stuck = ""
	f.clock.Advance(6 * time.Minute)
	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = f.repo.Get(ctx, first.ID)
	assert.Equal(t, orders.StatusCancelled, got.Status)
}

func TestExpireSettlesReservationsOfConfirmedOrder(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	o, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)

	// status moved without the ledger hearing about it
	_, err = f.repo.UpdateStatus(ctx, o.ID, orders.StatusPending, orders.StatusConfirmed, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Expire(ctx, o.ID))
	rs, _ := f.ledger.Reservations(ctx, o.ID)
	require.Len(t, rs, 1)
	assert.Equal(t, inventory.ReservationConsumed, rs[0].State)
	assert.Equal(t, 9, f.stock(t, "p-1").Available)
}

func TestRecoverCompensatesInterruptedSagas(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	now := f.clock.Now()

	// an order that crashed mid-reservation
	items := []orders.OrderItem{orders.NewOrderItem("o-crash", "p-1", 4, decimal.NewFromInt(10))}
	require.NoError(t, f.repo.Create(ctx, orders.NewOrder("o-crash", "u-1", items, "", "", now)))
	ok, err := f.ledger.Reserve(ctx, "p-1", 4, "o-crash", 0)
	require.NoError(t, err)
	require.True(t, ok)
	crashed := saga.New("o-crash", now)
	crashed.Advance(saga.StateReserving, now)
	require.NoError(t, f.sagas.Save(ctx, crashed))

	// a saga that never persisted its order
	require.NoError(t, f.sagas.Save(ctx, saga.New("o-ghost", now)))

	// a healthy order awaiting payment is left alone
	healthy, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	count, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, _ := f.repo.Get(ctx, "o-crash")
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, orders.ReasonSagaRecovered, got.Reason)
	got, _ = f.repo.Get(ctx, healthy.ID)
	assert.Equal(t, orders.StatusPending, got.Status)

	s := f.stock(t, "p-1")
	assert.Equal(t, 9, s.Available)
	assert.Equal(t, 1, s.Reserved)

	open, _ := f.sagas.ListOpen(ctx)
	require.Len(t, open, 1)
	assert.Equal(t, healthy.ID, open[0].OrderID)
}

func TestRecoverSkipsRecentSagas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sagas.Save(ctx, saga.New("o-fresh", f.clock.Now())))

	n, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// gatedLedger parks Reserve until release is closed.
type gatedLedger struct {
	Ledger
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) Reserve(ctx context.Context, productID string, qty int, orderID string, ttl time.Duration) (bool, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Ledger.Reserve(ctx, productID, qty, orderID, ttl)
}

// spyLocker reports every Lock attempt before delegating.
type spyLocker struct {
	*KeyedMutex
	calls chan string
}

func (l *spyLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	l.calls <- orderID
	return l.KeyedMutex.Lock(ctx, orderID)
}

func TestRecoverLeavesInFlightCreateAlone(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 5)
	ctx := context.Background()
	gated := &gatedLedger{Ledger: f.ledger, entered: make(chan struct{}), release: make(chan struct{})}
	locks := &spyLocker{KeyedMutex: NewKeyedMutex(), calls: make(chan string, 4)}
	orch := New(f.repo, gated, f.catalog, f.catalog, f.gateway,
		WithSagaStore(f.sagas), WithClock(f.clock.Now), WithLocker(locks))

	var created orders.Order
	createErr := make(chan error, 1)
	go func() {
		o, err := orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 2)}})
		created = o
		createErr <- err
	}()
	<-locks.calls
	<-gated.entered
	// the RESERVING saga now looks abandoned by age alone
	f.clock.Advance(5 * time.Minute)

	recovered := make(chan int, 1)
	go func() {
		n, err := orch.Recover(ctx)
		assert.NoError(t, err)
		recovered <- n
	}()
	<-locks.calls // Recover is queued on the order lock
	close(gated.release)

	require.NoError(t, <-createErr)
	assert.Equal(t, 0, <-recovered)

	got, err := f.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, got.Status)
	sl, err := f.sagas.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateAwaitingPayment, sl.State)
	s := f.stock(t, "p-1")
	assert.Equal(t, 3, s.Available)
	assert.Equal(t, 2, s.Reserved)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	list, err := f.orch.ListOrders(ctx, "u-1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.orch.ListOrders(ctx, "", 0, 0)
	assert.ErrorIs(t, err, orders.ErrValidation)
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	// other keys are independent
	unlockB, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlock, err = k.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

func TestConcurrentWorkloadConservesStock(t *testing.T) {
	f := newFixture(t)
	f.putStock(t, "p-1", 20)
	f.putStock(t, "p-2", 15)
	ctx := context.Background()
	f.gateway.On("Charge", mock.Anything, mock.MatchedBy(func(r payment.ChargeRequest) bool { return r.OrderID[len(r.OrderID)-1]%2 == 0 })).
		Return(payment.ChargeResult{Status: payment.StatusSucceeded, TransactionID: "txn"}, nil).Maybe()
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(payment.ChargeResult{Status: payment.StatusFailed, FailureReason: "card_declined"}, nil).Maybe()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var created []orders.Order
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1+i%3), line("p-2", 1+i%2)}})
			if err != nil {
				assert.ErrorIs(t, err, orders.ErrInsufficientInventory)
				return
			}
			switch i % 3 {
			case 0:
				_, _ = f.orch.ProcessPayment(ctx, o.ID, o.TotalAmount, payment.MethodDebitCard)
			case 1:
				_, _ = f.orch.CancelOrder(ctx, o.ID, "")
			}
			mu.Lock()
			created = append(created, o)
			mu.Unlock()
		}()
	}
	wg.Wait()

	held := map[string]int{}
	for _, o := range created {
		rs, err := f.ledger.Reservations(ctx, o.ID)
		require.NoError(t, err)
		stored, _ := f.repo.Get(ctx, o.ID)
		for _, r := range rs {
			switch r.State {
			case inventory.ReservationActive:
				assert.Equal(t, orders.StatusPending, stored.Status)
				held[r.ProductID] += r.Quantity
			case inventory.ReservationConsumed:
				assert.Equal(t, orders.StatusConfirmed, stored.Status)
				held[r.ProductID] += r.Quantity
			}
		}
	}
	for pid, initial := range map[string]int{"p-1": 20, "p-2": 15} {
		s := f.stock(t, pid)
		assert.GreaterOrEqual(t, s.Available, 0)
		assert.Equal(t, initial, s.Available+s.Reserved, pid)
		assert.Equal(t, held[pid], s.Reserved, pid)
	}
}

func counterValues(t *testing.T, rm metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				var parts []string
				for _, kv := range dp.Attributes.ToSlice() {
					parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
				}
				out[strings.Join(parts, " ")] += dp.Value
			}
		}
	}
	return out
}

func TestMetricsCountOutcomesStepsAndCompensations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	f := newFixture(t, WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	f.putStock(t, "p-1", 1)
	ctx := context.Background()

	_, err := f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.NoError(t, err)
	_, err = f.orch.CreateOrder(ctx, CreateOrderRequest{UserID: "u-1", Items: []LineRequest{line("p-1", 1)}})
	require.ErrorIs(t, err, orders.ErrInsufficientInventory)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	ops := counterValues(t, rm, "orders.operations")
	assert.EqualValues(t, 1, ops["operation=create_order outcome=ok"])
	assert.EqualValues(t, 1, ops["operation=create_order outcome=error"])

	steps := counterValues(t, rm, "orders.workflow.steps")
	assert.EqualValues(t, 1, steps["status=done step=reserve"])
	assert.EqualValues(t, 1, steps["status=failed step=reserve"])
	assert.EqualValues(t, 1, steps["status=compensated step=release"])

	comp := counterValues(t, rm, "orders.compensations")
	assert.Equal(t, map[string]int64{"reason=" + orders.ReasonInventoryReservationFailed: 1}, comp)
}
