package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-saga/internal/catalog"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/notify"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
	"github.com/ariefcatur/go-order-saga/internal/saga"
)

const (
	defaultListLimit         = 50
	maxListLimit             = 100
	defaultCompensateTimeout = 10 * time.Second
	defaultRecoverAge        = time.Minute
)

// Orchestrator owns order status. Every order it creates ends PENDING with
// all lines reserved, or CANCELLED with nothing reserved.
type Orchestrator struct {
	orders   orders.Repository
	ledger   Ledger
	users    catalog.UserLookup
	products catalog.ProductLookup
	payments payment.Gateway

	notifier notify.Notifier
	sagas    saga.Store
	locks    Locker
	log      *slog.Logger
	tracer   trace.Tracer
	meters   metric.MeterProvider
	metrics  instruments

	ttl               time.Duration
	compensateTimeout time.Duration
	recoverAge        time.Duration
	now               func() time.Time
	newID             func() string
}

type Option func(*Orchestrator)

func WithNotifier(n notify.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }
func WithSagaStore(s saga.Store) Option { return func(o *Orchestrator) { o.sagas = s } }
func WithLocker(l Locker) Option { return func(o *Orchestrator) { o.locks = l } }
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithReservationTTL sets the hold time passed to the ledger; 0 keeps the ledger default.
func WithReservationTTL(d time.Duration) Option { return func(o *Orchestrator) { o.ttl = d } }

// WithRecoverAge sets how long a saga must sit untouched before Recover
// treats it as abandoned.
func WithRecoverAge(d time.Duration) Option { return func(o *Orchestrator) { o.recoverAge = d } }

func WithMeterProvider(mp metric.MeterProvider) Option { return func(o *Orchestrator) { o.meters = mp } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithIDs(newID func() string) Option { return func(o *Orchestrator) { o.newID = newID } }

func New(repo orders.Repository, ledger Ledger, users catalog.UserLookup, products catalog.ProductLookup, payments payment.Gateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		orders:            repo,
		ledger:            ledger,
		users:             users,
		products:          products,
		payments:          payments,
		notifier:          notify.Nop{},
		sagas:             saga.NewMemStore(),
		locks:             NewKeyedMutex(),
		log:               logging.Discard(),
		tracer:            otel.Tracer("orchestrator"),
		meters:            otel.GetMeterProvider(),
		compensateTimeout: defaultCompensateTimeout,
		recoverAge:        defaultRecoverAge,
		now:               func() time.Time { return time.Now().UTC() },
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	in, err := newInstruments(o.meters.Meter("orchestrator"))
	if err != nil {
		o.log.Warn("metrics disabled", "err", err)
		in = noopInstruments()
	}
	o.metrics = in
	return o
}

// CreateOrder validates, prices, persists and reserves. On any reservation
// failure the order is cancelled and ErrInsufficientInventory is returned.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (_ orders.Order, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "CreateOrder", trace.WithAttributes(attribute.String("user_id", req.UserID)))
	defer func() {
		finish(span, err)
		o.metrics.observe(ctx, "create_order", start, err)
	}()

	lines, err := normalize(req)
	if err != nil {
		return orders.Order{}, err
	}

	user, err := o.users.User(ctx, req.UserID)
	if errors.Is(err, catalog.ErrNotFound) {
		return orders.Order{}, fmt.Errorf("%w: %s", orders.ErrUserNotFound, req.UserID)
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("lookup user %s: %w", req.UserID, err)
	}

	prices, err := o.price(ctx, lines)
	if err != nil {
		return orders.Order{}, err
	}

	orderID := o.newID()
	span.SetAttributes(attribute.String("order_id", orderID))
	items := make([]orders.OrderItem, 0, len(lines))
	for i, l := range lines {
		items = append(items, orders.NewOrderItem(orderID, l.ProductID, l.Quantity, prices[i]))
	}
	shipping := user.Address
	if req.ShippingAddress != nil && strings.TrimSpace(*req.ShippingAddress) != "" {
		shipping = *req.ShippingAddress
	}
	var notes string
	if req.Notes != nil {
		notes = *req.Notes
	}
	now := o.now()
	order := orders.NewOrder(orderID, user.ID, items, shipping, notes, now)

	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	defer unlock()

	sl := saga.New(orderID, now)
	if err := o.sagas.Save(ctx, sl); err != nil {
		return orders.Order{}, fmt.Errorf("start saga: %w", err)
	}
	if err := o.orders.Create(ctx, order); err != nil {
		o.step(ctx, &sl, saga.StepPersistOrder, saga.StepFailed, err.Error())
		sl.Advance(saga.StateCompensated, o.now())
		o.saveSaga(ctx, sl)
		return orders.Order{}, fmt.Errorf("persist order: %w", err)
	}
	o.step(ctx, &sl, saga.StepPersistOrder, saga.StepDone, "")
	sl.Advance(saga.StateReserving, o.now())
	o.saveSaga(ctx, sl)

	for _, it := range order.Items {
		if err := o.reserve(ctx, it, orderID); err != nil {
			o.step(ctx, &sl, saga.StepReserve, saga.StepFailed, fmt.Sprintf("%s: %v", it.ProductID, err))
			cause := fmt.Errorf("%w: %w", orders.ErrInsufficientInventory, err)
			if _, cerr := o.compensate(ctx, &sl, orderID, orders.ReasonInventoryReservationFailed); cerr != nil {
				return orders.Order{}, errors.Join(cause, cerr)
			}
			o.log.InfoContext(ctx, "order rejected", "order_id", orderID, "product_id", it.ProductID, "err", err)
			return orders.Order{}, cause
		}
		o.step(ctx, &sl, saga.StepReserve, saga.StepDone, fmt.Sprintf("%s x%d", it.ProductID, it.Quantity))
	}

	sl.Advance(saga.StateAwaitingPayment, o.now())
	o.saveSaga(ctx, sl)
	o.notify(ctx, orders.EventOrderCreated, orders.NewOrderCreatedPayload(order))
	o.log.InfoContext(ctx, "order created", "order_id", orderID, "user_id", user.ID, "total", order.TotalAmount.String(), "items", len(order.Items))
	return order, nil
}

func (o *Orchestrator) reserve(ctx context.Context, it orders.OrderItem, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := o.ledger.Reserve(ctx, it.ProductID, it.Quantity, orderID, o.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("product %s: %d units not available", it.ProductID, it.Quantity)
	}
	return nil
}

// price resolves every product concurrently and returns unit prices in line order.
func (o *Orchestrator) price(ctx context.Context, lines []LineRequest) ([]decimal.Decimal, error) {
	prices := make([]decimal.Decimal, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range lines {
		g.Go(func() error {
			p, err := o.products.Product(gctx, l.ProductID)
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("%w: %s", orders.ErrProductNotFound, l.ProductID)
			}
			if err != nil {
				return fmt.Errorf("lookup product %s: %w", l.ProductID, err)
			}
			prices[i] = p.Price
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prices, nil
}

// ProcessPayment charges a PENDING order. A declined charge cancels the order
// and returns it with a nil error; a gateway failure cancels it and also
// returns ErrPaymentFailed.
func (o *Orchestrator) ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal, method string) (_ orders.Order, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "ProcessPayment", trace.WithAttributes(
		attribute.String("order_id", orderID), attribute.String("payment.method", method)))
	defer func() {
		finish(span, err)
		o.metrics.observe(ctx, "process_payment", start, err)
	}()

	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	defer unlock()

	order, err := o.pending(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	req := payment.ChargeRequest{OrderID: orderID, Amount: amount, Method: method}
	if err := payment.Validate(req); err != nil {
		return orders.Order{}, fmt.Errorf("%w: %w", orders.ErrValidation, err)
	}
	if !amount.Equal(order.TotalAmount) {
		return orders.Order{}, fmt.Errorf("%w: amount %s does not match order total %s", orders.ErrValidation, amount, order.TotalAmount)
	}

	sl := o.loadSaga(ctx, order)
	res, err := o.payments.Charge(ctx, req)
	if err != nil {
		o.step(ctx, &sl, saga.StepCharge, saga.StepFailed, err.Error())
		cause := fmt.Errorf("%w: %w", orders.ErrPaymentFailed, err)
		cancelled, cerr := o.compensate(ctx, &sl, orderID, orders.ReasonPaymentFailed)
		if cerr != nil {
			return orders.Order{}, errors.Join(cause, cerr)
		}
		o.log.WarnContext(ctx, "payment gateway error", "order_id", orderID, "err", err)
		return cancelled, cause
	}
	if !res.Succeeded() {
		o.step(ctx, &sl, saga.StepCharge, saga.StepFailed, res.FailureReason)
		cancelled, cerr := o.compensate(ctx, &sl, orderID, orders.ReasonPaymentFailed)
		if cerr != nil {
			return orders.Order{}, cerr
		}
		o.log.InfoContext(ctx, "payment declined", "order_id", orderID, "reason", res.FailureReason)
		return cancelled, nil
	}

	// The charge went through; finish even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	o.step(ctx, &sl, saga.StepCharge, saga.StepDone, res.TransactionID)
	confirmed, err := o.orders.UpdateStatus(ctx, orderID, orders.StatusPending, orders.StatusConfirmed, "")
	if err != nil {
		o.saveSaga(ctx, sl)
		return orders.Order{}, fmt.Errorf("confirm order %s after charge %s: %w", orderID, res.TransactionID, err)
	}
	// A failure here leaves ACTIVE reservations on a CONFIRMED order; the
	// sweeper consumes them when they expire.
	if _, err := o.ledger.Confirm(ctx, orderID); err != nil {
		o.log.ErrorContext(ctx, "confirm reservations", "order_id", orderID, "err", err)
	}
	o.step(ctx, &sl, saga.StepConfirm, saga.StepDone, "")
	sl.Advance(saga.StateCompleted, o.now())
	o.saveSaga(ctx, sl)

	o.notify(ctx, orders.EventOrderConfirmed, orders.NewOrderStatusPayload(confirmed))
	o.notify(ctx, orders.EventPaymentReceived, orders.PaymentReceivedPayload{
		OrderID:       orderID,
		UserID:        confirmed.UserID,
		Amount:        amount,
		Method:        method,
		TransactionID: res.TransactionID,
	})
	o.log.InfoContext(ctx, "order confirmed", "order_id", orderID, "transaction_id", res.TransactionID)
	return confirmed, nil
}

// CancelOrder releases every reservation of a PENDING order and cancels it.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID, reason string) (_ bool, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "CancelOrder", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer func() {
		finish(span, err)
		o.metrics.observe(ctx, "cancel_order", start, err)
	}()

	if strings.TrimSpace(reason) == "" {
		reason = orders.ReasonCustomerRequest
	}
	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	order, err := o.pending(ctx, orderID)
	if err != nil {
		return false, err
	}
	sl := o.loadSaga(ctx, order)
	if _, err := o.compensate(ctx, &sl, orderID, reason); err != nil {
		return false, err
	}
	o.log.InfoContext(ctx, "order cancelled", "order_id", orderID, "reason", reason)
	return true, nil
}

// Expire handles an order whose reservations outlived their TTL. PENDING
// orders are cancelled; reservations left behind by a finished order are
// settled to match its status.
func (o *Orchestrator) Expire(ctx context.Context, orderID string) (err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "Expire", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer func() {
		finish(span, err)
		o.metrics.observe(ctx, "expire", start, err)
	}()

	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := o.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		_, err = o.ledger.Release(ctx, orderID)
		return err
	}
	if err != nil {
		return err
	}

	switch order.Status {
	case orders.StatusPending:
		sl := o.loadSaga(ctx, order)
		if _, err := o.compensate(ctx, &sl, orderID, orders.ReasonReservationExpired); err != nil {
			return err
		}
		o.log.InfoContext(ctx, "order expired", "order_id", orderID)
	case orders.StatusConfirmed:
		_, err = o.ledger.Confirm(ctx, orderID)
	case orders.StatusCancelled:
		_, err = o.ledger.Release(ctx, orderID)
	}
	return err
}

// Recover compensates sagas that were interrupted before reaching a resting
// state. Sagas touched within the recover age are skipped: another instance
// may still be driving them. It returns how many were compensated.
func (o *Orchestrator) Recover(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { o.metrics.observe(ctx, "recover", start, err) }()

	open, err := o.sagas.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open sagas: %w", err)
	}
	var errs []error
	for _, sl := range open {
		if !sl.State.NeedsCompensation() || o.now().Sub(sl.UpdatedAt) < o.recoverAge {
			continue
		}
		done, err := o.recoverOne(ctx, sl.OrderID)
		if err != nil {
			o.log.ErrorContext(ctx, "saga recovery failed", "order_id", sl.OrderID, "state", sl.State, "err", err)
			errs = append(errs, err)
			continue
		}
		if done {
			n++
		}
	}
	if n > 0 {
		o.log.InfoContext(ctx, "sagas recovered", "count", n)
	}
	return n, errors.Join(errs...)
}

// recoverOne re-reads the log under the order lock: the listed snapshot may
// predate progress made by whoever held the lock.
func (o *Orchestrator) recoverOne(ctx context.Context, orderID string) (bool, error) {
	unlock, err := o.locks.Lock(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	sl, err := o.sagas.Get(ctx, orderID)
	if errors.Is(err, saga.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sl.State.NeedsCompensation() || o.now().Sub(sl.UpdatedAt) < o.recoverAge {
		o.log.InfoContext(ctx, "saga moved on, recovery skipped", "order_id", orderID, "state", sl.State)
		return false, nil
	}
	if _, err := o.compensate(ctx, &sl, orderID, orders.ReasonSagaRecovered); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return o.orders.Get(ctx, orderID)
}

func (o *Orchestrator) ListOrders(ctx context.Context, userID string, limit, offset int) ([]orders.Order, error) {
	if userID == "" || offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: user_id required, limit and offset must not be negative", orders.ErrValidation)
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return o.orders.ListByUser(ctx, userID, limit, offset)
}

// compensate releases reservations, then cancels the order if it is still
// PENDING. It runs detached from the caller's cancellation.
func (o *Orchestrator) compensate(ctx context.Context, sl *saga.Log, orderID, reason string) (orders.Order, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensateTimeout)
	defer cancel()

	sl.Advance(saga.StateCompensating, o.now())
	o.saveSaga(ctx, *sl)

	if _, err := o.ledger.Release(ctx, orderID); err != nil {
		o.step(ctx, sl, saga.StepRelease, saga.StepFailed, err.Error())
		o.saveSaga(ctx, *sl)
		return orders.Order{}, fmt.Errorf("release reservations of %s: %w", orderID, err)
	}
	o.step(ctx, sl, saga.StepRelease, saga.StepCompensated, "")

	cancelled, err := o.orders.UpdateStatus(ctx, orderID, orders.StatusPending, orders.StatusCancelled, reason)
	switch {
	case err == nil:
		o.notify(ctx, orders.EventOrderCancelled, orders.NewOrderStatusPayload(cancelled))
	case errors.Is(err, orders.ErrOrderNotFound):
		// crashed before the order row was written
	case errors.Is(err, orders.ErrInvalidOrderState):
		current, gerr := o.orders.Get(ctx, orderID)
		if gerr != nil || current.Status != orders.StatusCancelled {
			o.step(ctx, sl, saga.StepCancel, saga.StepFailed, err.Error())
			o.saveSaga(ctx, *sl)
			return orders.Order{}, err
		}
		cancelled = current
	default:
		o.step(ctx, sl, saga.StepCancel, saga.StepFailed, err.Error())
		o.saveSaga(ctx, *sl)
		return orders.Order{}, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	o.step(ctx, sl, saga.StepCancel, saga.StepCompensated, reason)
	sl.Reason = reason
	sl.Advance(saga.StateCompensated, o.now())
	o.saveSaga(ctx, *sl)
	o.metrics.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return cancelled, nil
}

func (o *Orchestrator) pending(ctx context.Context, orderID string) (orders.Order, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if order.Status != orders.StatusPending {
		return orders.Order{}, fmt.Errorf("%w: order %s is %s", orders.ErrInvalidOrderState, orderID, order.Status)
	}
	return order, nil
}

// loadSaga returns the order's saga log, or a fresh AWAITING_PAYMENT log for
// orders whose log was lost.
func (o *Orchestrator) loadSaga(ctx context.Context, order orders.Order) saga.Log {
	sl, err := o.sagas.Get(ctx, order.ID)
	if err == nil {
		return sl
	}
	if !errors.Is(err, saga.ErrNotFound) {
		o.log.WarnContext(ctx, "load saga", "order_id", order.ID, "err", err)
	}
	sl = saga.New(order.ID, order.CreatedAt)
	sl.Advance(saga.StateAwaitingPayment, o.now())
	return sl
}

func (o *Orchestrator) saveSaga(ctx context.Context, sl saga.Log) {
	if err := o.sagas.Save(ctx, sl); err != nil {
		o.log.WarnContext(ctx, "save saga", "order_id", sl.OrderID, "state", sl.State, "err", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, event string, payload any) {
	if err := o.notifier.Notify(ctx, event, payload); err != nil {
		o.log.WarnContext(ctx, "notification failed", "event", event, "err", err)
	}
}

// normalize validates a request and merges repeated products into one line.
func normalize(req CreateOrderRequest) ([]LineRequest, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", orders.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", orders.ErrValidation)
	}
	index := make(map[string]int, len(req.Items))
	lines := make([]LineRequest, 0, len(req.Items))
	for _, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, fmt.Errorf("%w: product_id is required", orders.ErrValidation)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", orders.ErrValidation, it.ProductID)
		}
		if i, ok := index[it.ProductID]; ok {
			if lines[i].Quantity > math.MaxInt-it.Quantity {
				return nil, fmt.Errorf("%w: total quantity for %s is too large", orders.ErrValidation, it.ProductID)
			}
			lines[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(lines)
		lines = append(lines, it)
	}
	return lines, nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
