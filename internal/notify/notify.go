package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-order-saga/internal/orders"
)

// Notifier announces order lifecycle events. Callers treat errors as
// best-effort and never roll back on them.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

type Nop struct{}

func (Nop) Notify(context.Context, string, any) error { return nil }

// LogNotifier writes events to the log. Used when no broker is configured.
type LogNotifier struct{ Log *slog.Logger }

func (n LogNotifier) Notify(ctx context.Context, event string, payload any) error {
	n.Log.InfoContext(ctx, "notification", "event", event, "order_id", correlationID(payload))
	return nil
}

type publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header) error
}

// KafkaNotifier wraps each payload in an orders.Envelope and hands it to the
// async producer, keyed by order id.
type KafkaNotifier struct {
	producer publisher
	service  string
	now      func() time.Time
}

func NewKafkaNotifier(p publisher, service string) *KafkaNotifier {
	return &KafkaNotifier{producer: p, service: service, now: func() time.Time { return time.Now().UTC() }}
}

func (n *KafkaNotifier) Notify(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	orderID := correlationID(payload)
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     event,
		EventVersion:  1,
		OccurredAt:    n.now(),
		Producer:      n.service,
		CorrelationID: orderID,
		Payload:       body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return n.producer.Publish(orders.TopicFor(event), orders.PartitionKey(orderID), value,
		kafkago.Header{Key: "event_type", Value: []byte(event)},
		kafkago.Header{Key: "event_id", Value: []byte(env.EventID)},
	)
}

func correlationID(payload any) string {
	if c, ok := payload.(interface{ CorrelationID() string }); ok {
		return c.CorrelationID()
	}
	return ""
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event string, payload any) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
