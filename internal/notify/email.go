package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-order-saga/internal/catalog"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

type Email struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer stands in for an SMTP relay.
type LogMailer struct{ Log *slog.Logger }

func (m LogMailer) Send(ctx context.Context, e Email) error {
	m.Log.InfoContext(ctx, "email sent", "to", e.To, "subject", e.Subject)
	return nil
}

type deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// EmailHandler turns order events from Kafka into customer emails.
type EmailHandler struct {
	Users  catalog.UserLookup
	Mailer Mailer
	Dedup  deduper
	Log    *slog.Logger
}

// Handle is a kafka.Handler. Redelivered events are skipped by event id.
func (h *EmailHandler) Handle(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// poison message: log and let the offset move on
		h.Log.Warn("drop undecodable event", "topic", m.Topic, "offset", m.Offset, "err", err)
		return nil
	}

	key := fmt.Sprintf(redisx.KeyDedup, "notifier", env.EventID)
	if h.Dedup != nil {
		seen, err := h.Dedup.Seen(ctx, key)
		if err != nil {
			return err
		}
		if seen {
			h.Log.Debug("duplicate event", "event_id", env.EventID)
			return nil
		}
	}

	if err := h.deliver(ctx, env); err != nil {
		if h.Dedup != nil {
			_ = h.Dedup.Forget(ctx, key)
		}
		return err
	}
	return nil
}

func (h *EmailHandler) deliver(ctx context.Context, env orders.Envelope) error {
	var userID string
	var render func(u catalog.User) Email

	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return err
		}
		userID = p.UserID
		render = func(u catalog.User) Email {
			return Email{
				To:      u.Email,
				Subject: fmt.Sprintf("Order Received #%s", p.OrderID),
				Body:    fmt.Sprintf("Thank you %s! Your order #%s for $%s has been placed.", u.Name, p.OrderID, p.TotalAmount.StringFixed(2)),
			}
		}
	case orders.EventOrderConfirmed, orders.EventOrderCancelled:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusPayload](env.Payload)
		if err != nil {
			return err
		}
		userID = p.UserID
		render = func(u catalog.User) Email {
			return Email{
				To:      u.Email,
				Subject: fmt.Sprintf("Order Update #%s - %s", p.OrderID, titleCase(string(p.Status))),
				Body:    fmt.Sprintf("Hi %s, %s", u.Name, statusMessage(p)),
			}
		}
	case orders.EventPaymentReceived:
		p, err := kafkax.UnwrapPayload[orders.PaymentReceivedPayload](env.Payload)
		if err != nil {
			return err
		}
		userID = p.UserID
		render = func(u catalog.User) Email {
			return Email{
				To:      u.Email,
				Subject: fmt.Sprintf("Payment Received - Order #%s", p.OrderID),
				Body: fmt.Sprintf("Hi %s, we've successfully received your payment of $%s for order #%s. Your order is now being processed.",
					u.Name, p.Amount.StringFixed(2), p.OrderID),
			}
		}
	default:
		return nil
	}

	u, err := h.Users.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup recipient for %s: %w", env.CorrelationID, err)
	}
	return h.Mailer.Send(ctx, render(u))
}

func statusMessage(p orders.OrderStatusPayload) string {
	switch p.Status {
	case orders.StatusConfirmed:
		return fmt.Sprintf("your order #%s has been confirmed and is being prepared.", p.OrderID)
	case orders.StatusCancelled:
		return fmt.Sprintf("your order #%s has been cancelled. If you have questions, please contact support.", p.OrderID)
	default:
		return fmt.Sprintf("your order #%s status has been updated to: %s", p.OrderID, p.Status)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
