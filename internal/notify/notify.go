// Package notify hands user notifications off to the notification subsystem.
// Delivery is that subsystem's concern: the engine fires and forgets, and a
// publish failure is logged, never propagated into a payment code path.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Notification kinds emitted by the billing engine.
const (
	KindPayment       = "payment"
	KindPaymentFailed = "payment_failed"
	KindRefund        = "refund"
	KindJobCancelled  = "job_cancelled"
	KindDispute       = "dispute"
	KindInvoicePaid   = "invoice_paid"
	KindSubscription  = "subscription"
)

// Message is the envelope handed to the notification subsystem.
type Message struct {
	UserID            string    `json:"user_id"`
	Kind              string    `json:"kind"`
	Title             string    `json:"title"`
	Body              string    `json:"body"`
	RelatedEntityType string    `json:"related_entity_type,omitempty"`
	RelatedEntityID   string    `json:"related_entity_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Notifier dispatches a notification to a user.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Publisher is the transport the AMQP notifier publishes through.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// AMQPNotifier publishes notification messages to the notifications
// exchange.
type AMQPNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewAMQPNotifier creates a notifier over the given publisher.
func NewAMQPNotifier(publisher Publisher, logger *slog.Logger) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher, logger: logger}
}

// Notify publishes the message. Failures are logged and swallowed.
func (n *AMQPNotifier) Notify(ctx context.Context, msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("Failed to marshal notification",
			slog.String("user_id", msg.UserID),
			slog.String("kind", msg.Kind),
			slog.Any("error", err),
		)
		return
	}

	if err := n.publisher.Publish(ctx, body, "application/json"); err != nil {
		n.logger.Error("Failed to publish notification",
			slog.String("user_id", msg.UserID),
			slog.String("kind", msg.Kind),
			slog.Any("error", err),
		)
		return
	}

	n.logger.Debug("Notification dispatched",
		slog.String("user_id", msg.UserID),
		slog.String("kind", msg.Kind),
	)
}

// NopNotifier discards notifications. Used in tests and when the
// notifications exchange is not configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Message) {}
