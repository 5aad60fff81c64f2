package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kwikr/billing-core/internal/webhook"
)

// ErrMalformedEvent indicates an event payload that cannot be decoded.
// Never requeued; redelivery would fail identically.
var ErrMalformedEvent = errors.New("malformed event payload")

// Stripe event payloads are decoded piecemeal; the worker only reads the
// handful of fields the domain services need.
type paymentIntentObject struct {
	ID string `json:"id"`
}

type chargeObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
}

type disputeObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
}

type invoiceObject struct {
	Subscription string `json:"subscription"`
	PeriodEnd    int64  `json:"period_end"`
}

// eventObject extracts data.object from a raw processor event.
func eventObject(payload json.RawMessage, into any) error {
	var event struct {
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(event.Data.Object) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(event.Data.Object, into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// routeEvent applies one envelope to the domain service that owns it.
func (w *Worker) routeEvent(ctx context.Context, env webhook.Envelope) error {
	switch env.Category {
	case webhook.CategoryEscrow:
		return w.routeEscrowEvent(ctx, env)
	case webhook.CategoryDispute:
		return w.routeDisputeEvent(ctx, env)
	case webhook.CategorySubscription:
		return w.routeSubscriptionEvent(ctx, env)
	default:
		w.logger.Info("Skipping event with unhandled category",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.Type),
		)
		return nil
	}
}

// Holds are manual-capture payment intents: authorization shows up as
// amount_capturable_updated, the capture on release as succeeded, and a
// voided hold as canceled.
func (w *Worker) routeEscrowEvent(ctx context.Context, env webhook.Envelope) error {
	switch env.Type {
	case "payment_intent.amount_capturable_updated":
		var pi paymentIntentObject
		if err := eventObject(env.Payload, &pi); err != nil {
			return err
		}
		return w.escrow.OnHoldConfirmed(ctx, pi.ID)

	case "payment_intent.payment_failed":
		var pi paymentIntentObject
		if err := eventObject(env.Payload, &pi); err != nil {
			return err
		}
		return w.escrow.OnHoldFailed(ctx, pi.ID)

	case "payment_intent.succeeded":
		var pi paymentIntentObject
		if err := eventObject(env.Payload, &pi); err != nil {
			return err
		}
		return w.escrow.OnReleaseConfirmed(ctx, pi.ID)

	case "payment_intent.canceled":
		var pi paymentIntentObject
		if err := eventObject(env.Payload, &pi); err != nil {
			return err
		}
		return w.escrow.OnRefundConfirmed(ctx, pi.ID)

	case "charge.refunded":
		var ch chargeObject
		if err := eventObject(env.Payload, &ch); err != nil {
			return err
		}
		return w.escrow.OnRefundConfirmed(ctx, ch.PaymentIntent)

	default:
		w.logger.Info("Skipping unhandled escrow event",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.Type),
		)
		return nil
	}
}

func (w *Worker) routeDisputeEvent(ctx context.Context, env webhook.Envelope) error {
	var d disputeObject
	if err := eventObject(env.Payload, &d); err != nil {
		return err
	}

	switch env.Type {
	case "charge.dispute.created":
		// Processor amounts are in cents.
		amount := float64(d.Amount) / 100
		return w.disputes.OpenFromEvent(ctx, d.ID, d.PaymentIntent, amount, d.Reason, d.Status)

	case "charge.dispute.updated",
		"charge.dispute.closed",
		"charge.dispute.funds_withdrawn",
		"charge.dispute.funds_reinstated":
		return w.disputes.UpdateFromEvent(ctx, d.ID, d.Status)

	default:
		w.logger.Info("Skipping unhandled dispute event",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.Type),
		)
		return nil
	}
}

func (w *Worker) routeSubscriptionEvent(ctx context.Context, env webhook.Envelope) error {
	switch env.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		var inv invoiceObject
		if err := eventObject(env.Payload, &inv); err != nil {
			return err
		}
		if inv.Subscription == "" {
			w.logger.Info("Skipping invoice without subscription reference",
				slog.String("event_id", env.EventID),
			)
			return nil
		}
		paidThrough := time.Unix(inv.PeriodEnd, 0).UTC()
		return w.subscriptions.OnInvoicePaid(ctx, inv.Subscription, paidThrough)

	default:
		w.logger.Info("Skipping unhandled subscription event",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.Type),
		)
		return nil
	}
}
