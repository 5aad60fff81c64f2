// Package webhook authenticates, deduplicates, and queues processor
// events. The HTTP handler stays thin: verification and a queue publish
// are the only work done before acknowledging, so handler latency can
// never trigger a processor retry storm.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// Publisher queues envelopes for the worker service.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Ingestor is the inbound half of webhook processing.
type Ingestor struct {
	secret    string
	dedup     DedupStore
	publisher Publisher
	logger    *slog.Logger
}

// NewIngestor wires the ingestion pipeline.
func NewIngestor(secret string, dedup DedupStore, publisher Publisher, logger *slog.Logger) *Ingestor {
	return &Ingestor{secret: secret, dedup: dedup, publisher: publisher, logger: logger}
}

// Ingest verifies the raw event against the shared secret, categorizes it,
// drops duplicates, and queues the rest. ErrInvalidSignature is the only
// error the HTTP layer turns into a non-2xx; everything else is logged and
// acknowledged so the processor does not redeliver forever.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, sigHeader string) (Envelope, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, i.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	env := Envelope{
		EventID:    event.ID,
		Category:   Categorize(string(event.Type)),
		Type:       string(event.Type),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	if env.Category == CategoryUnknown {
		// Processors add event types over time; acknowledged, not queued.
		i.logger.Info("Unhandled webhook event type",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.Type),
		)
		return env, nil
	}

	seen, err := i.dedup.MarkSeen(ctx, env.EventID)
	if err != nil {
		// Dedup is an optimization; downstream handlers are idempotent, so
		// a dedup outage degrades to at-least-once rather than dropping
		// events.
		i.logger.Warn("Dedup store unavailable, queueing anyway",
			slog.String("event_id", env.EventID),
			slog.Any("error", err),
		)
	} else if seen {
		i.logger.Info("Duplicate webhook event dropped",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.Type),
		)
		return env, ErrDuplicateEvent
	}

	body, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := i.publisher.Publish(ctx, body, "application/json"); err != nil {
		return env, fmt.Errorf("queue webhook event: %w", err)
	}

	i.logger.Info("Webhook event queued",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.Type),
		slog.String("category", string(env.Category)),
	)
	return env, nil
}
