package webhook

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature indicates the event failed authentication. The
	// only webhook error that maps to a non-2xx response.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrDuplicateEvent indicates the event id was already ingested.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
)

// Category routes an event to the component that handles it.
type Category string

const (
	CategoryEscrow       Category = "escrow"
	CategoryDispute      Category = "dispute"
	CategorySubscription Category = "subscription"
	CategoryUnknown      Category = "unknown"
)

// Categorize maps a processor event type onto a handler category. Types
// the processor adds over time fall into CategoryUnknown and are
// acknowledged without dispatch.
func Categorize(eventType string) Category {
	switch {
	case strings.HasPrefix(eventType, "charge.dispute."):
		return CategoryDispute
	case strings.HasPrefix(eventType, "payment_intent."),
		strings.HasPrefix(eventType, "charge."):
		return CategoryEscrow
	case strings.HasPrefix(eventType, "invoice."),
		strings.HasPrefix(eventType, "customer.subscription."):
		return CategorySubscription
	default:
		return CategoryUnknown
	}
}

// Envelope is the unit of work queued for the worker service. The raw
// event payload travels with it so the worker never calls back to the
// processor.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Category   Category        `json:"category"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
