package handler

import (
	"context"
	"log/slog"

	"github.com/kwikr/billing-core/internal/dispute"
	"github.com/kwikr/billing-core/internal/escrow"
	"github.com/kwikr/billing-core/internal/subscription"
	"github.com/kwikr/billing-core/internal/webhook"
)

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	DB            Pinger
	Escrow        *escrow.Service
	Disputes      *dispute.Service
	Subscriptions *subscription.Service
	Ingestor      *webhook.Ingestor
}

// PaymentHandler handles escrow and ledger HTTP requests
type PaymentHandler struct {
	logger *slog.Logger
	escrow *escrow.Service
}

// NewPaymentHandler creates a new PaymentHandler instance
func NewPaymentHandler(deps *Dependencies) *PaymentHandler {
	return &PaymentHandler{
		logger: deps.Logger,
		escrow: deps.Escrow,
	}
}

// DisputeHandler handles dispute workflow HTTP requests
type DisputeHandler struct {
	logger   *slog.Logger
	disputes *dispute.Service
}

// NewDisputeHandler creates a new DisputeHandler instance
func NewDisputeHandler(deps *Dependencies) *DisputeHandler {
	return &DisputeHandler{
		logger:   deps.Logger,
		disputes: deps.Disputes,
	}
}

// SubscriptionHandler handles subscription billing HTTP requests
type SubscriptionHandler struct {
	logger        *slog.Logger
	subscriptions *subscription.Service
}

// NewSubscriptionHandler creates a new SubscriptionHandler instance
func NewSubscriptionHandler(deps *Dependencies) *SubscriptionHandler {
	return &SubscriptionHandler{
		logger:        deps.Logger,
		subscriptions: deps.Subscriptions,
	}
}

// WebhookHandler receives processor webhooks and hands them to the ingestor
type WebhookHandler struct {
	logger   *slog.Logger
	ingestor *webhook.Ingestor
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:   deps.Logger,
		ingestor: deps.Ingestor,
	}
}
