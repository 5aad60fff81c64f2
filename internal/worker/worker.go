package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kwikr/billing-core/internal/webhook"
	"github.com/kwikr/billing-core/shared/rabbitmq"
)

// EscrowHandler consumes processor confirmations for escrow money movement.
type EscrowHandler interface {
	OnHoldConfirmed(ctx context.Context, ref string) error
	OnHoldFailed(ctx context.Context, ref string) error
	OnReleaseConfirmed(ctx context.Context, ref string) error
	OnRefundConfirmed(ctx context.Context, ref string) error
}

// DisputeHandler consumes processor dispute events.
type DisputeHandler interface {
	OpenFromEvent(ctx context.Context, externalID, paymentRef string, amount float64, reasonCode, externalStatus string) error
	UpdateFromEvent(ctx context.Context, externalID, externalStatus string) error
}

// SubscriptionHandler consumes processor billing events.
type SubscriptionHandler interface {
	OnInvoicePaid(ctx context.Context, externalRef string, paidThrough time.Time) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Escrow        EscrowHandler
	Disputes      DisputeHandler
	Subscriptions SubscriptionHandler
	Concurrency   int
	EventTimeout  time.Duration
	PrefetchCount int
}

// eventMessage pairs a decoded envelope with its AMQP delivery so the
// processing goroutine can ack or nack it.
type eventMessage struct {
	envelope webhook.Envelope
	delivery amqp.Delivery
}

// Worker consumes queued webhook envelopes and applies them to the
// billing domain services.
type Worker struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	escrow        EscrowHandler
	disputes      DisputeHandler
	subscriptions SubscriptionHandler
	concurrency   int
	eventTimeout  time.Duration
	prefetchCount int
	workerID      string
	eventsChan    chan *eventMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		escrow:        cfg.Escrow,
		disputes:      cfg.Disputes,
		subscriptions: cfg.Subscriptions,
		concurrency:   cfg.Concurrency,
		eventTimeout:  cfg.EventTimeout,
		prefetchCount: cfg.PrefetchCount,
		workerID:      fmt.Sprintf("billing-worker-%s", uuid.New().String()[:8]),
		eventsChan:    make(chan *eventMessage, cfg.Concurrency),
		stopChan:      make(chan struct{}),
	}
}

// Start consumes events until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("event_timeout", w.eventTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
