package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kwikr/billing-core/internal/processor"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.eventsChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - eventsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received event",
				slog.String("worker_name", workerName),
				slog.String("event_id", msg.envelope.EventID),
				slog.String("event_type", msg.envelope.Type),
				slog.Uint64("delivery_tag", msg.delivery.DeliveryTag),
			)

			err := w.processEvent(ctx, msg)

			if err != nil {
				w.logger.Error("Event processing failed",
					slog.String("worker_name", workerName),
					slog.String("event_id", msg.envelope.EventID),
					slog.String("error", err.Error()),
				)

				requeue := w.shouldRequeue(err)
				if nackErr := msg.delivery.Nack(false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("worker_name", workerName),
						slog.String("event_id", msg.envelope.EventID),
						slog.String("error", nackErr.Error()),
					)
				} else {
					w.logger.Info("Message NACKed",
						slog.String("worker_name", workerName),
						slog.String("event_id", msg.envelope.EventID),
						slog.Bool("requeue", requeue),
					)
				}
				continue
			}

			if ackErr := msg.delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("worker_name", workerName),
					slog.String("event_id", msg.envelope.EventID),
					slog.String("error", ackErr.Error()),
				)
			} else {
				w.logger.Info("Event processed successfully",
					slog.String("worker_name", workerName),
					slog.String("event_id", msg.envelope.EventID),
				)
			}
		}
	}
}

// processEvent applies one envelope under the configured per-event timeout.
func (w *Worker) processEvent(ctx context.Context, msg *eventMessage) error {
	eventCtx := ctx
	if w.eventTimeout > 0 {
		var cancel context.CancelFunc
		eventCtx, cancel = context.WithTimeout(ctx, w.eventTimeout)
		defer cancel()
	}
	return w.routeEvent(eventCtx, msg.envelope)
}

// shouldRequeue determines whether a failed event goes back on the queue.
// Transient failures (processor outages, timeouts, broken DB connections)
// are requeued; everything else is dropped so a poison message cannot spin.
func (w *Worker) shouldRequeue(err error) bool {
	if processor.IsRetryable(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
