// Package dispute implements the dispute workflow for escrowed payments.
// Disputes arrive either from marketplace users or from the payment
// processor's chargeback events; the external mapping table makes processor
// redelivery idempotent, and every status change appends an immutable
// timeline row.
package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kwikr/billing-core/internal/auth"
	"github.com/kwikr/billing-core/internal/escrow"
	"github.com/kwikr/billing-core/internal/notify"
)

// Admin resolutions. The resolution decides where the job lands once the
// dispute is terminal.
const (
	ResolutionReleaseToWorker = "released_to_worker"
	ResolutionRefundToClient  = "refunded_to_client"
)

// ErrInvalidResolution indicates an unknown resolution value.
var ErrInvalidResolution = errors.New("invalid dispute resolution")

// Service drives the dispute workflow.
type Service struct {
	db       *sqlx.DB
	store    *Store
	jobs     *escrow.JobStore
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewService wires the dispute workflow.
func NewService(db *sqlx.DB, store *Store, jobs *escrow.JobStore, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{db: db, store: store, jobs: jobs, notifier: notifier, logger: logger}
}

// Open raises a dispute manually. Only the job's client or worker may open
// one, and only while the payment is held in escrow. Dispute creation and
// the job's move to disputed happen in one transaction.
func (s *Service) Open(ctx context.Context, actor auth.Actor, jobID, reasonCode string) (Dispute, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return Dispute{}, err
	}
	if actor.UserID != job.ClientID && actor.UserID != job.WorkerID && !actor.IsAdmin() {
		return Dispute{}, ErrForbidden
	}

	d := newDispute(job, actor.UserID, reasonCode)

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		moved, err := s.jobs.WithTx(tx).Transition(ctx, job.ID, []escrow.Status{escrow.StatusHeld}, escrow.StatusDisputed)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: job is %s", ErrInvalidStateTransition, job.EscrowStatus)
		}

		store := s.store.WithTx(tx)
		if err := store.Insert(ctx, &d); err != nil {
			return err
		}
		return store.AppendTimeline(ctx, TimelineEntry{
			DisputeID: d.ID,
			ToStatus:  StatusOpen,
			Note:      "Dispute opened: " + reasonCode,
			ActorID:   sql.NullString{String: actor.UserID, Valid: true},
		})
	})
	if err != nil {
		return Dispute{}, err
	}

	s.notifyParties(ctx, job, "Dispute opened", "A dispute was opened on your job. The escrowed payment is on hold until it is resolved.", d.ID)
	s.logger.Info("Dispute opened",
		slog.String("dispute_id", d.ID),
		slog.String("job_id", job.ID),
		slog.String("reason_code", reasonCode),
	)
	return d, nil
}

// OpenFromEvent ingests the processor's dispute-created event. Redelivery
// is idempotent: an existing mapping for the external id short-circuits to
// a mapping refresh instead of a second dispute row.
func (s *Service) OpenFromEvent(ctx context.Context, externalID, paymentRef string, amount float64, reasonCode, externalStatus string) error {
	if m, err := s.store.GetMapping(ctx, externalID); err == nil {
		s.logger.Info("Dispute event redelivered, refreshing mapping",
			slog.String("external_dispute_id", externalID),
			slog.String("dispute_id", m.DisputeID),
		)
		return s.store.UpsertMapping(ctx, externalID, m.DisputeID, externalStatus)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	job, err := s.jobs.GetByReference(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			s.logger.Warn("Dispute event for unknown payment reference",
				slog.String("external_dispute_id", externalID),
				slog.String("payment_reference", paymentRef),
			)
			return nil
		}
		return err
	}

	d := newDispute(job, job.ClientID, reasonCode)
	d.Amount = amount

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		// The chargeback is a fact regardless of local state, so the guard
		// accepts any non-terminal source.
		if _, err := s.jobs.WithTx(tx).Transition(ctx, job.ID,
			[]escrow.Status{escrow.StatusNone, escrow.StatusHeld, escrow.StatusFailed},
			escrow.StatusDisputed,
		); err != nil {
			return err
		}

		store := s.store.WithTx(tx)
		if err := store.Insert(ctx, &d); err != nil {
			return err
		}
		if err := store.UpsertMapping(ctx, externalID, d.ID, externalStatus); err != nil {
			return err
		}
		return store.AppendTimeline(ctx, TimelineEntry{
			DisputeID: d.ID,
			ToStatus:  StatusOpen,
			Note:      "Dispute opened by payment processor: " + reasonCode,
		})
	})
	if err != nil {
		return err
	}

	s.notifyParties(ctx, job, "Payment disputed", "The payment processor reported a dispute on this job's payment.", d.ID)
	s.logger.Info("Dispute opened from processor event",
		slog.String("dispute_id", d.ID),
		slog.String("external_dispute_id", externalID),
		slog.String("job_id", job.ID),
	)
	return nil
}

// UpdateFromEvent applies a processor dispute-updated or dispute-closed
// event. Unknown external ids are orphans and a no-op; external statuses
// outside the mapping table are ignored with a log line, since processors
// add statuses over time.
func (s *Service) UpdateFromEvent(ctx context.Context, externalID, externalStatus string) error {
	m, err := s.store.GetMapping(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("Orphan dispute event",
				slog.String("external_dispute_id", externalID),
				slog.String("external_status", externalStatus),
			)
			return nil
		}
		return err
	}

	target, ok := externalStatusMap[externalStatus]
	if !ok {
		s.logger.Info("Unmapped external dispute status ignored",
			slog.String("external_dispute_id", externalID),
			slog.String("external_status", externalStatus),
		)
		return s.store.UpsertMapping(ctx, externalID, m.DisputeID, externalStatus)
	}

	d, err := s.store.Get(ctx, m.DisputeID)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)

		var moved bool
		if target.IsTerminal() {
			resolution := ResolutionReleaseToWorker
			if target == StatusClosed {
				resolution = ResolutionRefundToClient
			}
			moved, err = store.Resolve(ctx, d.ID, target, resolution, "")
			if err != nil {
				return err
			}
			if moved {
				if err := s.settleJob(ctx, tx, d.JobID, resolution); err != nil {
					return err
				}
			}
		} else {
			moved, err = store.Transition(ctx, d.ID,
				[]Status{StatusOpen, StatusInvestigating, StatusAwaitingResponse}, target)
			if err != nil {
				return err
			}
		}

		if err := store.UpsertMapping(ctx, externalID, d.ID, externalStatus); err != nil {
			return err
		}
		if !moved {
			// Redelivery or late event; nothing changed.
			return nil
		}
		return store.AppendTimeline(ctx, TimelineEntry{
			DisputeID:  d.ID,
			FromStatus: sql.NullString{String: string(d.Status), Valid: true},
			ToStatus:   target,
			Note:       "Processor status changed to " + externalStatus,
		})
	})
}

// StartReview moves an open dispute to investigating. Admin only.
func (s *Service) StartReview(ctx context.Context, actor auth.Actor, disputeID string) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		moved, err := store.Transition(ctx, disputeID, []Status{StatusOpen}, StatusInvestigating)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStateTransition, d.Status)
		}
		return store.AppendTimeline(ctx, TimelineEntry{
			DisputeID:  disputeID,
			FromStatus: sql.NullString{String: string(d.Status), Valid: true},
			ToStatus:   StatusInvestigating,
			Note:       "Investigation started",
			ActorID:    sql.NullString{String: actor.UserID, Valid: true},
		})
	})
}

// SubmitEvidence records a party's evidence and moves the dispute back to
// investigating when it was awaiting a response.
func (s *Service) SubmitEvidence(ctx context.Context, actor auth.Actor, disputeID, evidence string) error {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	job, err := s.jobs.Get(ctx, d.JobID)
	if err != nil {
		return err
	}
	if actor.UserID != job.ClientID && actor.UserID != job.WorkerID && !actor.IsAdmin() {
		return ErrForbidden
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		moved, err := store.Transition(ctx, disputeID, []Status{StatusAwaitingResponse}, StatusInvestigating)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidStateTransition, d.Status)
		}
		return store.AppendTimeline(ctx, TimelineEntry{
			DisputeID:  disputeID,
			FromStatus: sql.NullString{String: string(d.Status), Valid: true},
			ToStatus:   StatusInvestigating,
			Note:       "Evidence submitted: " + evidence,
			ActorID:    sql.NullString{String: actor.UserID, Valid: true},
		})
	})
}

// Resolve closes the dispute with a terminal decision. Admin only; a
// dispute that is already terminal fails with ErrAlreadyResolved. The
// resolution decides whether the disputed job lands on released or
// refunded, in the same transaction.
func (s *Service) Resolve(ctx context.Context, actor auth.Actor, disputeID, resolution string) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	if resolution != ResolutionReleaseToWorker && resolution != ResolutionRefundToClient {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		moved, err := store.Resolve(ctx, disputeID, StatusResolved, resolution, actor.UserID)
		if err != nil {
			return err
		}
		if !moved {
			return ErrAlreadyResolved
		}

		if err := s.settleJob(ctx, tx, d.JobID, resolution); err != nil {
			return err
		}
		return store.AppendTimeline(ctx, TimelineEntry{
			DisputeID:  disputeID,
			FromStatus: sql.NullString{String: string(d.Status), Valid: true},
			ToStatus:   StatusResolved,
			Note:       "Resolved: " + resolution,
			ActorID:    sql.NullString{String: actor.UserID, Valid: true},
		})
	})
	if err != nil {
		return err
	}

	job, err := s.jobs.Get(ctx, d.JobID)
	if err == nil {
		s.notifyParties(ctx, job, "Dispute resolved", "The dispute on your job has been resolved.", disputeID)
	}

	s.logger.Info("Dispute resolved",
		slog.String("dispute_id", disputeID),
		slog.String("resolution", resolution),
		slog.String("resolver_id", actor.UserID),
	)
	return nil
}

// Get returns a dispute to one of its parties or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Actor, disputeID string) (Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.authorizeParty(ctx, actor, d.JobID); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// Timeline returns a dispute's audit trail to one of its parties or an
// admin.
func (s *Service) Timeline(ctx context.Context, actor auth.Actor, disputeID string) ([]TimelineEntry, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeParty(ctx, actor, d.JobID); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, disputeID)
}

// ListByJob returns a job's disputes, newest first, to one of the job's
// parties or an admin.
func (s *Service) ListByJob(ctx context.Context, actor auth.Actor, jobID string) ([]Dispute, error) {
	if err := s.authorizeParty(ctx, actor, jobID); err != nil {
		return nil, err
	}
	return s.store.ListByJob(ctx, jobID)
}

func (s *Service) authorizeParty(ctx context.Context, actor auth.Actor, jobID string) error {
	if actor.IsAdmin() {
		return nil
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if actor.UserID != job.ClientID && actor.UserID != job.WorkerID {
		return ErrForbidden
	}
	return nil
}

// settleJob lands a disputed job on its terminal escrow status once the
// dispute is decided.
func (s *Service) settleJob(ctx context.Context, tx *sqlx.Tx, jobID, resolution string) error {
	target := escrow.StatusReleased
	if resolution == ResolutionRefundToClient {
		target = escrow.StatusRefunded
	}
	_, err := s.jobs.WithTx(tx).Transition(ctx, jobID, []escrow.Status{escrow.StatusDisputed}, target)
	return err
}

func (s *Service) notifyParties(ctx context.Context, job escrow.Job, title, body, disputeID string) {
	for _, userID := range []string{job.ClientID, job.WorkerID} {
		s.notifier.Notify(ctx, notify.Message{
			UserID:            userID,
			Kind:              notify.KindDispute,
			Title:             title,
			Body:              body,
			RelatedEntityType: "dispute",
			RelatedEntityID:   disputeID,
		})
	}
}

func newDispute(job escrow.Job, raisedBy, reasonCode string) Dispute {
	now := time.Now().UTC()
	return Dispute{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		RaisedByID: raisedBy,
		Amount:     job.BidAmount,
		ReasonCode: reasonCode,
		Status:     StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Rollback failed", slog.Any("error", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
