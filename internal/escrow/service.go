// Package escrow owns a job's escrow lifecycle. Money is held against the
// payment processor when a bid is accepted, then released to the worker or
// refunded to the client. All transitions are state-guarded updates so
// redelivered or concurrent webhook events cannot move a job forward twice.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/kwikr/billing-core/internal/auth"
	"github.com/kwikr/billing-core/internal/feetax"
	"github.com/kwikr/billing-core/internal/ledger"
	"github.com/kwikr/billing-core/internal/notify"
	"github.com/kwikr/billing-core/internal/processor"
)

// Service drives the escrow state machine for jobs.
type Service struct {
	db        *sqlx.DB
	jobs      *JobStore
	ledger    *ledger.Ledger
	processor processor.Client
	notifier  notify.Notifier
	schedule  feetax.FeeSchedule
	logger    *slog.Logger
}

// NewService wires the escrow state machine.
func NewService(
	db *sqlx.DB,
	jobs *JobStore,
	txns *ledger.Ledger,
	proc processor.Client,
	notifier notify.Notifier,
	schedule feetax.FeeSchedule,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:        db,
		jobs:      jobs,
		ledger:    txns,
		processor: proc,
		notifier:  notifier,
		schedule:  schedule,
		logger:    logger,
	}
}

// RequestHold asks the processor to hold the full job amount (bid plus
// platform fee plus taxes) in escrow. Only the job's client may request the
// hold. The job stays in its current status until the processor confirms
// via webhook; only the pending ledger row and the payment reference are
// written here.
func (s *Service) RequestHold(ctx context.Context, actor auth.Actor, jobID string) (string, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if actor.UserID != job.ClientID && !actor.IsAdmin() {
		return "", ErrForbidden
	}
	if job.EscrowStatus != StatusNone && job.EscrowStatus != StatusFailed {
		return "", fmt.Errorf("%w: cannot hold from %s", ErrInvalidStateTransition, job.EscrowStatus)
	}

	quote, err := feetax.QuoteTotal(job.BidAmount, job.WorkerProvince, s.schedule)
	if err != nil {
		return "", fmt.Errorf("quote job %s: %w", jobID, err)
	}

	ref, err := s.processor.Hold(ctx, quote.TotalAmount, processor.HoldMetadata{
		JobID:          job.ID,
		ClientID:       job.ClientID,
		WorkerID:       job.WorkerID,
		BidAmount:      strconv.FormatFloat(quote.BidAmount, 'f', 2, 64),
		PlatformFee:    strconv.FormatFloat(quote.PlatformFee, 'f', 2, 64),
		WorkerProvince: job.WorkerProvince,
	})
	if err != nil {
		return "", err
	}

	if _, err := s.ledger.RecordAttempt(ctx, ledger.AttemptParams{
		JobID:            job.ID,
		ClientID:         job.ClientID,
		WorkerID:         job.WorkerID,
		PaymentReference: ref,
		Type:             ledger.TypeEscrowHold,
		Amount:           quote.TotalAmount,
		Description:      "Escrow hold for accepted bid",
	}); err != nil && !errors.Is(err, ledger.ErrDuplicatePending) {
		return "", err
	}

	if err := s.jobs.SetReference(ctx, job.ID, ref); err != nil {
		return "", err
	}

	s.logger.Info("Escrow hold requested",
		slog.String("job_id", job.ID),
		slog.String("payment_reference", ref),
		slog.Float64("total_amount", quote.TotalAmount),
	)
	return ref, nil
}

// OnHoldConfirmed finalizes the hold transaction and moves the job to held.
// Invoked from the webhook path; safe to call twice for the same reference.
func (s *Service) OnHoldConfirmed(ctx context.Context, ref string) error {
	var job Job
	moved := false

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ledger.WithTx(tx).Finalize(ctx, ref, ledger.TypeEscrowHold, ledger.StatusCompleted); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				s.logger.Warn("Hold confirmation for unknown reference",
					slog.String("payment_reference", ref),
				)
				return nil
			}
			return err
		}

		jobs := s.jobs.WithTx(tx)
		var err error
		job, err = jobs.GetByReference(ctx, ref)
		if err != nil {
			return err
		}

		moved, err = jobs.Transition(ctx, job.ID, []Status{StatusNone, StatusFailed}, StatusHeld)
		return err
	})
	if err != nil {
		return err
	}

	if !moved {
		// Redelivery or late event; the ledger already guaranteed the
		// transaction is finalized exactly once.
		s.logger.Info("Hold confirmation was a no-op",
			slog.String("payment_reference", ref),
			slog.String("escrow_status", string(job.EscrowStatus)),
		)
		return nil
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            job.ClientID,
		Kind:              notify.KindPayment,
		Title:             "Payment held in escrow",
		Body:              "Your payment is held in escrow and will be released when the job is completed.",
		RelatedEntityType: "job",
		RelatedEntityID:   job.ID,
	})
	s.notifier.Notify(ctx, notify.Message{
		UserID:            job.WorkerID,
		Kind:              notify.KindPayment,
		Title:             "Client payment secured",
		Body:              "The client's payment is held in escrow. You can start the job.",
		RelatedEntityType: "job",
		RelatedEntityID:   job.ID,
	})

	s.logger.Info("Escrow hold confirmed",
		slog.String("job_id", job.ID),
		slog.String("payment_reference", ref),
	)
	return nil
}

// OnHoldFailed finalizes the hold transaction as failed and moves the job
// to failed. Invoked from the webhook path; idempotent.
func (s *Service) OnHoldFailed(ctx context.Context, ref string) error {
	var job Job
	moved := false

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ledger.WithTx(tx).Finalize(ctx, ref, ledger.TypeEscrowHold, ledger.StatusFailed); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				s.logger.Warn("Hold failure for unknown reference",
					slog.String("payment_reference", ref),
				)
				return nil
			}
			return err
		}

		jobs := s.jobs.WithTx(tx)
		var err error
		job, err = jobs.GetByReference(ctx, ref)
		if err != nil {
			return err
		}

		moved, err = jobs.Transition(ctx, job.ID, []Status{StatusNone}, StatusFailed)
		return err
	})
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            job.ClientID,
		Kind:              notify.KindPaymentFailed,
		Title:             "Payment failed",
		Body:              "We could not hold your payment. Please update your payment method and try again.",
		RelatedEntityType: "job",
		RelatedEntityID:   job.ID,
	})

	s.logger.Warn("Escrow hold failed",
		slog.String("job_id", job.ID),
		slog.String("payment_reference", ref),
	)
	return nil
}

// Release asks the processor to capture the held amount and pay the worker.
// Only legal from held; the job transitions to released when the processor
// confirms. No transaction row is created when the state guard rejects.
func (s *Service) Release(ctx context.Context, actor auth.Actor, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if actor.UserID != job.ClientID && !actor.IsAdmin() {
		return ErrForbidden
	}
	if job.EscrowStatus != StatusHeld {
		return fmt.Errorf("%w: cannot release from %s", ErrInvalidStateTransition, job.EscrowStatus)
	}
	if !job.PaymentReference.Valid {
		return ErrMissingReference
	}
	ref := job.PaymentReference.String

	payout, err := s.workerPayout(job)
	if err != nil {
		return err
	}

	// The pending row goes in before the processor call so a timeout or
	// crash in between still leaves a transaction to reconcile.
	if _, err := s.ledger.RecordAttempt(ctx, ledger.AttemptParams{
		JobID:            job.ID,
		ClientID:         job.ClientID,
		WorkerID:         job.WorkerID,
		PaymentReference: ref,
		Type:             ledger.TypeEscrowRelease,
		Amount:           payout,
		Description:      "Escrow release to worker",
	}); err != nil && !errors.Is(err, ledger.ErrDuplicatePending) {
		return err
	}

	if err := s.processor.Release(ctx, ref); err != nil {
		return err
	}

	s.logger.Info("Escrow release requested",
		slog.String("job_id", job.ID),
		slog.String("payment_reference", ref),
		slog.Float64("payout", payout),
	)
	return nil
}

// OnReleaseConfirmed finalizes the release, moves the job to released, and
// records the fee and tax memo rows. Invoked from the webhook path;
// idempotent, so memo rows are written only on the delivery that actually
// moves the state.
func (s *Service) OnReleaseConfirmed(ctx context.Context, ref string) error {
	var job Job
	moved := false

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		txl := s.ledger.WithTx(tx)
		if err := txl.Finalize(ctx, ref, ledger.TypeEscrowRelease, ledger.StatusCompleted); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				s.logger.Warn("Release confirmation for unknown reference",
					slog.String("payment_reference", ref),
				)
				return nil
			}
			return err
		}

		jobs := s.jobs.WithTx(tx)
		var err error
		job, err = jobs.GetByReference(ctx, ref)
		if err != nil {
			return err
		}

		moved, err = jobs.Transition(ctx, job.ID, []Status{StatusHeld, StatusDisputed}, StatusReleased)
		if err != nil || !moved {
			return err
		}

		return s.recordReleaseMemos(ctx, txl, job, ref)
	})
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            job.WorkerID,
		Kind:              notify.KindPayment,
		Title:             "Payment released",
		Body:              "The escrowed payment for your job has been released to you.",
		RelatedEntityType: "job",
		RelatedEntityID:   job.ID,
	})

	s.logger.Info("Escrow released",
		slog.String("job_id", job.ID),
		slog.String("payment_reference", ref),
	)
	return nil
}

// Refund cancels the hold and returns the money to the client. Legal from
// held or failed. Only the job's client or an admin may refund.
func (s *Service) Refund(ctx context.Context, actor auth.Actor, jobID, reason string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if actor.UserID != job.ClientID && !actor.IsAdmin() {
		return ErrForbidden
	}
	if job.EscrowStatus != StatusHeld && job.EscrowStatus != StatusFailed {
		return fmt.Errorf("%w: cannot refund from %s", ErrInvalidStateTransition, job.EscrowStatus)
	}
	if !job.PaymentReference.Valid {
		return ErrMissingReference
	}
	ref := job.PaymentReference.String

	quote, err := feetax.QuoteTotal(job.BidAmount, job.WorkerProvince, s.schedule)
	if err != nil {
		return err
	}

	if _, err := s.ledger.RecordAttempt(ctx, ledger.AttemptParams{
		JobID:            job.ID,
		ClientID:         job.ClientID,
		WorkerID:         job.WorkerID,
		PaymentReference: ref,
		Type:             ledger.TypeRefund,
		Amount:           quote.TotalAmount,
		Description:      "Refund: " + reason,
	}); err != nil && !errors.Is(err, ledger.ErrDuplicatePending) {
		return err
	}

	if err := s.processor.Refund(ctx, ref); err != nil {
		return err
	}

	s.logger.Info("Refund requested",
		slog.String("job_id", job.ID),
		slog.String("payment_reference", ref),
		slog.String("reason", reason),
	)
	return nil
}

// OnRefundConfirmed finalizes the refund and moves the job to refunded.
// Invoked from the webhook path; idempotent.
func (s *Service) OnRefundConfirmed(ctx context.Context, ref string) error {
	var job Job
	moved := false

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ledger.WithTx(tx).Finalize(ctx, ref, ledger.TypeRefund, ledger.StatusCompleted); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				s.logger.Warn("Refund confirmation for unknown reference",
					slog.String("payment_reference", ref),
				)
				return nil
			}
			return err
		}

		jobs := s.jobs.WithTx(tx)
		var err error
		job, err = jobs.GetByReference(ctx, ref)
		if err != nil {
			return err
		}

		moved, err = jobs.Transition(ctx, job.ID, []Status{StatusHeld, StatusFailed, StatusDisputed}, StatusRefunded)
		return err
	})
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            job.ClientID,
		Kind:              notify.KindRefund,
		Title:             "Payment refunded",
		Body:              "Your escrowed payment has been refunded.",
		RelatedEntityType: "job",
		RelatedEntityID:   job.ID,
	})
	s.notifier.Notify(ctx, notify.Message{
		UserID:            job.WorkerID,
		Kind:              notify.KindJobCancelled,
		Title:             "Job cancelled",
		Body:              "The job's escrowed payment was returned to the client.",
		RelatedEntityType: "job",
		RelatedEntityID:   job.ID,
	})

	s.logger.Info("Escrow refunded",
		slog.String("job_id", job.ID),
		slog.String("payment_reference", ref),
	)
	return nil
}

// Transactions lists the ledger rows for a job, newest first. Visible to
// the job's client, the job's worker, and admins.
func (s *Service) Transactions(ctx context.Context, actor auth.Actor, jobID string) ([]ledger.Transaction, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if actor.UserID != job.ClientID && actor.UserID != job.WorkerID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.ledger.ListByJob(ctx, jobID)
}

// Status returns the job's escrow view for the payment status endpoint.
func (s *Service) Status(ctx context.Context, actor auth.Actor, jobID string) (Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if actor.UserID != job.ClientID && actor.UserID != job.WorkerID && !actor.IsAdmin() {
		return Job{}, ErrForbidden
	}
	return job, nil
}

func (s *Service) recordReleaseMemos(ctx context.Context, txl *ledger.Ledger, job Job, ref string) error {
	quote, err := feetax.QuoteTotal(job.BidAmount, job.WorkerProvince, s.schedule)
	if err != nil {
		return err
	}

	memos := []struct {
		txnType     string
		amount      float64
		description string
	}{
		{ledger.TypePlatformFee, quote.PlatformFee, "Platform fee"},
		{ledger.TypeTaxGST, quote.Taxes.GST, "GST"},
		{ledger.TypeTaxPST, quote.Taxes.PST, "PST"},
		{ledger.TypeTaxHST, quote.Taxes.HST, "HST"},
	}
	for _, m := range memos {
		if m.amount <= 0 {
			continue
		}
		if err := txl.RecordMemo(ctx, ledger.MemoParams{
			JobID:            job.ID,
			ClientID:         job.ClientID,
			WorkerID:         job.WorkerID,
			PaymentReference: ref,
			Type:             m.txnType,
			Amount:           m.amount,
			Description:      m.description,
		}); err != nil {
			return err
		}
	}
	return nil
}

// workerPayout is the amount the worker receives on release: the accepted
// bid minus the platform fee. Taxes are remitted, not paid out.
func (s *Service) workerPayout(job Job) (float64, error) {
	fee, err := feetax.PlatformFee(job.BidAmount, s.schedule)
	if err != nil {
		return 0, err
	}
	return job.BidAmount - fee, nil
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
