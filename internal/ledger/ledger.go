// Package ledger keeps the append-only record of money-movement attempts.
// Every hold, release and refund against the processor gets a pending row
// here before its outcome is known, and exactly one terminal status after
// confirmation. Duplicate webhook delivery must never produce a second
// completed row for the same (payment_reference, type) pair.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Ledger provides access to the transactions table. Methods run against the
// bound executor, so a Ledger can be scoped to an open transaction with
// WithTx when the caller needs ledger writes and state changes to commit
// together.
type Ledger struct {
	db     sqlx.ExtContext
	logger *slog.Logger
}

// New creates a Ledger bound to the database pool.
func New(db *sqlx.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// WithTx returns a Ledger bound to tx instead of the pool.
func (l *Ledger) WithTx(tx *sqlx.Tx) *Ledger {
	return &Ledger{db: tx, logger: l.logger}
}

// AttemptParams describes a money movement about to be requested from the
// processor.
type AttemptParams struct {
	JobID            string
	ClientID         string
	WorkerID         string
	PaymentReference string
	Type             string
	Amount           float64
	Description      string
}

// RecordAttempt inserts a pending transaction for the given reference and
// type. The insert is guarded in a single statement so two concurrent
// attempts cannot both create a pending row; the loser gets
// ErrDuplicatePending.
func (l *Ledger) RecordAttempt(ctx context.Context, params AttemptParams) (*Transaction, error) {
	query := `
		INSERT INTO transactions (
			id, job_id, client_id, worker_id, payment_reference,
			transaction_type, status, amount, description, created_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM transactions
			WHERE payment_reference = $5
			  AND transaction_type = $6
			  AND status = $7
		)
		RETURNING id, job_id, client_id, worker_id, payment_reference,
			transaction_type, status, amount, description, created_at, processed_at
	`

	txn := Transaction{}
	err := sqlx.GetContext(ctx, l.db, &txn, query,
		uuid.New().String(),
		params.JobID,
		params.ClientID,
		params.WorkerID,
		params.PaymentReference,
		params.Type,
		StatusPending,
		params.Amount,
		params.Description,
		time.Now().UTC(),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDuplicatePending
		}
		return nil, fmt.Errorf("ledger: record attempt: %w", err)
	}

	l.logger.Info("Transaction attempt recorded",
		slog.String("transaction_id", txn.ID),
		slog.String("payment_reference", params.PaymentReference),
		slog.String("type", params.Type),
		slog.Float64("amount", params.Amount),
	)

	return &txn, nil
}

// Finalize moves the pending transaction for (paymentReference, txnType) to
// the given terminal outcome. It is idempotent: repeating a finalization
// with the same outcome is a no-op. A finalization that names a different
// terminal outcome than the one on record fails with
// ErrConflictingFinalization and is logged at error level.
func (l *Ledger) Finalize(ctx context.Context, paymentReference, txnType, outcome string) error {
	if !IsTerminal(outcome) {
		return fmt.Errorf("ledger: %q is not a terminal outcome", outcome)
	}

	query := `
		UPDATE transactions
		SET status = $1, processed_at = $2
		WHERE payment_reference = $3
		  AND transaction_type = $4
		  AND status = $5
	`

	res, err := l.db.ExecContext(ctx, query, outcome, time.Now().UTC(), paymentReference, txnType, StatusPending)
	if err != nil {
		return fmt.Errorf("ledger: finalize: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: finalize rows affected: %w", err)
	}
	if affected > 0 {
		l.logger.Info("Transaction finalized",
			slog.String("payment_reference", paymentReference),
			slog.String("type", txnType),
			slog.String("outcome", outcome),
		)
		return nil
	}

	// No pending row moved. Either the transaction does not exist, or it is
	// already terminal; distinguish the repeat delivery from a conflict.
	var current string
	err = sqlx.GetContext(ctx, l.db, &current, `
		SELECT status FROM transactions
		WHERE payment_reference = $1 AND transaction_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, paymentReference, txnType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ledger: finalize status check: %w", err)
	}

	if current == outcome {
		// Repeat delivery of the same outcome.
		return nil
	}

	l.logger.Error("Conflicting transaction finalization",
		slog.String("payment_reference", paymentReference),
		slog.String("type", txnType),
		slog.String("recorded_outcome", current),
		slog.String("attempted_outcome", outcome),
	)
	return ErrConflictingFinalization
}

// MemoParams describes a fee or tax component recorded alongside a release.
type MemoParams struct {
	JobID            string
	ClientID         string
	WorkerID         string
	PaymentReference string
	Type             string
	Amount           float64
	Description      string
}

// RecordMemo inserts an already-completed row for a fee or tax component.
// Memo rows are bookkeeping, not processor calls, so they are born terminal.
func (l *Ledger) RecordMemo(ctx context.Context, params MemoParams) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, job_id, client_id, worker_id, payment_reference,
			transaction_type, status, amount, description, created_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.New().String(),
		params.JobID,
		params.ClientID,
		params.WorkerID,
		params.PaymentReference,
		params.Type,
		StatusCompleted,
		params.Amount,
		params.Description,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("ledger: record memo: %w", err)
	}
	return nil
}

// ListByJob returns every transaction recorded for a job, newest first.
func (l *Ledger) ListByJob(ctx context.Context, jobID string) ([]Transaction, error) {
	var txns []Transaction
	err := sqlx.SelectContext(ctx, l.db, &txns, `
		SELECT id, job_id, client_id, worker_id, payment_reference,
			transaction_type, status, amount, description, created_at, processed_at
		FROM transactions
		WHERE job_id = $1
		ORDER BY created_at DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by job: %w", err)
	}
	return txns, nil
}
