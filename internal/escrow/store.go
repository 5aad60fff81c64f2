package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// JobStore reads and mutates the escrow subset of the jobs table. All
// transitions are state-guarded so concurrent deliveries of the same event
// cannot both move a job forward.
type JobStore struct {
	db sqlx.ExtContext
}

// NewJobStore creates a store over the given database handle.
func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *JobStore) WithTx(tx *sqlx.Tx) *JobStore {
	return &JobStore{db: tx}
}

const jobColumns = `id, client_id, worker_id, escrow_status, payment_reference, bid_amount, worker_province, updated_at`

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)

	var job Job
	if err := sqlx.GetContext(ctx, s.db, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByReference fetches the job holding the given payment reference.
func (s *JobStore) GetByReference(ctx context.Context, ref string) (Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE payment_reference = $1`, jobColumns)

	var job Job
	if err := sqlx.GetContext(ctx, s.db, &job, query, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job by reference: %w", err)
	}
	return job, nil
}

// SetReference stores the processor's payment reference on the job.
func (s *JobStore) SetReference(ctx context.Context, jobID, ref string) error {
	query := `
		UPDATE jobs
		SET payment_reference = $2, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, jobID, ref)
	if err != nil {
		return fmt.Errorf("set payment reference: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set payment reference: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition moves the job to the target status, but only if its current
// status is one of the allowed source states. Returns false without error
// when the guard does not match; the caller decides whether that is an
// idempotent no-op or an invalid transition.
func (s *JobStore) Transition(ctx context.Context, jobID string, from []Status, to Status) (bool, error) {
	query := `
		UPDATE jobs
		SET escrow_status = $2, updated_at = NOW()
		WHERE id = $1 AND escrow_status = ANY($3)`

	res, err := s.db.ExecContext(ctx, query, jobID, to, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}
	return n > 0, nil
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
