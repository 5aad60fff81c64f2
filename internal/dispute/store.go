package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store persists disputes, their external mappings, and the audit timeline.
type Store struct {
	db sqlx.ExtContext
}

// NewStore creates a store over the given database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx *sqlx.Tx) *Store {
	return &Store{db: tx}
}

const disputeColumns = `id, job_id, raised_by_id, amount, reason_code, status, resolution, resolver_id, created_at, updated_at, resolved_at`

// Insert creates a dispute row.
func (s *Store) Insert(ctx context.Context, d *Dispute) error {
	query := fmt.Sprintf(`
		INSERT INTO disputes (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, disputeColumns)

	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.JobID, d.RaisedByID, d.Amount, d.ReasonCode, d.Status,
		d.Resolution, d.ResolverID, d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

// Get fetches a dispute by id.
func (s *Store) Get(ctx context.Context, disputeID string) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1`, disputeColumns)

	var d Dispute
	if err := sqlx.GetContext(ctx, s.db, &d, query, disputeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

// ListByJob returns the disputes for a job, newest first.
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE job_id = $1 ORDER BY created_at DESC`, disputeColumns)

	var out []Dispute
	if err := sqlx.SelectContext(ctx, s.db, &out, query, jobID); err != nil {
		return nil, fmt.Errorf("list disputes by job: %w", err)
	}
	return out, nil
}

// Transition moves the dispute to the target status, guarded on the current
// status. Returns false when the guard does not match.
func (s *Store) Transition(ctx context.Context, disputeID string, from []Status, to Status) (bool, error) {
	query := `
		UPDATE disputes
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`

	res, err := s.db.ExecContext(ctx, query, disputeID, to, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("transition dispute %s to %s: %w", disputeID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition dispute %s to %s: %w", disputeID, to, err)
	}
	return n > 0, nil
}

// Resolve marks the dispute terminal with a resolution, guarded against a
// prior terminal status. Returns false when the dispute was already
// terminal.
func (s *Store) Resolve(ctx context.Context, disputeID string, to Status, resolution, resolverID string) (bool, error) {
	query := `
		UPDATE disputes
		SET status = $2, resolution = $3, resolver_id = $4,
		    resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)`

	res, err := s.db.ExecContext(ctx, query, disputeID, to, resolution, resolverID, StatusResolved, StatusClosed)
	if err != nil {
		return false, fmt.Errorf("resolve dispute %s: %w", disputeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve dispute %s: %w", disputeID, err)
	}
	return n > 0, nil
}

// GetMapping fetches the mapping for an external dispute id.
func (s *Store) GetMapping(ctx context.Context, externalID string) (ExternalMapping, error) {
	query := `
		SELECT external_dispute_id, dispute_id, external_status, created_at, updated_at
		FROM dispute_external_mappings
		WHERE external_dispute_id = $1`

	var m ExternalMapping
	if err := sqlx.GetContext(ctx, s.db, &m, query, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExternalMapping{}, ErrNotFound
		}
		return ExternalMapping{}, fmt.Errorf("get dispute mapping: %w", err)
	}
	return m, nil
}

// UpsertMapping creates the mapping or refreshes its external status on
// redelivery. The primary key on external_dispute_id makes redelivered
// creates converge on one row.
func (s *Store) UpsertMapping(ctx context.Context, externalID, disputeID, externalStatus string) error {
	query := `
		INSERT INTO dispute_external_mappings (
			external_dispute_id, dispute_id, external_status, created_at, updated_at
		)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (external_dispute_id)
		DO UPDATE SET external_status = EXCLUDED.external_status, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, externalID, disputeID, externalStatus); err != nil {
		return fmt.Errorf("upsert dispute mapping: %w", err)
	}
	return nil
}

// AppendTimeline writes one immutable audit row.
func (s *Store) AppendTimeline(ctx context.Context, entry TimelineEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dispute_timeline (
			id, dispute_id, from_status, to_status, note, actor_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.DisputeID, entry.FromStatus, entry.ToStatus,
		entry.Note, entry.ActorID, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append dispute timeline: %w", err)
	}
	return nil
}

// Timeline returns a dispute's audit rows in chronological order.
func (s *Store) Timeline(ctx context.Context, disputeID string) ([]TimelineEntry, error) {
	query := `
		SELECT id, dispute_id, from_status, to_status, note, actor_id, created_at
		FROM dispute_timeline
		WHERE dispute_id = $1
		ORDER BY created_at ASC`

	var out []TimelineEntry
	if err := sqlx.SelectContext(ctx, s.db, &out, query, disputeID); err != nil {
		return nil, fmt.Errorf("list dispute timeline: %w", err)
	}
	return out, nil
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
