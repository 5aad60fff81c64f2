package dispute

import (
	"database/sql"
	"time"
)

// Status is a dispute's lifecycle status.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInvestigating    Status = "investigating"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResolved         Status = "resolved"
	StatusClosed           Status = "closed"
)

// IsTerminal reports whether the dispute can no longer change status.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// externalStatusMap translates the processor's dispute statuses into ours.
// Statuses the processor adds over time land outside this table and are
// ignored with a log line.
var externalStatusMap = map[string]Status{
	"won":                    StatusResolved,
	"lost":                   StatusClosed,
	"warning_needs_response": StatusAwaitingResponse,
	"needs_response":         StatusAwaitingResponse,
	"under_review":           StatusInvestigating,
}

// Dispute is a financial disagreement over a job's escrowed payment.
type Dispute struct {
	ID         string         `db:"id"`
	JobID      string         `db:"job_id"`
	RaisedByID string         `db:"raised_by_id"`
	Amount     float64        `db:"amount"`
	ReasonCode string         `db:"reason_code"`
	Status     Status         `db:"status"`
	Resolution sql.NullString `db:"resolution"`
	ResolverID sql.NullString `db:"resolver_id"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
	ResolvedAt sql.NullTime   `db:"resolved_at"`
}

// ExternalMapping links a processor dispute id to an internal dispute.
// Its presence is the idempotency guard for dispute.created redelivery.
type ExternalMapping struct {
	ExternalDisputeID string    `db:"external_dispute_id"`
	DisputeID         string    `db:"dispute_id"`
	ExternalStatus    string    `db:"external_status"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// TimelineEntry is one immutable audit row. Every status change appends
// one; rows are never updated or deleted.
type TimelineEntry struct {
	ID         string         `db:"id"`
	DisputeID  string         `db:"dispute_id"`
	FromStatus sql.NullString `db:"from_status"`
	ToStatus   Status         `db:"to_status"`
	Note       string         `db:"note"`
	ActorID    sql.NullString `db:"actor_id"`
	CreatedAt  time.Time      `db:"created_at"`
}
