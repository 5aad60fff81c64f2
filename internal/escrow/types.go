package escrow

import (
	"database/sql"
	"time"
)

// Status is a job's escrow status.
type Status string

const (
	StatusNone     Status = "none"
	StatusHeld     Status = "held"
	StatusFailed   Status = "failed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// IsTerminal reports whether no further escrow transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Job is the billing-relevant subset of a job. Rows are created by the
// marketplace; this package only mutates escrow_status and
// payment_reference.
type Job struct {
	ID               string         `db:"id"`
	ClientID         string         `db:"client_id"`
	WorkerID         string         `db:"worker_id"`
	EscrowStatus     Status         `db:"escrow_status"`
	PaymentReference sql.NullString `db:"payment_reference"`
	BidAmount        float64        `db:"bid_amount"`
	WorkerProvince   string         `db:"worker_province"`
	UpdatedAt        time.Time      `db:"updated_at"`
}
