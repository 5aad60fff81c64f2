package ledger

import (
	"database/sql"
	"time"
)

// Transaction types. The first three are money movements against the
// processor; the memo types record fee and tax components at release time
// for CRA remittance reporting.
const (
	TypeEscrowHold    = "escrow_hold"
	TypeEscrowRelease = "escrow_release"
	TypeRefund        = "refund"

	TypePlatformFee = "platform_fee"
	TypeTaxGST      = "tax_gst"
	TypeTaxPST      = "tax_pst"
	TypeTaxHST      = "tax_hst"
)

// Transaction statuses. A transaction moves from pending to exactly one
// terminal status, driven by a webhook or direct processor confirmation.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether status is one of the terminal outcomes.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transaction mirrors the transactions table.
type Transaction struct {
	ID               string       `db:"id"`
	JobID            string       `db:"job_id"`
	ClientID         string       `db:"client_id"`
	WorkerID         string       `db:"worker_id"`
	PaymentReference string       `db:"payment_reference"`
	Type             string       `db:"transaction_type"`
	Status           string       `db:"status"`
	Amount           float64      `db:"amount"`
	Description      string       `db:"description"`
	CreatedAt        time.Time    `db:"created_at"`
	ProcessedAt      sql.NullTime `db:"processed_at"`
}
