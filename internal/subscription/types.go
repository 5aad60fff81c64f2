package subscription

import (
	"database/sql"
	"time"
)

// Billing cycles.
const (
	CycleMonthly = "monthly"
	CycleAnnual  = "annual"
)

// Subscription statuses. A cancelled-at-period-end subscription stays
// active until the period rolls over.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// History change types, derived when a subscription is created or changed.
const (
	ChangeNew         = "new"
	ChangeUpgrade     = "upgrade"
	ChangeDowngrade   = "downgrade"
	ChangeReactivated = "reactivated"
	ChangeCancelled   = "cancelled"
)

// Plan is a subscription tier workers can purchase.
type Plan struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	MonthlyPrice float64   `db:"monthly_price"`
	AnnualPrice  float64   `db:"annual_price"`
	IsActive     bool      `db:"is_active"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Price returns the plan's price for a billing cycle.
func (p Plan) Price(cycle string) float64 {
	if cycle == CycleAnnual {
		return p.AnnualPrice
	}
	return p.MonthlyPrice
}

// Subscription is a worker's current plan assignment. The current_* price
// columns are denormalized from the plan at subscribe time so that
// grandfathered subscribers keep their old price when the plan's price
// changes.
type Subscription struct {
	ID                  string         `db:"id"`
	UserID              string         `db:"user_id"`
	PlanID              string         `db:"plan_id"`
	BillingCycle        string         `db:"billing_cycle"`
	Status              string         `db:"status"`
	CurrentMonthlyPrice float64        `db:"current_monthly_price"`
	CurrentAnnualPrice  float64        `db:"current_annual_price"`
	GrandfatheredPrice  bool           `db:"grandfathered_pricing"`
	CancelAtPeriodEnd   bool           `db:"cancel_at_period_end"`
	CurrentPeriodStart  time.Time      `db:"current_period_start"`
	CurrentPeriodEnd    time.Time      `db:"current_period_end"`
	ExternalReference   sql.NullString `db:"external_reference"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// EffectivePrice is what the subscriber actually pays per period.
func (s Subscription) EffectivePrice() float64 {
	if s.BillingCycle == CycleAnnual {
		return s.CurrentAnnualPrice
	}
	return s.CurrentMonthlyPrice
}

// HistoryEntry records one subscription change for audit.
type HistoryEntry struct {
	ID             string         `db:"id"`
	SubscriptionID string         `db:"subscription_id"`
	UserID         string         `db:"user_id"`
	PlanID         string         `db:"plan_id"`
	PreviousPlanID sql.NullString `db:"previous_plan_id"`
	ChangeType     string         `db:"change_type"`
	EffectivePrice float64        `db:"effective_price"`
	Reason         string         `db:"reason"`
	CreatedAt      time.Time      `db:"created_at"`
}

// PriceChange records one admin pricing change on a plan. Written before
// the plan row is touched so the change is auditable.
type PriceChange struct {
	ID              string    `db:"id"`
	PlanID          string    `db:"plan_id"`
	PreviousMonthly float64   `db:"previous_monthly"`
	PreviousAnnual  float64   `db:"previous_annual"`
	NewMonthly      float64   `db:"new_monthly"`
	NewAnnual       float64   `db:"new_annual"`
	Grandfathered   bool      `db:"grandfathered"`
	Notes           string    `db:"notes"`
	ChangedBy       string    `db:"changed_by"`
	CreatedAt       time.Time `db:"created_at"`
}

// periodEnd advances a period start by one billing cycle.
func periodEnd(start time.Time, cycle string) time.Time {
	if cycle == CycleAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
