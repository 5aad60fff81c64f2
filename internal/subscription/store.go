package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists plans, worker subscriptions, and their audit trails.
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

const planColumns = `id, name, monthly_price, annual_price, is_active, created_at, updated_at`

const subColumns = `id, user_id, plan_id, billing_cycle, status,
	current_monthly_price, current_annual_price, grandfathered_pricing,
	cancel_at_period_end, current_period_start, current_period_end,
	external_reference, created_at, updated_at`

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(ctx context.Context, planID string) (Plan, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscription_plans WHERE id = $1`, planColumns)

	var p Plan
	if err := sqlx.GetContext(ctx, s.db, &p, query, planID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Plan{}, ErrPlanNotFound
		}
		return Plan{}, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// ListActivePlans returns the plans open for signup.
func (s *Store) ListActivePlans(ctx context.Context) ([]Plan, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscription_plans WHERE is_active ORDER BY monthly_price ASC`, planColumns)

	var out []Plan
	if err := sqlx.SelectContext(ctx, s.db, &out, query); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return out, nil
}

// UpdatePlanPricing overwrites a plan's prices.
func (s *Store) UpdatePlanPricing(ctx context.Context, planID string, monthly, annual float64) error {
	query := `
		UPDATE subscription_plans
		SET monthly_price = $2, annual_price = $3, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, planID, monthly, annual)
	if err != nil {
		return fmt.Errorf("update plan pricing: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update plan pricing: %w", err)
	} else if n == 0 {
		return ErrPlanNotFound
	}
	return nil
}

// GetActiveByUser returns the user's active subscription.
func (s *Store) GetActiveByUser(ctx context.Context, userID string) (Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM worker_subscriptions WHERE user_id = $1 AND status = $2`, subColumns)

	var sub Subscription
	if err := sqlx.GetContext(ctx, s.db, &sub, query, userID, StatusActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNoActiveSubscription
		}
		return Subscription{}, fmt.Errorf("get active subscription: %w", err)
	}
	return sub, nil
}

// GetByExternalRef returns the subscription linked to the processor's
// subscription reference.
func (s *Store) GetByExternalRef(ctx context.Context, ref string) (Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM worker_subscriptions WHERE external_reference = $1`, subColumns)

	var sub Subscription
	if err := sqlx.GetContext(ctx, s.db, &sub, query, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNoActiveSubscription
		}
		return Subscription{}, fmt.Errorf("get subscription by external ref: %w", err)
	}
	return sub, nil
}

// Insert creates a subscription row.
func (s *Store) Insert(ctx context.Context, sub *Subscription) error {
	query := fmt.Sprintf(`
		INSERT INTO worker_subscriptions (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, subColumns)

	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.UserID, sub.PlanID, sub.BillingCycle, sub.Status,
		sub.CurrentMonthlyPrice, sub.CurrentAnnualPrice, sub.GrandfatheredPrice,
		sub.CancelAtPeriodEnd, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.ExternalReference, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// SwitchPlan repoints an active subscription at a new plan with the plan's
// current prices. Grandfathering never survives a plan switch.
func (s *Store) SwitchPlan(ctx context.Context, subID, planID, cycle string, monthly, annual float64, periodStart, periodEnd time.Time) error {
	query := `
		UPDATE worker_subscriptions
		SET plan_id = $2, billing_cycle = $3,
		    current_monthly_price = $4, current_annual_price = $5,
		    grandfathered_pricing = FALSE, cancel_at_period_end = FALSE,
		    current_period_start = $6, current_period_end = $7,
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, subID, planID, cycle, monthly, annual, periodStart, periodEnd); err != nil {
		return fmt.Errorf("switch subscription plan: %w", err)
	}
	return nil
}

// MarkCancelAtPeriodEnd flags the subscription to lapse when the current
// period rolls over. Guarded on active status.
func (s *Store) MarkCancelAtPeriodEnd(ctx context.Context, subID string) (bool, error) {
	query := `
		UPDATE worker_subscriptions
		SET cancel_at_period_end = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2`

	res, err := s.db.ExecContext(ctx, query, subID, StatusActive)
	if err != nil {
		return false, fmt.Errorf("mark cancel at period end: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark cancel at period end: %w", err)
	}
	return n > 0, nil
}

// GrandfatherActive marks every active subscription on the plan as keeping
// its current price. Returns the number of subscriptions affected.
func (s *Store) GrandfatherActive(ctx context.Context, planID string) (int64, error) {
	query := `
		UPDATE worker_subscriptions
		SET grandfathered_pricing = TRUE, updated_at = NOW()
		WHERE plan_id = $1 AND status = $2`

	res, err := s.db.ExecContext(ctx, query, planID, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("grandfather subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("grandfather subscriptions: %w", err)
	}
	return n, nil
}

// PropagatePricing overwrites the denormalized prices on every active
// subscription on the plan and clears grandfathering. Returns the number
// of subscriptions affected.
func (s *Store) PropagatePricing(ctx context.Context, planID string, monthly, annual float64) (int64, error) {
	query := `
		UPDATE worker_subscriptions
		SET current_monthly_price = $2, current_annual_price = $3,
		    grandfathered_pricing = FALSE, updated_at = NOW()
		WHERE plan_id = $1 AND status = $4`

	res, err := s.db.ExecContext(ctx, query, planID, monthly, annual, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("propagate plan pricing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("propagate plan pricing: %w", err)
	}
	return n, nil
}

// AdvancePeriod moves the subscription into its next billing period,
// guarded on the period it is leaving so a concurrent sweep cannot advance
// twice.
func (s *Store) AdvancePeriod(ctx context.Context, subID string, fromEnd, newStart, newEnd time.Time) (bool, error) {
	query := `
		UPDATE worker_subscriptions
		SET current_period_start = $3, current_period_end = $4, updated_at = NOW()
		WHERE id = $1 AND current_period_end = $2`

	res, err := s.db.ExecContext(ctx, query, subID, fromEnd, newStart, newEnd)
	if err != nil {
		return false, fmt.Errorf("advance subscription period: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance subscription period: %w", err)
	}
	return n > 0, nil
}

// ListDueRollovers returns active subscriptions whose period has lapsed.
func (s *Store) ListDueRollovers(ctx context.Context, now time.Time, limit int) ([]Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM worker_subscriptions
		WHERE status = $1 AND current_period_end <= $2
		ORDER BY current_period_end ASC
		LIMIT $3`, subColumns)

	var out []Subscription
	if err := sqlx.SelectContext(ctx, s.db, &out, query, StatusActive, now, limit); err != nil {
		return nil, fmt.Errorf("list due rollovers: %w", err)
	}
	return out, nil
}

// InsertHistory appends a subscription change record.
func (s *Store) InsertHistory(ctx context.Context, h HistoryEntry) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO subscription_history (
			id, subscription_id, user_id, plan_id, previous_plan_id,
			change_type, effective_price, reason, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		h.ID, h.SubscriptionID, h.UserID, h.PlanID, h.PreviousPlanID,
		h.ChangeType, h.EffectivePrice, h.Reason, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription history: %w", err)
	}
	return nil
}

// InsertPriceChange appends a plan pricing audit record.
func (s *Store) InsertPriceChange(ctx context.Context, pc PriceChange) error {
	if pc.ID == "" {
		pc.ID = uuid.New().String()
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO subscription_price_history (
			id, plan_id, previous_monthly, previous_annual,
			new_monthly, new_annual, grandfathered, notes, changed_by, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		pc.ID, pc.PlanID, pc.PreviousMonthly, pc.PreviousAnnual,
		pc.NewMonthly, pc.NewAnnual, pc.Grandfathered, pc.Notes, pc.ChangedBy, pc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert price history: %w", err)
	}
	return nil
}
