// Package subscription implements worker subscription billing: plan
// signup, cancellation semantics, admin price changes with optional
// grandfathering, and period rollovers.
package subscription

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
	"github.com/kwikr/billing-core/internal/notify"
)

// Service drives the subscription billing engine.
type Service struct {
	db         *sqlx.DB
	store      *Store
	notifier   notify.Notifier
	freePlanID string
	batchSize  int
	logger     *slog.Logger
}

// NewService wires the subscription engine. freePlanID names the baseline
// plan immediate cancellations fall back to.
func NewService(db *sqlx.DB, store *Store, notifier notify.Notifier, freePlanID string, batchSize int, logger *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{
		db:         db,
		store:      store,
		notifier:   notifier,
		freePlanID: freePlanID,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Subscribe puts the user on a plan. An existing active subscription is
// updated in place; the history entry's change type is derived from the
// price comparison. Switching plans always drops grandfathered pricing,
// since the old price belonged to the old plan.
func (s *Service) Subscribe(ctx context.Context, actor auth.Actor, planID, cycle string) (Subscription, error) {
	if cycle != CycleMonthly && cycle != CycleAnnual {
		return Subscription{}, fmt.Errorf("%w: %q", ErrInvalidBillingCycle, cycle)
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return Subscription{}, err
	}
	if !plan.IsActive {
		return Subscription{}, ErrPlanInactive
	}

	existing, err := s.store.GetActiveByUser(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) {
			return s.createSubscription(ctx, actor.UserID, plan, cycle)
		}
		return Subscription{}, err
	}
	return s.switchSubscription(ctx, existing, plan, cycle)
}

func (s *Service) createSubscription(ctx context.Context, userID string, plan Plan, cycle string) (Subscription, error) {
	now := time.Now().UTC()
	sub := Subscription{
		ID:                  uuid.New().String(),
		UserID:              userID,
		PlanID:              plan.ID,
		BillingCycle:        cycle,
		Status:              StatusActive,
		CurrentMonthlyPrice: plan.MonthlyPrice,
		CurrentAnnualPrice:  plan.AnnualPrice,
		CurrentPeriodStart:  now,
		CurrentPeriodEnd:    periodEnd(now, cycle),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		if err := store.Insert(ctx, &sub); err != nil {
			return err
		}
		return store.InsertHistory(ctx, HistoryEntry{
			SubscriptionID: sub.ID,
			UserID:         userID,
			PlanID:         plan.ID,
			ChangeType:     ChangeNew,
			EffectivePrice: plan.Price(cycle),
		})
	})
	if err != nil {
		return Subscription{}, err
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            userID,
		Kind:              notify.KindSubscription,
		Title:             "Subscription started",
		Body:              "You are now subscribed to " + plan.Name + ".",
		RelatedEntityType: "subscription",
		RelatedEntityID:   sub.ID,
	})

	s.logger.Info("Subscription created",
		slog.String("subscription_id", sub.ID),
		slog.String("user_id", userID),
		slog.String("plan_id", plan.ID),
		slog.String("billing_cycle", cycle),
	)
	return sub, nil
}

func (s *Service) switchSubscription(ctx context.Context, existing Subscription, plan Plan, cycle string) (Subscription, error) {
	changeType := deriveChangeType(existing, plan, cycle)
	now := time.Now().UTC()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		if err := store.SwitchPlan(ctx, existing.ID, plan.ID, cycle,
			plan.MonthlyPrice, plan.AnnualPrice, now, periodEnd(now, cycle)); err != nil {
			return err
		}
		return store.InsertHistory(ctx, HistoryEntry{
			SubscriptionID: existing.ID,
			UserID:         existing.UserID,
			PlanID:         plan.ID,
			PreviousPlanID: nullString(existing.PlanID),
			ChangeType:     changeType,
			EffectivePrice: plan.Price(cycle),
		})
	})
	if err != nil {
		return Subscription{}, err
	}

	s.logger.Info("Subscription changed",
		slog.String("subscription_id", existing.ID),
		slog.String("user_id", existing.UserID),
		slog.String("plan_id", plan.ID),
		slog.String("change_type", changeType),
	)
	return s.store.GetActiveByUser(ctx, existing.UserID)
}

// deriveChangeType compares the subscriber's current price with the new
// plan's price: same plan is a reactivation, a higher price an upgrade, a
// lower one a downgrade.
func deriveChangeType(existing Subscription, plan Plan, cycle string) string {
	if existing.PlanID == plan.ID {
		return ChangeReactivated
	}
	if plan.Price(cycle) >= existing.EffectivePrice() {
		return ChangeUpgrade
	}
	return ChangeDowngrade
}

// Cancel ends the user's subscription. Immediate cancellation downgrades
// to the free baseline plan at once; otherwise the subscription flags
// cancel_at_period_end and entitlements run until the period lapses.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, immediate bool, reason string) error {
	sub, err := s.store.GetActiveByUser(ctx, actor.UserID)
	if err != nil {
		return err
	}

	if !immediate {
		return s.cancelAtPeriodEnd(ctx, sub, reason)
	}
	return s.downgradeToFree(ctx, sub, reason)
}

func (s *Service) cancelAtPeriodEnd(ctx context.Context, sub Subscription, reason string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		marked, err := store.MarkCancelAtPeriodEnd(ctx, sub.ID)
		if err != nil {
			return err
		}
		if !marked {
			return ErrNoActiveSubscription
		}
		return store.InsertHistory(ctx, HistoryEntry{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanID:         sub.PlanID,
			ChangeType:     ChangeCancelled,
			EffectivePrice: sub.EffectivePrice(),
			Reason:         reason,
		})
	})
	if err != nil {
		return err
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            sub.UserID,
		Kind:              notify.KindSubscription,
		Title:             "Subscription will not renew",
		Body:              "Your subscription stays active until the end of the current billing period.",
		RelatedEntityType: "subscription",
		RelatedEntityID:   sub.ID,
	})

	s.logger.Info("Subscription flagged to cancel at period end",
		slog.String("subscription_id", sub.ID),
		slog.String("user_id", sub.UserID),
		slog.Time("current_period_end", sub.CurrentPeriodEnd),
	)
	return nil
}

func (s *Service) downgradeToFree(ctx context.Context, sub Subscription, reason string) error {
	freePlan, err := s.store.GetPlan(ctx, s.freePlanID)
	if err != nil {
		return fmt.Errorf("load free plan: %w", err)
	}

	now := time.Now().UTC()
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		if err := store.SwitchPlan(ctx, sub.ID, freePlan.ID, sub.BillingCycle,
			freePlan.MonthlyPrice, freePlan.AnnualPrice, now, periodEnd(now, sub.BillingCycle)); err != nil {
			return err
		}
		return store.InsertHistory(ctx, HistoryEntry{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanID:         freePlan.ID,
			PreviousPlanID: nullString(sub.PlanID),
			ChangeType:     ChangeCancelled,
			EffectivePrice: 0,
			Reason:         reason,
		})
	})
	if err != nil {
		return err
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            sub.UserID,
		Kind:              notify.KindSubscription,
		Title:             "Subscription cancelled",
		Body:              "Your subscription was cancelled and your account moved to the free plan.",
		RelatedEntityType: "subscription",
		RelatedEntityID:   sub.ID,
	})

	s.logger.Info("Subscription cancelled immediately",
		slog.String("subscription_id", sub.ID),
		slog.String("user_id", sub.UserID),
		slog.String("reason", reason),
	)
	return nil
}

// ChangePlanPricing applies an admin price change to a plan in one
// transaction: the audit row first, then the plan, then either
// grandfathering or propagation across every active subscription on the
// plan. A nil price keeps the plan's current value.
func (s *Service) ChangePlanPricing(ctx context.Context, actor auth.Actor, planID string, newMonthly, newAnnual *float64, grandfatherExisting bool, notes string) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}

	monthly := plan.MonthlyPrice
	if newMonthly != nil {
		monthly = *newMonthly
	}
	annual := plan.AnnualPrice
	if newAnnual != nil {
		annual = *newAnnual
	}

	var affected int64
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		if err := store.InsertPriceChange(ctx, PriceChange{
			PlanID:          planID,
			PreviousMonthly: plan.MonthlyPrice,
			PreviousAnnual:  plan.AnnualPrice,
			NewMonthly:      monthly,
			NewAnnual:       annual,
			Grandfathered:   grandfatherExisting,
			Notes:           notes,
			ChangedBy:       actor.UserID,
		}); err != nil {
			return err
		}
		if err := store.UpdatePlanPricing(ctx, planID, monthly, annual); err != nil {
			return err
		}

		if grandfatherExisting {
			affected, err = store.GrandfatherActive(ctx, planID)
		} else {
			affected, err = store.PropagatePricing(ctx, planID, monthly, annual)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Info("Plan pricing changed",
		slog.String("plan_id", planID),
		slog.Float64("monthly_price", monthly),
		slog.Float64("annual_price", annual),
		slog.Bool("grandfathered", grandfatherExisting),
		slog.Int64("subscriptions_affected", affected),
		slog.String("changed_by", actor.UserID),
	)
	return nil
}

// RolloverDuePeriods advances lapsed billing periods. Subscriptions
// flagged cancel_at_period_end fall back to the free plan; the rest roll
// into their next period. Called from the scheduled sweep. Each
// subscription is its own unit of work so one failure does not stall the
// batch.
func (s *Service) RolloverDuePeriods(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := s.store.ListDueRollovers(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, sub := range due {
		if err := s.rolloverOne(ctx, sub); err != nil {
			s.logger.Error("Period rollover failed",
				slog.String("subscription_id", sub.ID),
				slog.Any("error", err),
			)
			continue
		}
		processed++
	}

	if processed > 0 {
		s.logger.Info("Subscription periods rolled over", slog.Int("count", processed))
	}
	return processed, nil
}

func (s *Service) rolloverOne(ctx context.Context, sub Subscription) error {
	if sub.CancelAtPeriodEnd {
		return s.downgradeToFree(ctx, sub, "cancelled at period end")
	}

	newStart := sub.CurrentPeriodEnd
	moved, err := s.store.AdvancePeriod(ctx, sub.ID, sub.CurrentPeriodEnd, newStart, periodEnd(newStart, sub.BillingCycle))
	if err != nil {
		return err
	}
	if !moved {
		// A concurrent sweep already advanced it.
		return nil
	}
	return nil
}

// OnInvoicePaid ingests the processor's invoice-paid event for a
// subscription and extends the paid-through period. Unknown references are
// orphans and a no-op.
func (s *Service) OnInvoicePaid(ctx context.Context, externalRef string, paidThrough time.Time) error {
	sub, err := s.store.GetByExternalRef(ctx, externalRef)
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) {
			s.logger.Warn("Invoice event for unknown subscription reference",
				slog.String("external_reference", externalRef),
			)
			return nil
		}
		return err
	}

	if paidThrough.IsZero() {
		paidThrough = periodEnd(sub.CurrentPeriodEnd, sub.BillingCycle)
	}
	if !paidThrough.After(sub.CurrentPeriodEnd) {
		// Redelivered or stale invoice event.
		return nil
	}

	if _, err := s.store.AdvancePeriod(ctx, sub.ID, sub.CurrentPeriodEnd, sub.CurrentPeriodEnd, paidThrough); err != nil {
		return err
	}

	s.notifier.Notify(ctx, notify.Message{
		UserID:            sub.UserID,
		Kind:              notify.KindInvoicePaid,
		Title:             "Subscription payment received",
		Body:              "Your subscription payment was received.",
		RelatedEntityType: "subscription",
		RelatedEntityID:   sub.ID,
	})
	return nil
}

// Current returns the caller's active subscription.
func (s *Service) Current(ctx context.Context, actor auth.Actor) (Subscription, error) {
	return s.store.GetActiveByUser(ctx, actor.UserID)
}

// Plans lists the plans open for signup.
func (s *Service) Plans(ctx context.Context) ([]Plan, error) {
	return s.store.ListActivePlans(ctx)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
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
