package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwikr/billing-core/internal/auth"
	"github.com/kwikr/billing-core/internal/notify"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(sqlxDB, NewStore(sqlxDB), notify.NopNotifier{}, "plan-free", 100, logger), mock
}

func planRow(id string, monthly, annual float64, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "monthly_price", "annual_price", "is_active", "created_at", "updated_at",
	}).AddRow(id, "Plan "+id, monthly, annual, active, time.Now(), time.Now())
}

func subRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "plan_id", "billing_cycle", "status",
		"current_monthly_price", "current_annual_price", "grandfathered_pricing",
		"cancel_at_period_end", "current_period_start", "current_period_end",
		"external_reference", "created_at", "updated_at",
	})
}

func subRow(planID string, monthly float64, cancelAtPeriodEnd bool) *sqlmock.Rows {
	now := time.Now()
	return subRows().AddRow("sub-1", "worker-1", planID, CycleMonthly, StatusActive,
		monthly, monthly*10, false, cancelAtPeriodEnd, now, now.AddDate(0, 1, 0),
		nil, now, now)
}

func worker() auth.Actor {
	return auth.Actor{UserID: "worker-1", Role: auth.RoleWorker}
}

func admin() auth.Actor {
	return auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin}
}

func TestSubscribeNewUser(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-a").
		WillReturnRows(planRow("plan-a", 99, 990, true))
	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions WHERE user_id = \$1`).
		WithArgs("worker-1", StatusActive).
		WillReturnRows(subRows())
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO worker_subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO subscription_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub, err := svc.Subscribe(context.Background(), worker(), "plan-a", CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, "plan-a", sub.PlanID)
	assert.Equal(t, 99.0, sub.CurrentMonthlyPrice)
	assert.False(t, sub.GrandfatheredPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeInactivePlan(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-old").
		WillReturnRows(planRow("plan-old", 49, 490, false))

	_, err := svc.Subscribe(context.Background(), worker(), "plan-old", CycleMonthly)
	assert.ErrorIs(t, err, ErrPlanInactive)
}

func TestSubscribeInvalidCycle(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Subscribe(context.Background(), worker(), "plan-a", "weekly")
	assert.ErrorIs(t, err, ErrInvalidBillingCycle)
}

func TestDeriveChangeType(t *testing.T) {
	existing := Subscription{PlanID: "plan-a", BillingCycle: CycleMonthly, CurrentMonthlyPrice: 99}

	tests := []struct {
		name string
		plan Plan
		want string
	}{
		{"same plan", Plan{ID: "plan-a", MonthlyPrice: 99}, ChangeReactivated},
		{"higher price", Plan{ID: "plan-b", MonthlyPrice: 129}, ChangeUpgrade},
		{"lower price", Plan{ID: "plan-c", MonthlyPrice: 49}, ChangeDowngrade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveChangeType(existing, tt.plan, CycleMonthly))
		})
	}
}

func TestCancelAtPeriodEnd(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions WHERE user_id = \$1`).
		WithArgs("worker-1", StatusActive).
		WillReturnRows(subRow("plan-a", 99, false))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE worker_subscriptions\s+SET cancel_at_period_end = TRUE`).
		WithArgs("sub-1", StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO subscription_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// The subscription stays active with entitlements intact; only the
	// cancel_at_period_end flag changes.
	err := svc.Cancel(context.Background(), worker(), false, "too expensive")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelImmediateDowngradesToFree(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions WHERE user_id = \$1`).
		WithArgs("worker-1", StatusActive).
		WillReturnRows(subRow("plan-a", 99, false))
	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-free").
		WillReturnRows(planRow("plan-free", 0, 0, true))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE worker_subscriptions\s+SET plan_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO subscription_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.Cancel(context.Background(), worker(), true, "closing my account")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWithoutSubscription(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions WHERE user_id = \$1`).
		WithArgs("worker-1", StatusActive).
		WillReturnRows(subRows())

	err := svc.Cancel(context.Background(), worker(), false, "")
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
}

func TestChangePlanPricingGrandfathers(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-a").
		WillReturnRows(planRow("plan-a", 99, 990, true))
	mock.ExpectBegin()
	// The audit row is written before the plan itself changes.
	mock.ExpectExec(`INSERT INTO subscription_price_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscription_plans\s+SET monthly_price`).
		WithArgs("plan-a", 129.0, 990.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Existing subscribers keep their prices and get the flag.
	mock.ExpectExec(`UPDATE worker_subscriptions\s+SET grandfathered_pricing = TRUE`).
		WithArgs("plan-a", StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	newMonthly := 129.0
	err := svc.ChangePlanPricing(context.Background(), admin(), "plan-a", &newMonthly, nil, true, "fall price increase")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePlanPricingPropagates(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-a").
		WillReturnRows(planRow("plan-a", 99, 990, true))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscription_price_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscription_plans\s+SET monthly_price`).
		WithArgs("plan-a", 129.0, 1290.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE worker_subscriptions\s+SET current_monthly_price`).
		WithArgs("plan-a", 129.0, 1290.0, StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	newMonthly, newAnnual := 129.0, 1290.0
	err := svc.ChangePlanPricing(context.Background(), admin(), "plan-a", &newMonthly, &newAnnual, false, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePlanPricingRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	newMonthly := 129.0
	err := svc.ChangePlanPricing(context.Background(), worker(), "plan-a", &newMonthly, nil, true, "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRolloverAdvancesPeriod(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions\s+WHERE status = \$1 AND current_period_end <= \$2`).
		WillReturnRows(subRow("plan-a", 99, false))
	mock.ExpectExec(`UPDATE worker_subscriptions\s+SET current_period_start`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := svc.RolloverDuePeriods(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloverHonorsCancelFlag(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions\s+WHERE status = \$1 AND current_period_end <= \$2`).
		WillReturnRows(subRow("plan-a", 99, true))
	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-free").
		WillReturnRows(planRow("plan-free", 0, 0, true))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE worker_subscriptions\s+SET plan_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO subscription_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := svc.RolloverDuePeriods(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOnInvoicePaidOrphan(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions WHERE external_reference = \$1`).
		WithArgs("sub_ext_unknown").
		WillReturnRows(subRows())

	err := svc.OnInvoicePaid(context.Background(), "sub_ext_unknown", time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)
}

func TestOnInvoicePaidStaleEvent(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM worker_subscriptions WHERE external_reference = \$1`).
		WithArgs("sub_ext_1").
		WillReturnRows(subRow("plan-a", 99, false))

	// Paid-through date before the current period end changes nothing.
	err := svc.OnInvoicePaid(context.Background(), "sub_ext_1", time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
