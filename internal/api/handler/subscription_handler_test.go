package handler

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwikr/billing-core/internal/auth"
	"github.com/kwikr/billing-core/internal/notify"
	"github.com/kwikr/billing-core/internal/subscription"
)

func newPricingRouter(t *testing.T, actor auth.Actor) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := subscription.NewService(sqlxDB, subscription.NewStore(sqlxDB), notify.NopNotifier{}, "plan-free", 100, logger)
	h := NewSubscriptionHandler(&Dependencies{Logger: logger, Subscriptions: svc})

	r := gin.New()
	r.POST("/api/v1/admin/plans/:plan_id/pricing", func(c *gin.Context) {
		SetActor(c, actor)
	}, h.ChangePlanPricing)
	return r, mock
}

func planRow(id string, monthly, annual float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "monthly_price", "annual_price", "is_active", "created_at", "updated_at",
	}).AddRow(id, "Plan "+id, monthly, annual, true, time.Now(), time.Now())
}

// Plan ids are free-form text, not UUIDs.
func TestChangePlanPricingTextPlanID(t *testing.T) {
	r, mock := newPricingRouter(t, auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin})

	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-basic").
		WillReturnRows(planRow("plan-basic", 99, 990))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscription_price_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscription_plans\s+SET monthly_price`).
		WithArgs("plan-basic", 129.0, 990.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE worker_subscriptions\s+SET grandfathered_pricing = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	body := []byte(`{"monthly_price": 129, "grandfather_existing": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/plans/plan-basic/pricing", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"plan_id":"plan-basic"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePlanPricingUnknownPlan(t *testing.T) {
	r, mock := newPricingRouter(t, auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin})

	mock.ExpectQuery(`SELECT .+ FROM subscription_plans WHERE id = \$1`).
		WithArgs("plan-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	body := []byte(`{"monthly_price": 129}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/plans/plan-missing/pricing", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChangePlanPricingRequiresAPrice(t *testing.T) {
	r, _ := newPricingRouter(t, auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/plans/plan-basic/pricing", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
