package escrow

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
	"github.com/kwikr/billing-core/internal/feetax"
	"github.com/kwikr/billing-core/internal/ledger"
	"github.com/kwikr/billing-core/internal/notify"
	"github.com/kwikr/billing-core/internal/processor"
)

type fakeProcessor struct {
	holds    int
	releases int
	refunds  int
	ref      string
	err      error
	lastMeta processor.HoldMetadata
}

func (f *fakeProcessor) Hold(_ context.Context, _ float64, meta processor.HoldMetadata) (string, error) {
	f.holds++
	f.lastMeta = meta
	return f.ref, f.err
}

func (f *fakeProcessor) Release(context.Context, string) error {
	f.releases++
	return f.err
}

func (f *fakeProcessor) Refund(context.Context, string) error {
	f.refunds++
	return f.err
}

type recordingNotifier struct {
	messages []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	r.messages = append(r.messages, msg)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeProcessor, *recordingNotifier) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	proc := &fakeProcessor{ref: "pi_123"}
	notifier := &recordingNotifier{}
	svc := NewService(
		sqlxDB,
		NewJobStore(sqlxDB),
		ledger.New(sqlxDB, logger),
		proc,
		notifier,
		feetax.DefaultFeeSchedule(),
		logger,
	)
	return svc, mock, proc, notifier
}

func jobRow(status Status, ref interface{}) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "client_id", "worker_id", "escrow_status",
		"payment_reference", "bid_amount", "worker_province", "updated_at",
	}).AddRow("job-1", "client-1", "worker-1", string(status), ref, 500.0, "ON", time.Now())
}

func attemptRow(txnType string, amount float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "job_id", "client_id", "worker_id", "payment_reference",
		"transaction_type", "status", "amount", "description", "created_at", "processed_at",
	}).AddRow("txn-1", "job-1", "client-1", "worker-1", "pi_123",
		txnType, ledger.StatusPending, amount, "", time.Now(), nil)
}

func TestRequestHold(t *testing.T) {
	svc, mock, proc, _ := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusNone, nil))
	// 500 bid + 25 fee + 65 HST for Ontario.
	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnRows(attemptRow(ledger.TypeEscrowHold, 590.0))
	mock.ExpectExec(`UPDATE jobs\s+SET payment_reference`).
		WithArgs("job-1", "pi_123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ref, err := svc.RequestHold(context.Background(), auth.Actor{UserID: "client-1", Role: auth.RoleClient}, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref)
	assert.Equal(t, 1, proc.holds)
	assert.Equal(t, "job-1", proc.lastMeta.JobID)
	assert.Equal(t, "500.00", proc.lastMeta.BidAmount)
	assert.Equal(t, "25.00", proc.lastMeta.PlatformFee)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestHoldForbidden(t *testing.T) {
	svc, mock, proc, _ := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusNone, nil))

	_, err := svc.RequestHold(context.Background(), auth.Actor{UserID: "someone-else", Role: auth.RoleClient}, "job-1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, proc.holds)
}

func TestRequestHoldFromHeld(t *testing.T) {
	svc, mock, proc, _ := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))

	_, err := svc.RequestHold(context.Background(), auth.Actor{UserID: "client-1", Role: auth.RoleClient}, "job-1")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Zero(t, proc.holds)
}

func TestOnHoldConfirmed(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE payment_reference = \$1`).
		WithArgs("pi_123").
		WillReturnRows(jobRow(StatusNone, "pi_123"))
	mock.ExpectExec(`UPDATE jobs\s+SET escrow_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.OnHoldConfirmed(context.Background(), "pi_123")
	require.NoError(t, err)

	// Both parties are told the money is secured.
	require.Len(t, notifier.messages, 2)
	assert.Equal(t, "client-1", notifier.messages[0].UserID)
	assert.Equal(t, "worker-1", notifier.messages[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOnHoldConfirmedRedelivery(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)

	// The pending row is already completed and the job already held, so the
	// second delivery changes nothing and sends no notifications.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM transactions`).
		WithArgs("pi_123", ledger.TypeEscrowHold).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(ledger.StatusCompleted))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE payment_reference = \$1`).
		WithArgs("pi_123").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))
	mock.ExpectExec(`UPDATE jobs\s+SET escrow_status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := svc.OnHoldConfirmed(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Empty(t, notifier.messages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOnHoldConfirmedUnknownReference(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM transactions`).
		WithArgs("pi_unknown", ledger.TypeEscrowHold).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectCommit()

	err := svc.OnHoldConfirmed(context.Background(), "pi_unknown")
	require.NoError(t, err)
	assert.Empty(t, notifier.messages)
}

func TestOnHoldFailed(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE payment_reference = \$1`).
		WithArgs("pi_123").
		WillReturnRows(jobRow(StatusNone, "pi_123"))
	mock.ExpectExec(`UPDATE jobs\s+SET escrow_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.OnHoldFailed(context.Background(), "pi_123")
	require.NoError(t, err)

	require.Len(t, notifier.messages, 1)
	assert.Equal(t, notify.KindPaymentFailed, notifier.messages[0].Kind)
}

func TestReleaseFromNone(t *testing.T) {
	svc, mock, proc, _ := newTestService(t)

	// The state guard rejects before any processor call or ledger write.
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusNone, nil))

	err := svc.Release(context.Background(), auth.Actor{UserID: "client-1", Role: auth.RoleClient}, "job-1")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Zero(t, proc.releases)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease(t *testing.T) {
	svc, mock, proc, _ := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))
	// Payout is bid minus platform fee: 500 - 25.
	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnRows(attemptRow(ledger.TypeEscrowRelease, 475.0))

	err := svc.Release(context.Background(), auth.Actor{UserID: "client-1", Role: auth.RoleClient}, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, proc.releases)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseTimeoutLeavesPendingTransaction(t *testing.T) {
	svc, mock, proc, _ := newTestService(t)
	proc.err = processor.NewRetryableError(context.DeadlineExceeded)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))
	// The pending row is written before the processor call, so the timeout
	// still leaves a transaction to reconcile.
	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnRows(attemptRow(ledger.TypeEscrowRelease, 475.0))

	err := svc.Release(context.Background(), auth.Actor{UserID: "client-1", Role: auth.RoleClient}, "job-1")
	require.Error(t, err)
	assert.True(t, processor.IsRetryable(err))
	assert.Equal(t, 1, proc.releases)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundTimeoutLeavesPendingTransaction(t *testing.T) {
	svc, mock, proc, _ := newTestService(t)
	proc.err = processor.NewRetryableError(context.DeadlineExceeded)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))
	mock.ExpectQuery(`INSERT INTO transactions`).
		WillReturnRows(attemptRow(ledger.TypeRefund, 590.0))

	err := svc.Refund(context.Background(), auth.Actor{UserID: "client-1", Role: auth.RoleClient}, "job-1", "job cancelled")
	require.Error(t, err)
	assert.True(t, processor.IsRetryable(err))
	assert.Equal(t, 1, proc.refunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOnReleaseConfirmedWritesMemos(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE payment_reference = \$1`).
		WithArgs("pi_123").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))
	mock.ExpectExec(`UPDATE jobs\s+SET escrow_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Ontario job: platform fee and HST memos, no GST or PST rows.
	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.OnReleaseConfirmed(context.Background(), "pi_123")
	require.NoError(t, err)

	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "worker-1", notifier.messages[0].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundOnlyClientOrAdmin(t *testing.T) {
	tests := []struct {
		name    string
		actor   auth.Actor
		wantErr error
	}{
		{
			name:  "client",
			actor: auth.Actor{UserID: "client-1", Role: auth.RoleClient},
		},
		{
			name:  "admin",
			actor: auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin},
		},
		{
			name:    "worker",
			actor:   auth.Actor{UserID: "worker-1", Role: auth.RoleWorker},
			wantErr: ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock, proc, _ := newTestService(t)

			mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
				WithArgs("job-1").
				WillReturnRows(jobRow(StatusHeld, "pi_123"))
			if tt.wantErr == nil {
				mock.ExpectQuery(`INSERT INTO transactions`).
					WillReturnRows(attemptRow(ledger.TypeRefund, 590.0))
			}

			err := svc.Refund(context.Background(), tt.actor, "job-1", "job cancelled")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, proc.refunds)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, proc.refunds)
		})
	}
}

func TestOnRefundConfirmed(t *testing.T) {
	svc, mock, _, notifier := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE payment_reference = \$1`).
		WithArgs("pi_123").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))
	mock.ExpectExec(`UPDATE jobs\s+SET escrow_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.OnRefundConfirmed(context.Background(), "pi_123")
	require.NoError(t, err)

	require.Len(t, notifier.messages, 2)
	assert.Equal(t, notify.KindRefund, notifier.messages[0].Kind)
	assert.Equal(t, "client-1", notifier.messages[0].UserID)
	assert.Equal(t, notify.KindJobCancelled, notifier.messages[1].Kind)
	assert.Equal(t, "worker-1", notifier.messages[1].UserID)
}

func TestStatusVisibility(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(StatusHeld, "pi_123"))

	_, err := svc.Status(context.Background(), auth.Actor{UserID: "bystander", Role: auth.RoleWorker}, "job-1")
	assert.ErrorIs(t, err, ErrForbidden)
}
