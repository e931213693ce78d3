package customerlock

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/store"
)

var lockQuery = regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")

func newLocker(t *testing.T) (*PostgresLocker, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewPostgresLocker(db, logger, WithMetrics(metrics)), mock, metrics
}

func TestWithCustomerLock_Commits(t *testing.T) {
	locker, mock, metrics := newLocker(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs(int64(42)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE customers SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := locker.WithCustomerLock(context.Background(), 42, "spending_limit", func(ctx context.Context, repo store.Repository) error {
		assert.True(t, Held(ctx))
		return repo.UpdateCustomer(ctx, &billing.Customer{ID: 42, SpendingLimitCents: 5000})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.LockWaitDuration))
}

func TestWithCustomerLock_RollsBackOnError(t *testing.T) {
	locker, mock, metrics := newLocker(t)
	declined := billing.Declined("insufficient_funds")

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs(int64(42)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := locker.WithCustomerLock(context.Background(), 42, "tier_change", func(context.Context, store.Repository) error {
		return declined
	})
	assert.Same(t, declined, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LockErrorsTotal.WithLabelValues("tier_change", "payment_declined")))
}

func TestWithCustomerLock_AcquireFailure(t *testing.T) {
	locker, mock, _ := newLocker(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WillReturnError(errors.New("canceling statement due to user request"))
	mock.ExpectRollback()

	called := false
	err := locker.WithCustomerLock(context.Background(), 42, "subscribe", func(context.Context, store.Repository) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire customer lock")
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithCustomerLock_CommitFailure(t *testing.T) {
	locker, mock, _ := newLocker(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := locker.WithCustomerLock(context.Background(), 42, "reconcile", func(context.Context, store.Repository) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, billing.KindInfrastructure, billing.KindOf(err))
}

func TestWithCustomerLock_RejectsNesting(t *testing.T) {
	locker, mock, _ := newLocker(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := locker.WithCustomerLock(context.Background(), 42, "outer", func(ctx context.Context, _ store.Repository) error {
		return locker.WithCustomerLock(ctx, 42, "inner", func(context.Context, store.Repository) error {
			t.Fatal("nested critical section must not run")
			return nil
		})
	})
	assert.ErrorIs(t, err, ErrNestedLock)
	assert.NoError(t, mock.ExpectationsWereMet())
}
