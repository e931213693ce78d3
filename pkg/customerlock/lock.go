// Package customerlock serializes money-affecting work per customer.
//
// A lock is a PostgreSQL transaction-scoped advisory lock keyed by customer
// id. It is shared by every process using the same database, blocks until
// free and is released on commit or rollback, so a crashed holder never
// outlives its connection.
package customerlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/contextkeys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/store"
)

// ErrNestedLock is returned when a context that already holds a customer lock
// tries to take another one
var ErrNestedLock = errors.New("customer lock already held by this operation")

// TxFunc is the critical section run while the lock is held
type TxFunc func(ctx context.Context, repo store.Repository) error

// Locker runs fn inside a transaction holding the customer's lock. An error
// from fn rolls the transaction back and is returned unchanged.
type Locker interface {
	WithCustomerLock(ctx context.Context, customerID int64, operation string, fn TxFunc) error
}

// Held reports whether ctx is already inside a customer lock
func Held(ctx context.Context) bool {
	_, ok := ctx.Value(contextkeys.CustomerLockKey).(int64)
	return ok
}

// Mark tags ctx as holding the lock for customerID. Lock implementations call
// it before running the critical section.
func Mark(ctx context.Context, customerID int64) context.Context {
	return context.WithValue(ctx, contextkeys.CustomerLockKey, customerID)
}

// PostgresLocker implements Locker with pg_advisory_xact_lock
type PostgresLocker struct {
	db       *sql.DB
	logger   *observability.Logger
	metrics  *observability.Metrics
	repoOpts []store.Option
}

// Option configures a PostgresLocker
type Option func(*PostgresLocker)

// WithMetrics records lock wait and hold times
func WithMetrics(m *observability.Metrics) Option {
	return func(l *PostgresLocker) { l.metrics = m }
}

// WithRepositoryOptions passes options to each transaction's repository
func WithRepositoryOptions(opts ...store.Option) Option {
	return func(l *PostgresLocker) { l.repoOpts = append(l.repoOpts, opts...) }
}

// NewPostgresLocker creates a locker on the primary pool
func NewPostgresLocker(db *sql.DB, logger *observability.Logger, opts ...Option) *PostgresLocker {
	l := &PostgresLocker{db: db, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithCustomerLock implements Locker
func (l *PostgresLocker) WithCustomerLock(ctx context.Context, customerID int64, operation string, fn TxFunc) (err error) {
	if Held(ctx) {
		return ErrNestedLock
	}

	ctx, span := observability.StartSpan(ctx, "customerlock."+operation,
		attribute.Int64("billing.customer_id", customerID),
		attribute.String("billing.operation", operation))
	defer func() { observability.EndSpan(span, err) }()

	requested := time.Now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				l.logger.WithError(rbErr).WithCustomer(customerID, operation).Error("Failed to roll back locked transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", customerID); err != nil {
		return fmt.Errorf("failed to acquire customer lock: %w", err)
	}
	acquired := time.Now()
	span.AddEvent("lock acquired")

	if err := fn(Mark(ctx, customerID), store.NewPostgresRepository(tx, l.repoOpts...)); err != nil {
		l.metrics.LockError(operation, string(billing.KindOf(err)))
		l.metrics.ObserveLock(operation, acquired.Sub(requested), time.Since(acquired))
		return err
	}

	if err := tx.Commit(); err != nil {
		l.metrics.LockError(operation, string(billing.KindInfrastructure))
		return fmt.Errorf("failed to commit %s: %w", operation, err)
	}
	committed = true
	l.metrics.ObserveLock(operation, acquired.Sub(requested), time.Since(acquired))

	l.logger.WithCustomer(customerID, operation).
		WithField("lock_wait_ms", acquired.Sub(requested).Milliseconds()).
		Debug("Customer lock released")
	return nil
}
