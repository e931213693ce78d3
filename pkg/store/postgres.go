package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// PostgresRepository implements Repository on one transaction
type PostgresRepository struct {
	q                 Querier
	ids               IDGenerator
	maxInsertAttempts int
}

// Option configures the Postgres implementations
type Option func(*options)

type options struct {
	ids               IDGenerator
	maxInsertAttempts int
}

// WithIDGenerator overrides identifier generation
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithMaxInsertAttempts overrides the insert collision cap
func WithMaxInsertAttempts(n int) Option {
	return func(o *options) { o.maxInsertAttempts = n }
}

func buildOptions(opts []Option) options {
	o := options{ids: RandomIDs{}, maxInsertAttempts: DefaultMaxInsertAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewPostgresRepository binds a repository to q, normally a *sql.Tx
func NewPostgresRepository(q Querier, opts ...Option) *PostgresRepository {
	o := buildOptions(opts)
	return &PostgresRepository{q: q, ids: o.ids, maxInsertAttempts: o.maxInsertAttempts}
}

// Savepoint runs fn inside SAVEPOINT name
func (r *PostgresRepository) Savepoint(ctx context.Context, name string, fn func() error) error {
	sp := pq.QuoteIdentifier(name)
	if _, err := r.q.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := r.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint %s after %v: %w", name, err, rbErr)
		}
		return err
	}
	if _, err := r.q.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	out := s.String
	return &out
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func expectOneRow(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return onZero
	}
	return nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return billing.NotFound(what)
	}
	return err
}

// Customers

const customerColumns = `id, wallet_address, escrow_account, card_customer_ref, current_balance_usd_cents,
	spending_limit_usd_cents, current_period_charged_usd_cents, current_period_start, paid_once,
	grace_period_started_at, grace_notified_at, created_at, updated_at`

func scanCustomer(row rowScanner) (*billing.Customer, error) {
	var (
		c                     billing.Customer
		escrow, cardRef       sql.NullString
		graceStart, graceSent sql.NullTime
	)
	err := row.Scan(&c.ID, &c.WalletAddress, &escrow, &cardRef, &c.CurrentBalanceCents,
		&c.SpendingLimitCents, &c.CurrentPeriodChargedCents, &c.CurrentPeriodStart, &c.PaidOnce,
		&graceStart, &graceSent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.EscrowAccount = escrow.String
	c.CardCustomerRef = cardRef.String
	c.GracePeriodStartedAt = timePtr(graceStart)
	c.GraceNotifiedAt = timePtr(graceSent)
	return &c, nil
}

func getCustomer(ctx context.Context, q Querier, id int64) (*billing.Customer, error) {
	c, err := scanCustomer(q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "customer")
	}
	return c, nil
}

// GetCustomer loads a customer
func (r *PostgresRepository) GetCustomer(ctx context.Context, id int64) (*billing.Customer, error) {
	return getCustomer(ctx, r.q, id)
}

// UpdateCustomer persists the customer's mutable billing fields
func (r *PostgresRepository) UpdateCustomer(ctx context.Context, c *billing.Customer) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE customers SET
			escrow_account = $2, card_customer_ref = $3, current_balance_usd_cents = $4,
			spending_limit_usd_cents = $5, current_period_charged_usd_cents = $6,
			current_period_start = $7, paid_once = $8, grace_period_started_at = $9,
			grace_notified_at = $10, updated_at = NOW()
		WHERE id = $1`,
		c.ID, nullString(c.EscrowAccount), nullString(c.CardCustomerRef), c.CurrentBalanceCents,
		c.SpendingLimitCents, c.CurrentPeriodChargedCents, c.CurrentPeriodStart, c.PaidOnce,
		nullTime(c.GracePeriodStartedAt), nullTime(c.GraceNotifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	return expectOneRow(res, billing.NotFound("customer"))
}

// Services

const serviceColumns = `id, customer_id, service_type, tier, state, is_user_enabled, sub_pending_invoice_id,
	paid_once, scheduled_tier, scheduled_effective_date, cancellation_scheduled_for, cancelled_at,
	api_key_fingerprint, config, created_at, updated_at`

func scanService(row rowScanner) (*billing.ServiceInstance, error) {
	var (
		s                                 billing.ServiceInstance
		pending                           sql.NullInt64
		scheduledTier                     sql.NullString
		effective, cancelFor, cancelledAt sql.NullTime
		config                            []byte
	)
	err := row.Scan(&s.ID, &s.CustomerID, &s.ServiceType, &s.Tier, &s.State, &s.IsUserEnabled, &pending,
		&s.PaidOnce, &scheduledTier, &effective, &cancelFor, &cancelledAt,
		&s.APIKeyFingerprint, &config, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.SubPendingInvoiceID = int64Ptr(pending)
	s.ScheduledTier = stringPtr(scheduledTier)
	s.ScheduledEffectiveDate = timePtr(effective)
	s.CancellationScheduledFor = timePtr(cancelFor)
	s.CancelledAt = timePtr(cancelledAt)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &s.Config); err != nil {
			return nil, fmt.Errorf("failed to decode service config: %w", err)
		}
	}
	return &s, nil
}

func listServices(ctx context.Context, q Querier, customerID int64) ([]*billing.ServiceInstance, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+serviceColumns+` FROM service_instances WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*billing.ServiceInstance
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

// GetService loads a customer's instance of a service type
func (r *PostgresRepository) GetService(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error) {
	s, err := scanService(r.q.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM service_instances WHERE customer_id = $1 AND service_type = $2`,
		customerID, serviceType))
	if err != nil {
		return nil, notFoundOr(err, "service")
	}
	return s, nil
}

// ListServices lists a customer's service instances
func (r *PostgresRepository) ListServices(ctx context.Context, customerID int64) ([]*billing.ServiceInstance, error) {
	return listServices(ctx, r.q, customerID)
}

// CreateService inserts a service instance
func (r *PostgresRepository) CreateService(ctx context.Context, s *billing.ServiceInstance) error {
	config, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to encode service config: %w", err)
	}
	err = r.q.QueryRowContext(ctx, `
		INSERT INTO service_instances (
			customer_id, service_type, tier, state, is_user_enabled, sub_pending_invoice_id,
			paid_once, api_key_fingerprint, config
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		s.CustomerID, s.ServiceType, s.Tier, s.State, s.IsUserEnabled, nullInt64(s.SubPendingInvoiceID),
		s.PaidOnce, s.APIKeyFingerprint, config,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

// UpdateService persists every mutable field of a service instance
func (r *PostgresRepository) UpdateService(ctx context.Context, s *billing.ServiceInstance) error {
	config, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to encode service config: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE service_instances SET
			tier = $2, state = $3, is_user_enabled = $4, sub_pending_invoice_id = $5, paid_once = $6,
			scheduled_tier = $7, scheduled_effective_date = $8, cancellation_scheduled_for = $9,
			cancelled_at = $10, api_key_fingerprint = $11, config = $12, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.Tier, s.State, s.IsUserEnabled, nullInt64(s.SubPendingInvoiceID), s.PaidOnce,
		nullStringPtr(s.ScheduledTier), nullTime(s.ScheduledEffectiveDate), nullTime(s.CancellationScheduledFor),
		nullTime(s.CancelledAt), s.APIKeyFingerprint, config,
	)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return expectOneRow(res, billing.NotFound("service"))
}

// CountServicesCreatedSince counts instances created at or after since
func (r *PostgresRepository) CountServicesCreatedSince(ctx context.Context, customerID int64, since time.Time) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_instances WHERE customer_id = $1 AND created_at >= $2`,
		customerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count services: %w", err)
	}
	return n, nil
}
