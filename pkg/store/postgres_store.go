package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// PostgresStore implements Store. Display reads go to the replica pool.
type PostgresStore struct {
	primary           *sql.DB
	replica           *sql.DB
	ids               IDGenerator
	maxInsertAttempts int
}

// NewPostgresStore creates a store. A nil replica reads from primary.
func NewPostgresStore(primary, replica *sql.DB, opts ...Option) *PostgresStore {
	if replica == nil {
		replica = primary
	}
	o := buildOptions(opts)
	return &PostgresStore{primary: primary, replica: replica, ids: o.ids, maxInsertAttempts: o.maxInsertAttempts}
}

// EnsureCustomer returns the customer for a wallet, registering it on first sight
func (s *PostgresStore) EnsureCustomer(ctx context.Context, walletAddress string) (*billing.Customer, error) {
	if walletAddress == "" {
		return nil, billing.Validation("invalid_wallet", "wallet address is required")
	}
	c, err := s.customerByWallet(ctx, walletAddress)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, billing.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	err = insertWithRetry(s.maxInsertAttempts, constraintCustomerPK, func(int) error {
		var scanErr error
		c, scanErr = scanCustomer(s.primary.QueryRowContext(ctx, `
			INSERT INTO customers (id, wallet_address, current_period_start)
			VALUES ($1, $2, $3)
			RETURNING `+customerColumns,
			s.ids.CustomerID(), walletAddress, billing.PeriodStart(now)))
		return scanErr
	})
	if IsUniqueViolation(err, constraintCustomerWallet) {
		// registered concurrently
		return s.customerByWallet(ctx, walletAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register customer: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) customerByWallet(ctx context.Context, walletAddress string) (*billing.Customer, error) {
	c, err := scanCustomer(s.primary.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE wallet_address = $1`, walletAddress))
	if err != nil {
		return nil, notFoundOr(err, "customer")
	}
	return c, nil
}

// GetCustomer loads a customer for display
func (s *PostgresStore) GetCustomer(ctx context.Context, id int64) (*billing.Customer, error) {
	return getCustomer(ctx, s.replica, id)
}

// FindCustomerByCardRef resolves a card-provider customer reference
func (s *PostgresStore) FindCustomerByCardRef(ctx context.Context, cardCustomerRef string) (int64, error) {
	var id int64
	err := s.primary.QueryRowContext(ctx, `SELECT id FROM customers WHERE card_customer_ref = $1`, cardCustomerRef).Scan(&id)
	if err != nil {
		return 0, notFoundOr(err, "customer")
	}
	return id, nil
}

// ListRecords lists a customer's records, newest first
func (s *PostgresStore) ListRecords(ctx context.Context, customerID int64, limit int) ([]*billing.BillingRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return queryRecords(ctx, s.replica, `
		SELECT `+recordColumns+` FROM billing_records
		WHERE customer_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, customerID, limit)
}

// GetDraft loads the open draft for preview
func (s *PostgresStore) GetDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error) {
	return getDraft(ctx, s.replica, customerID)
}

// ListServices lists a customer's services for display
func (s *PostgresStore) ListServices(ctx context.Context, customerID int64) ([]*billing.ServiceInstance, error) {
	return listServices(ctx, s.replica, customerID)
}

func (s *PostgresStore) customerIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.primary.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan customer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCustomersWithOutstandingRecords lists customers owing money
func (s *PostgresStore) ListCustomersWithOutstandingRecords(ctx context.Context) ([]int64, error) {
	return s.customerIDs(ctx, `
		SELECT DISTINCT customer_id FROM billing_records
		WHERE status IN ('pending', 'failed') ORDER BY customer_id`)
}

// ListCustomersWithDueSchedules lists customers with tier changes or cancellations due
func (s *PostgresStore) ListCustomersWithDueSchedules(ctx context.Context, asOf time.Time) ([]int64, error) {
	return s.customerIDs(ctx, `
		SELECT DISTINCT customer_id FROM service_instances
		WHERE state <> 'cancelled'
			AND (scheduled_effective_date <= $1 OR cancellation_scheduled_for <= $1)
		ORDER BY customer_id`, asOf)
}

// ListCustomersWithDraftsBefore lists customers whose draft belongs to an earlier period
func (s *PostgresStore) ListCustomersWithDraftsBefore(ctx context.Context, periodStart time.Time) ([]int64, error) {
	return s.customerIDs(ctx, `
		SELECT customer_id FROM billing_records
		WHERE status = 'draft' AND billing_period_start < $1 ORDER BY customer_id`, periodStart)
}

// ListCustomersWithActiveServices lists customers with at least one live service
func (s *PostgresStore) ListCustomersWithActiveServices(ctx context.Context) ([]int64, error) {
	return s.customerIDs(ctx, `
		SELECT DISTINCT customer_id FROM service_instances
		WHERE state <> 'cancelled' ORDER BY customer_id`)
}

// ListCustomersInGraceSince lists customers whose grace period began before the cutoff
func (s *PostgresStore) ListCustomersInGraceSince(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	return s.customerIDs(ctx, `
		SELECT id FROM customers
		WHERE grace_period_started_at IS NOT NULL AND grace_period_started_at <= $1 ORDER BY id`, startedBefore)
}

// GetWebhookEvent loads an event from the idempotency ledger
func (s *PostgresStore) GetWebhookEvent(ctx context.Context, eventID string) (*billing.WebhookEvent, error) {
	return getWebhookEvent(ctx, s.primary, eventID)
}

// InsertWebhookEvent records an event unprocessed unless it is already known
func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, ev *billing.WebhookEvent) (bool, error) {
	res, err := s.primary.ExecContext(ctx, `
		INSERT INTO payment_webhook_events (event_id, event_type, processed, payload, received_at)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.Payload, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkWebhookEventProcessed flags an event handled outside any customer lock
func (s *PostgresStore) MarkWebhookEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	return markWebhookEventProcessed(ctx, s.primary, eventID, at)
}
