// Package store persists billing state in PostgreSQL.
//
// Two views exist. Repository is bound to one transaction and is only handed
// out by a customer lock; every financial write goes through it. Store runs
// outside any lock and serves read-only queries, customer registration and
// the webhook event ledger.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ChargeAttempt is the retry metadata written after an unsuccessful charge
type ChargeAttempt struct {
	At            time.Time
	FailureReason string
	ActionURL     string
	// CardIntentID is the card provider intent this attempt used, if any
	CardIntentID string
	// MaxRetries moves the record to failed once RetryCount reaches it
	MaxRetries int
}

// Repository is the transactional view of one customer's billing state
type Repository interface {
	GetCustomer(ctx context.Context, id int64) (*billing.Customer, error)
	UpdateCustomer(ctx context.Context, c *billing.Customer) error

	GetService(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error)
	ListServices(ctx context.Context, customerID int64) ([]*billing.ServiceInstance, error)
	CreateService(ctx context.Context, s *billing.ServiceInstance) error
	UpdateService(ctx context.Context, s *billing.ServiceInstance) error
	CountServicesCreatedSince(ctx context.Context, customerID int64, since time.Time) (int, error)

	GetRecord(ctx context.Context, id int64) (*billing.BillingRecord, error)
	GetDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error)
	OpenOrGetDraft(ctx context.Context, customerID int64, periodStart, periodEnd time.Time) (*billing.BillingRecord, error)
	AppendLineItem(ctx context.Context, recordID int64, item *billing.LineItem) error
	ReplaceLineItems(ctx context.Context, recordID int64, items []billing.LineItem) error
	CreatePendingRecord(ctx context.Context, rec *billing.BillingRecord) error
	FinalizeDraft(ctx context.Context, recordID int64) (*billing.BillingRecord, error)
	MarkPaid(ctx context.Context, recordID, amountPaidCents int64, source billing.PaymentSource, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, recordID int64, reason string) error
	RecordChargeAttempt(ctx context.Context, recordID int64, attempt ChargeAttempt) (*billing.BillingRecord, error)
	SetPaymentActionURL(ctx context.Context, recordID int64, url string) error
	ReopenRecord(ctx context.Context, recordID int64) error
	Void(ctx context.Context, recordID int64) error
	ListOutstandingRecords(ctx context.Context, customerID int64) ([]*billing.BillingRecord, error)

	AddPayment(ctx context.Context, p *billing.InvoicePayment) error
	ListPayments(ctx context.Context, recordID int64) ([]*billing.InvoicePayment, error)
	PaymentExists(ctx context.Context, source billing.PaymentSource, providerRef string) (bool, error)

	ListAvailableCredits(ctx context.Context, customerID int64, asOf time.Time) ([]*billing.CustomerCredit, error)
	ConsumeCredit(ctx context.Context, creditID, amountCents int64) error
	IssueCredit(ctx context.Context, c *billing.CustomerCredit) error

	ListPaymentMethods(ctx context.Context, customerID int64) ([]*billing.PaymentMethod, error)
	UpsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error

	GetWebhookEvent(ctx context.Context, eventID string) (*billing.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, eventID string, at time.Time) error

	// Savepoint runs fn so that its writes are undone on error without
	// aborting the enclosing transaction.
	Savepoint(ctx context.Context, name string, fn func() error) error
}

// Store serves work that does not need a customer lock. Reads may lag
// in-flight locked operations.
type Store interface {
	EnsureCustomer(ctx context.Context, walletAddress string) (*billing.Customer, error)
	GetCustomer(ctx context.Context, id int64) (*billing.Customer, error)
	FindCustomerByCardRef(ctx context.Context, cardCustomerRef string) (int64, error)

	ListRecords(ctx context.Context, customerID int64, limit int) ([]*billing.BillingRecord, error)
	GetDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error)
	ListServices(ctx context.Context, customerID int64) ([]*billing.ServiceInstance, error)

	ListCustomersWithOutstandingRecords(ctx context.Context) ([]int64, error)
	ListCustomersWithDueSchedules(ctx context.Context, asOf time.Time) ([]int64, error)
	ListCustomersWithDraftsBefore(ctx context.Context, periodStart time.Time) ([]int64, error)
	ListCustomersWithActiveServices(ctx context.Context) ([]int64, error)
	ListCustomersInGraceSince(ctx context.Context, startedBefore time.Time) ([]int64, error)

	GetWebhookEvent(ctx context.Context, eventID string) (*billing.WebhookEvent, error)
	// InsertWebhookEvent records an unprocessed event and reports whether it was new
	InsertWebhookEvent(ctx context.Context, ev *billing.WebhookEvent) (bool, error)
	// MarkWebhookEventProcessed closes events that touch no customer state
	MarkWebhookEventProcessed(ctx context.Context, eventID string, at time.Time) error
}
