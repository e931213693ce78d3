package subscriptions

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/customerlock"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/payments"
	"github.com/platinummonkey/tollgate/pkg/pricing"
	"github.com/platinummonkey/tollgate/pkg/retry"
	"github.com/platinummonkey/tollgate/pkg/store"
)

// KeyOptions describes the key requested for a new subscription
type KeyOptions struct {
	Tier   string             `json:"tier"`
	Limits billing.TierLimits `json:"limits"`
}

// KeyIssuer provisions the API key a subscription uses
type KeyIssuer interface {
	IssueAPIKey(ctx context.Context, customerID int64, serviceType billing.ServiceType, opts KeyOptions) (string, error)
}

// UsageCharges is the usage owed for the current period
type UsageCharges struct {
	TotalCents int64                         `json:"total_cents"`
	PerService map[billing.ServiceType]int64 `json:"per_service"`
}

// UsagePreview reports usage charges accrued so far
type UsagePreview interface {
	UsageChargePreview(ctx context.Context, customerID int64) (*UsageCharges, error)
}

// PaidHook receives records that became paid, after their transaction committed
type PaidHook interface {
	RecordsPaid(ctx context.Context, customerID int64, paid []billing.PaidInvoice)
}

// ProrationBasis selects the start date used for reconciliation credits
type ProrationBasis string

const (
	// ProrationOriginalStart credits the days before the original charge attempt
	ProrationOriginalStart ProrationBasis = "original_start"
	// ProrationReconciliationDate credits the days before the settlement
	ProrationReconciliationDate ProrationBasis = "reconciliation_date"
)

// ParseProrationBasis validates a configured basis
func ParseProrationBasis(s string) (ProrationBasis, error) {
	switch ProrationBasis(s) {
	case ProrationOriginalStart, ProrationReconciliationDate:
		return ProrationBasis(s), nil
	case "":
		return ProrationOriginalStart, nil
	default:
		return "", fmt.Errorf("unknown proration basis %q", s)
	}
}

// Config holds business limits
type Config struct {
	MinSpendingLimitCents  int64
	ResubscribeCooldown    time.Duration
	MaxSubscriptionsPerDay int
	GracePeriodDays        int
	ProrationBasis         ProrationBasis
	// ChargeRetry spaces automatic re-attempts of pending records
	ChargeRetry retry.Config
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		MinSpendingLimitCents:  1000,
		ResubscribeCooldown:    7 * 24 * time.Hour,
		MaxSubscriptionsPerDay: 5,
		GracePeriodDays:        14,
		ProrationBasis:         ProrationOriginalStart,
		ChargeRetry:            retry.DefaultChargeConfig(),
	}
}

// Orchestrator runs subscription operations
type Orchestrator struct {
	locker   customerlock.Locker
	pricing  *pricing.Store
	chain    *payments.Chain
	keys     KeyIssuer
	usage    UsagePreview
	alerts   *notify.Dispatcher
	paidHook PaidHook
	clock    billing.Clock
	config   Config
	retry    *retry.Policy
	logger   *observability.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithKeyIssuer sets the API key collaborator
func WithKeyIssuer(k KeyIssuer) Option {
	return func(o *Orchestrator) { o.keys = k }
}

// WithUsagePreview sets the usage collaborator
func WithUsagePreview(u UsagePreview) Option {
	return func(o *Orchestrator) { o.usage = u }
}

// WithAlerts sets the operator alert dispatcher
func WithAlerts(d *notify.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithPaidHook sets the post-commit consumer of paid records
func WithPaidHook(h PaidHook) Option {
	return func(o *Orchestrator) { o.paidHook = h }
}

// WithClock sets the time source
func WithClock(c billing.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithConfig replaces the default limits
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.config = c }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(locker customerlock.Locker, prices *pricing.Store, chain *payments.Chain, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		locker:  locker,
		pricing: prices,
		chain:   chain,
		clock:   billing.SystemClock{},
		config:  DefaultConfig(),
		logger:  observability.NewLogger(observability.InfoLevel, io.Discard),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.config.ProrationBasis == "" {
		o.config.ProrationBasis = ProrationOriginalStart
	}
	o.retry = retry.NewPolicy(o.config.ChargeRetry)
	return o
}

// Config returns the active limits
func (o *Orchestrator) Config() Config {
	return o.config
}

// Clock returns the orchestrator's time source
func (o *Orchestrator) Clock() billing.Clock {
	return o.clock
}

// Alerts returns the alert dispatcher, possibly nil
func (o *Orchestrator) Alerts() *notify.Dispatcher {
	return o.alerts
}

// Tx is the state of one locked operation
type Tx struct {
	Repo     store.Repository
	Customer *billing.Customer
	Now      time.Time

	paid     []billing.PaidInvoice
	external []string
}

// NoteExternalSettlement records money a provider moved during this transaction
func (tx *Tx) NoteExternalSettlement(source billing.PaymentSource, reference string) {
	tx.external = append(tx.external, fmt.Sprintf("%s:%s", source, reference))
}

func (tx *Tx) noteOutcome(out *payments.Outcome) {
	for _, p := range out.Payments {
		if p.SourceType != billing.PaymentSourceCredit {
			tx.NoteExternalSettlement(p.SourceType, p.ProviderReferenceID)
		}
	}
}

func (tx *Tx) saveCustomer(ctx context.Context) error {
	return tx.Repo.UpdateCustomer(ctx, tx.Customer)
}

// Locked runs fn under the customer's lock with the customer loaded. It
// raises a critical alert when the transaction fails after an external
// settlement and hands paid records to the PaidHook after commit.
func (o *Orchestrator) Locked(ctx context.Context, customerID int64, operation string, fn func(ctx context.Context, tx *Tx) error) error {
	var tx *Tx
	err := o.locker.WithCustomerLock(ctx, customerID, operation, func(ctx context.Context, repo store.Repository) error {
		customer, err := repo.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		tx = &Tx{Repo: repo, Customer: customer, Now: o.clock.Now()}
		return fn(ctx, tx)
	})
	if err != nil {
		if tx != nil && len(tx.external) > 0 {
			o.alerts.Raise(ctx, notify.NewAlert(notify.KindCommitAfterExternalSettlementFailed,
				"provider settled but the local transaction rolled back").
				ForCustomer(customerID).
				With("operation", operation).
				With("provider_references", tx.external).
				WithError(err))
		}
		return err
	}

	if len(tx.paid) > 0 && o.paidHook != nil {
		o.paidHook.RecordsPaid(ctx, customerID, tx.paid)
	}
	return nil
}

// SettleOptions describes one settlement attempt
type SettleOptions struct {
	Description string
	Trigger     string
	// Reconciliation marks a delayed settlement that earns a proration credit
	Reconciliation bool
}

// Settle charges a pending record through the payment chain and applies the
// paid side effects on success. Declines are recorded on the record and
// returned as an unsuccessful outcome.
func (o *Orchestrator) Settle(ctx context.Context, tx *Tx, rec *billing.BillingRecord, opts SettleOptions) (*payments.Outcome, error) {
	out, err := o.chain.Settle(ctx, tx.Repo, tx.Customer, rec, opts.Description, opts.Trigger)
	if err != nil {
		return nil, err
	}
	tx.noteOutcome(out)

	if out.Success {
		if err := o.AfterPaid(ctx, tx, out.Record, opts.Reconciliation); err != nil {
			return nil, err
		}
		return out, nil
	}

	if rec.Type == billing.RecordTypeUsage && tx.Customer.GracePeriodStartedAt == nil {
		started := tx.Now
		tx.Customer.GracePeriodStartedAt = &started
		if err := tx.saveCustomer(ctx); err != nil {
			return nil, err
		}
		o.logger.WithCustomer(tx.Customer.ID, opts.Trigger).
			WithField("billing_record_id", rec.ID).
			Warn("Grace period started")
	}
	return out, nil
}

// AfterPaid applies the effects of a record becoming paid: services waiting
// on it are released, the customer is marked as paying, a reconciliation
// credit is issued when requested, grace is cleared once nothing is
// outstanding and the open draft is recomputed.
func (o *Orchestrator) AfterPaid(ctx context.Context, tx *Tx, rec *billing.BillingRecord, reconciliation bool) error {
	customer := tx.Customer
	services, err := tx.Repo.ListServices(ctx, customer.ID)
	if err != nil {
		return err
	}

	var released []*billing.ServiceInstance
	for _, svc := range services {
		if svc.SubPendingInvoiceID == nil || *svc.SubPendingInvoiceID != rec.ID {
			continue
		}
		svc.SubPendingInvoiceID = nil
		svc.PaidOnce = true
		if svc.State != billing.ServiceStateCancelled {
			svc.IsUserEnabled = true
			svc.State = billing.ServiceStateEnabled
		}
		if err := tx.Repo.UpdateService(ctx, svc); err != nil {
			return err
		}
		released = append(released, svc)
	}

	customer.PaidOnce = true
	customer.CurrentPeriodChargedCents += rec.AmountCents

	if reconciliation && rec.Type == billing.RecordTypeSubscription && len(released) > 0 {
		o.secondary(ctx, tx, "reconciliation_credit", func() error {
			return o.issueReconciliationCredit(ctx, tx, rec, released)
		})
	}

	outstanding, err := tx.Repo.ListOutstandingRecords(ctx, customer.ID)
	if err != nil {
		return err
	}
	if len(outstanding) == 0 && customer.InGracePeriod() {
		customer.GracePeriodStartedAt = nil
		customer.GraceNotifiedAt = nil
		for _, svc := range services {
			if svc.State != billing.ServiceStateSuspended {
				continue
			}
			svc.State = svc.RestoredState()
			if err := tx.Repo.UpdateService(ctx, svc); err != nil {
				return err
			}
		}
		o.logger.WithCustomer(customer.ID, "after_paid").Info("Grace period cleared")
	}
	if err := tx.saveCustomer(ctx); err != nil {
		return err
	}

	o.secondary(ctx, tx, "draft_recompute", func() error {
		return o.recomputeDraft(ctx, tx)
	})

	paid, err := tx.Repo.GetRecord(ctx, rec.ID)
	if err != nil {
		return err
	}
	settlements, err := tx.Repo.ListPayments(ctx, rec.ID)
	if err != nil {
		return err
	}
	tx.paid = append(tx.paid, billing.PaidInvoice{Record: paid, Payments: settlements})
	return nil
}

func (o *Orchestrator) issueReconciliationCredit(ctx context.Context, tx *Tx, rec *billing.BillingRecord, released []*billing.ServiceInstance) error {
	basis := rec.CreatedAt
	if o.config.ProrationBasis == ProrationReconciliationDate {
		basis = tx.Now
	}

	var credit int64
	for _, svc := range released {
		for _, item := range rec.LineItems {
			if item.ServiceType == svc.ServiceType && item.Kind == billing.LineItemSubscription {
				credit += billing.Prorate(item.AmountCents, basis, tx.Now).CreditCents
			}
		}
	}
	if credit <= 0 {
		return nil
	}

	recordID := rec.ID
	if err := tx.Repo.IssueCredit(ctx, &billing.CustomerCredit{
		CustomerID:          tx.Customer.ID,
		Reason:              billing.CreditReasonProration,
		Description:         fmt.Sprintf("Proration for %s from %s", rec.InvoiceNumber, basis.Format("2006-01-02")),
		OriginalAmountCents: credit,
		BillingRecordID:     &recordID,
	}); err != nil {
		return err
	}
	o.logger.WithCustomer(tx.Customer.ID, "reconciliation_credit").WithFields(map[string]interface{}{
		"billing_record_id": rec.ID,
		"amount_cents":      credit,
		"basis":             string(o.config.ProrationBasis),
	}).Info("Proration credit issued")
	return nil
}

// secondary runs fn in a savepoint and alerts instead of failing
func (o *Orchestrator) secondary(ctx context.Context, tx *Tx, effect string, fn func() error) {
	if err := tx.Repo.Savepoint(ctx, effect, fn); err != nil {
		o.logger.WithCustomer(tx.Customer.ID, effect).WithError(err).Error("Secondary effect failed")
		o.alerts.Raise(ctx, notify.NewAlert(notify.KindSecondaryEffectFailed, effect+" failed after settlement").
			ForCustomer(tx.Customer.ID).
			With("effect", effect).
			WithError(err))
	}
}

// ReconcileOutstanding re-attempts the customer's unpaid records. Failed
// records are reopened only when the customer drove the reconciliation;
// pending records are retried when customer driven or once their backoff
// has elapsed. It returns the records that became paid.
func (o *Orchestrator) ReconcileOutstanding(ctx context.Context, tx *Tx, trigger string, customerDriven bool) ([]*billing.BillingRecord, error) {
	records, err := tx.Repo.ListOutstandingRecords(ctx, tx.Customer.ID)
	if err != nil {
		return nil, err
	}

	var paid []*billing.BillingRecord
	for _, rec := range records {
		if rec.Status == billing.RecordStatusFailed {
			if !customerDriven {
				continue
			}
			if err := tx.Repo.ReopenRecord(ctx, rec.ID); err != nil {
				return nil, err
			}
			if rec, err = tx.Repo.GetRecord(ctx, rec.ID); err != nil {
				return nil, err
			}
		} else if !customerDriven && !o.retry.Due(rec.RetryCount, rec.LastRetryAt, tx.Now) {
			continue
		}

		out, err := o.Settle(ctx, tx, rec, SettleOptions{
			Description:    "Invoice " + rec.InvoiceNumber,
			Trigger:        trigger,
			Reconciliation: true,
		})
		if err != nil {
			return nil, err
		}
		if out.Success {
			paid = append(paid, out.Record)
		}
	}
	return paid, nil
}
