package billing

import (
	"time"
)

// ServiceType identifies a product a customer can subscribe to
type ServiceType string

// ServiceState represents the lifecycle state of a service instance
type ServiceState string

const (
	ServiceStateProvisioning ServiceState = "provisioning"
	ServiceStateDisabled     ServiceState = "disabled"
	ServiceStateEnabled      ServiceState = "enabled"
	ServiceStateSuspended    ServiceState = "suspended"
	ServiceStateCancelled    ServiceState = "cancelled"
)

// Customer represents a billing customer and its financial summary
type Customer struct {
	ID                        int64      `json:"id"`
	WalletAddress             string     `json:"wallet_address"`
	EscrowAccount             string     `json:"escrow_account,omitempty"`
	CardCustomerRef           string     `json:"card_customer_ref,omitempty"`
	CurrentBalanceCents       int64      `json:"current_balance_usd_cents"`
	SpendingLimitCents        int64      `json:"spending_limit_usd_cents"`
	CurrentPeriodChargedCents int64      `json:"current_period_charged_usd_cents"`
	CurrentPeriodStart        time.Time  `json:"current_period_start"`
	PaidOnce                  bool       `json:"paid_once"`
	GracePeriodStartedAt      *time.Time `json:"grace_period_started_at,omitempty"`
	GraceNotifiedAt           *time.Time `json:"grace_notified_at,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

// InGracePeriod reports whether the customer has an unresolved failed payment
func (c *Customer) InGracePeriod() bool {
	return c.GracePeriodStartedAt != nil
}

// ServiceInstance represents one subscribed service of a customer
type ServiceInstance struct {
	ID                       int64         `json:"id"`
	CustomerID               int64         `json:"customer_id"`
	ServiceType              ServiceType   `json:"service_type"`
	Tier                     string        `json:"tier"`
	State                    ServiceState  `json:"state"`
	IsUserEnabled            bool          `json:"is_user_enabled"`
	SubPendingInvoiceID      *int64        `json:"sub_pending_invoice_id,omitempty"`
	PaidOnce                 bool          `json:"paid_once"`
	ScheduledTier            *string       `json:"scheduled_tier,omitempty"`
	ScheduledEffectiveDate   *time.Time    `json:"scheduled_effective_date,omitempty"`
	CancellationScheduledFor *time.Time    `json:"cancellation_scheduled_for,omitempty"`
	CancelledAt              *time.Time    `json:"cancelled_at,omitempty"`
	APIKeyFingerprint        string        `json:"api_key_fingerprint,omitempty"`
	Config                   ServiceConfig `json:"config"`
	CreatedAt                time.Time     `json:"created_at"`
	UpdatedAt                time.Time     `json:"updated_at"`
}

// HasPendingInvoice reports whether an unpaid subscription invoice blocks enablement
func (s *ServiceInstance) HasPendingInvoice() bool {
	return s.SubPendingInvoiceID != nil
}

// IsCancelling reports whether a cancellation is scheduled but not yet effective
func (s *ServiceInstance) IsCancelling() bool {
	return s.CancellationScheduledFor != nil && s.State != ServiceStateCancelled
}

// IsActive reports whether the instance still counts as a live subscription
func (s *ServiceInstance) IsActive() bool {
	return s.State != ServiceStateCancelled
}

// RestoredState is the state a suspended or newly paid service returns to
func (s *ServiceInstance) RestoredState() ServiceState {
	if s.IsUserEnabled {
		return ServiceStateEnabled
	}
	return ServiceStateDisabled
}

// RecordStatus represents the status of a billing record
type RecordStatus string

const (
	RecordStatusDraft   RecordStatus = "draft"
	RecordStatusPending RecordStatus = "pending"
	RecordStatusPaid    RecordStatus = "paid"
	RecordStatusFailed  RecordStatus = "failed"
	RecordStatusVoided  RecordStatus = "voided"
)

// RecordType distinguishes immediate charges from period invoices
type RecordType string

const (
	// RecordTypeSubscription is an immediate charge created by subscribe or a tier upgrade
	RecordTypeSubscription RecordType = "subscription"
	// RecordTypeUsage is a period invoice built from the customer's draft
	RecordTypeUsage RecordType = "usage"
)

var recordTransitions = map[RecordStatus][]RecordStatus{
	RecordStatusDraft:   {RecordStatusPending, RecordStatusVoided},
	RecordStatusPending: {RecordStatusPaid, RecordStatusFailed, RecordStatusVoided},
	RecordStatusFailed:  {RecordStatusPending, RecordStatusPaid, RecordStatusVoided},
}

// CanTransition reports whether a billing record may move from one status to another
func CanTransition(from, to RecordStatus) bool {
	for _, next := range recordTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LineItemKind classifies a line on an invoice
type LineItemKind string

const (
	LineItemSubscription LineItemKind = "subscription"
	LineItemUpgrade      LineItemKind = "upgrade"
	LineItemUsage        LineItemKind = "usage"
)

// LineItem represents one charge on a billing record
type LineItem struct {
	ID              int64        `json:"id"`
	BillingRecordID int64        `json:"billing_record_id"`
	Kind            LineItemKind `json:"kind"`
	ServiceType     ServiceType  `json:"service_type,omitempty"`
	Description     string       `json:"description"`
	AmountCents     int64        `json:"amount_usd_cents"`
	CreatedAt       time.Time    `json:"created_at"`
}

// BillingRecord represents an invoice
type BillingRecord struct {
	ID               int64        `json:"id"`
	CustomerID       int64        `json:"customer_id"`
	Type             RecordType   `json:"type"`
	Status           RecordStatus `json:"status"`
	AmountCents      int64        `json:"amount_usd_cents"`
	AmountPaidCents  int64        `json:"amount_paid_usd_cents"`
	PeriodStart      time.Time    `json:"billing_period_start"`
	PeriodEnd        time.Time    `json:"billing_period_end"`
	RetryCount       int          `json:"retry_count"`
	// AttemptCount counts every charge attempt and is never reset
	AttemptCount     int          `json:"attempt_count"`
	LastCardIntentID string       `json:"-"`
	LastRetryAt      *time.Time   `json:"last_retry_at,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	PaymentActionURL string       `json:"payment_action_url,omitempty"`
	InvoiceNumber    string       `json:"invoice_number"`
	PaidAt           *time.Time   `json:"paid_at,omitempty"`
	LineItems        []LineItem   `json:"line_items,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// RemainingCents returns the unpaid part of the record
func (r *BillingRecord) RemainingCents() int64 {
	remaining := r.AmountCents - r.AmountPaidCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsSettled reports whether the record no longer accepts payments
func (r *BillingRecord) IsSettled() bool {
	return r.Status == RecordStatusPaid || r.Status == RecordStatusVoided
}

// LineItemsTotal sums the record's line items
func (r *BillingRecord) LineItemsTotal() int64 {
	var total int64
	for _, item := range r.LineItems {
		total += item.AmountCents
	}
	return total
}

// PaymentSource identifies where a settlement came from
type PaymentSource string

const (
	PaymentSourceCredit PaymentSource = "credit"
	PaymentSourceEscrow PaymentSource = "escrow"
	PaymentSourceStripe PaymentSource = "stripe"
	PaymentSourcePaypal PaymentSource = "paypal"
)

// InvoicePayment is an append-only settlement against a billing record
type InvoicePayment struct {
	ID                  int64         `json:"id"`
	BillingRecordID     int64         `json:"billing_record_id"`
	SourceType          PaymentSource `json:"source_type"`
	AmountCents         int64         `json:"amount_usd_cents"`
	ProviderReferenceID string        `json:"provider_reference_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// CreditReason explains why a credit was granted
type CreditReason string

const (
	CreditReasonPromotional CreditReason = "promotional"
	CreditReasonProration   CreditReason = "reconciliation_proration"
	CreditReasonGoodwill    CreditReason = "goodwill"
)

// CustomerCredit is a non-cash balance consumed before any paid source
type CustomerCredit struct {
	ID                   int64        `json:"id"`
	CustomerID           int64        `json:"customer_id"`
	Reason               CreditReason `json:"reason"`
	Description          string       `json:"description"`
	OriginalAmountCents  int64        `json:"original_amount_usd_cents"`
	RemainingAmountCents int64        `json:"remaining_amount_usd_cents"`
	BillingRecordID      *int64       `json:"billing_record_id,omitempty"`
	ExpiresAt            *time.Time   `json:"expires_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
}

// AvailableAt reports whether the credit can still be consumed at the given time
func (c *CustomerCredit) AvailableAt(now time.Time) bool {
	if c.RemainingAmountCents <= 0 {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

// PaymentMethodStatus represents whether a stored payment method may be charged
type PaymentMethodStatus string

const (
	PaymentMethodActive  PaymentMethodStatus = "active"
	PaymentMethodRevoked PaymentMethodStatus = "revoked"
)

// PaymentMethod is a stored card or alternative payment method
type PaymentMethod struct {
	ID                int64               `json:"id"`
	CustomerID        int64               `json:"customer_id"`
	ProviderType      PaymentSource       `json:"provider_type"`
	ProviderMethodRef string              `json:"provider_method_ref"`
	Priority          int                 `json:"priority"`
	Status            PaymentMethodStatus `json:"status"`
	CreatedAt         time.Time           `json:"created_at"`
}

// WebhookEvent is an entry in the provider event idempotency ledger
type WebhookEvent struct {
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Processed   bool       `json:"processed"`
	Payload     []byte     `json:"payload"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// PaidInvoice is a settled record with its payments, handed to post-commit consumers
type PaidInvoice struct {
	Record   *BillingRecord    `json:"record"`
	Payments []*InvoicePayment `json:"payments"`
}
