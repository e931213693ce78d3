package payments

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/store"
)

const (
	// DefaultMaxChargeRetries moves a record to failed after this many attempts
	DefaultMaxChargeRetries = 3

	// ReasonNoPaymentSource is recorded when nothing could cover the remainder
	ReasonNoPaymentSource = "no_payment_source"
	// ReasonRequiresAction is recorded when the card needs customer action
	ReasonRequiresAction = "requires_action"
)

// Metadata keys attached to provider charges so webhooks can find the record
const (
	MetadataBillingRecordID = "billing_record_id"
	MetadataCustomerID      = "customer_id"
)

// Outcome is the result of running the waterfall once
type Outcome struct {
	Success       bool
	AmountSettled int64
	Payments      []*billing.InvoicePayment
	ActionURL     string
	CardIntentID  string
	FailureReason string
	// Record is the billing record after Settle recorded the outcome
	Record *billing.BillingRecord
}

// PaidVia returns the source of the last settlement
func (o *Outcome) PaidVia() billing.PaymentSource {
	if len(o.Payments) == 0 {
		return billing.PaymentSourceCredit
	}
	return o.Payments[len(o.Payments)-1].SourceType
}

// Chain runs the credit, escrow and card stages in order
type Chain struct {
	escrow     Escrow
	card       CardCharger
	clock      billing.Clock
	delay      billing.DelayInjector
	logger     *observability.Logger
	metrics    *observability.Metrics
	maxRetries int
}

// ChainOption configures a Chain
type ChainOption func(*Chain)

// WithClock sets the time source
func WithClock(c billing.Clock) ChainOption {
	return func(ch *Chain) { ch.clock = c }
}

// WithDelayInjector pauses before each provider call
func WithDelayInjector(d billing.DelayInjector) ChainOption {
	return func(ch *Chain) { ch.delay = d }
}

// WithMetrics records charge attempts
func WithMetrics(m *observability.Metrics) ChainOption {
	return func(ch *Chain) { ch.metrics = m }
}

// WithMaxRetries sets the attempt cap after which a record fails
func WithMaxRetries(n int) ChainOption {
	return func(ch *Chain) { ch.maxRetries = n }
}

// NewChain creates a chain. A nil escrow or card client disables that stage.
func NewChain(escrow Escrow, card CardCharger, logger *observability.Logger, opts ...ChainOption) *Chain {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	ch := &Chain{
		escrow:     escrow,
		card:       card,
		clock:      billing.SystemClock{},
		delay:      billing.NoDelay{},
		logger:     logger,
		maxRetries: DefaultMaxChargeRetries,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Escrow returns the escrow client, nil when escrow is disabled
func (c *Chain) Escrow() Escrow {
	return c.escrow
}

// Card returns the card client, nil when cards are disabled
func (c *Chain) Card() CardCharger {
	return c.card
}

// IdempotencyKey is the provider key for one attempt on a record. It is
// stable across a rolled back transaction and changes with every recorded
// attempt, including after a failed record is reopened.
func IdempotencyKey(rec *billing.BillingRecord) string {
	return fmt.Sprintf("inv-%d-%d", rec.ID, rec.AttemptCount)
}

// Charge settles as much of the record's unpaid amount as the sources allow.
// Consumed credit stays applied when later stages fail. Escrow and card
// stages either cover the whole remainder or settle nothing.
func (c *Chain) Charge(ctx context.Context, repo store.Repository, customer *billing.Customer, rec *billing.BillingRecord, description string) (out *Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "payments.Charge",
		attribute.Int64("customer.id", customer.ID),
		attribute.Int64("billing_record.id", rec.ID))
	defer func() { observability.EndSpan(span, err) }()

	out = &Outcome{}
	remaining := rec.RemainingCents()
	if remaining == 0 {
		out.Success = true
		return out, nil
	}

	settled, err := c.chargeCredit(ctx, repo, customer, rec, remaining)
	if err != nil {
		return nil, err
	}
	out.Payments = append(out.Payments, settled...)
	for _, p := range settled {
		out.AmountSettled += p.AmountCents
		remaining -= p.AmountCents
	}

	if remaining > 0 && c.escrow != nil && customer.EscrowAccount != "" {
		p, reason, err := c.chargeEscrow(ctx, repo, customer, rec, remaining, description)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out.Payments = append(out.Payments, p)
			out.AmountSettled += p.AmountCents
			remaining = 0
		} else {
			out.FailureReason = reason
		}
	}

	if remaining > 0 && c.card != nil && customer.CardCustomerRef != "" {
		p, res, err := c.chargeCard(ctx, repo, customer, rec, remaining, description)
		if err != nil {
			return nil, err
		}
		switch {
		case p != nil:
			out.Payments = append(out.Payments, p)
			out.AmountSettled += p.AmountCents
			remaining = 0
		case res != nil && res.Status == CardRequiresAction:
			out.ActionURL = res.ActionURL
			out.CardIntentID = res.IntentID
			out.FailureReason = ReasonRequiresAction
		case res != nil:
			out.CardIntentID = res.IntentID
			out.FailureReason = res.FailureReason
		}
	}

	out.Success = remaining == 0
	if !out.Success && out.FailureReason == "" {
		out.FailureReason = ReasonNoPaymentSource
	}
	return out, nil
}

func (c *Chain) chargeCredit(ctx context.Context, repo store.Repository, customer *billing.Customer, rec *billing.BillingRecord, remaining int64) ([]*billing.InvoicePayment, error) {
	credits, err := repo.ListAvailableCredits(ctx, customer.ID, c.clock.Now())
	if err != nil {
		return nil, err
	}
	var applied int64
	for _, credit := range credits {
		if applied == remaining {
			break
		}
		take := min(credit.RemainingAmountCents, remaining-applied)
		if err := repo.ConsumeCredit(ctx, credit.ID, take); err != nil {
			return nil, err
		}
		applied += take
	}
	if applied == 0 {
		return nil, nil
	}

	p := &billing.InvoicePayment{
		BillingRecordID: rec.ID,
		SourceType:      billing.PaymentSourceCredit,
		AmountCents:     applied,
	}
	if err := repo.AddPayment(ctx, p); err != nil {
		return nil, err
	}
	c.metrics.ChargeAttempt(string(billing.PaymentSourceCredit), "settled", applied)
	return []*billing.InvoicePayment{p}, nil
}

func (c *Chain) chargeEscrow(ctx context.Context, repo store.Repository, customer *billing.Customer, rec *billing.BillingRecord, amount int64, description string) (*billing.InvoicePayment, string, error) {
	source := string(billing.PaymentSourceEscrow)
	if err := c.delay.Delay(ctx, "escrow_charge"); err != nil {
		return nil, "", err
	}

	ctx, span := observability.StartSpan(ctx, "payments.escrow.Charge", attribute.Int64("amount_cents", amount))
	res, err := c.escrow.Charge(ctx, customer.EscrowAccount, amount, description, IdempotencyKey(rec))
	observability.EndSpan(span, err)
	if err != nil {
		c.metrics.ChargeAttempt(source, "error", 0)
		return nil, "", fmt.Errorf("failed to charge escrow: %w", err)
	}
	if res.Status != EscrowSettled {
		c.metrics.ChargeAttempt(source, "declined", 0)
		c.logger.WithCustomer(customer.ID, "charge").WithFields(map[string]interface{}{
			"billing_record_id": rec.ID,
			"amount_cents":      amount,
			"reason":            res.FailureReason,
		}).Warn("Escrow charge declined")
		return nil, res.FailureReason, nil
	}

	p := &billing.InvoicePayment{
		BillingRecordID:     rec.ID,
		SourceType:          billing.PaymentSourceEscrow,
		AmountCents:         amount,
		ProviderReferenceID: res.Reference,
	}
	if err := repo.AddPayment(ctx, p); err != nil {
		return nil, "", err
	}
	c.metrics.ChargeAttempt(source, "settled", amount)
	return p, "", nil
}

func (c *Chain) chargeCard(ctx context.Context, repo store.Repository, customer *billing.Customer, rec *billing.BillingRecord, amount int64, description string) (*billing.InvoicePayment, *CardCharge, error) {
	source := string(billing.PaymentSourceStripe)
	methods, err := repo.ListPaymentMethods(ctx, customer.ID)
	if err != nil {
		return nil, nil, err
	}
	var method *billing.PaymentMethod
	for _, pm := range methods {
		if pm.ProviderType == billing.PaymentSourceStripe {
			method = pm
			break
		}
	}
	if method == nil {
		return nil, nil, nil
	}
	if err := c.delay.Delay(ctx, "card_charge"); err != nil {
		return nil, nil, err
	}

	ctx, span := observability.StartSpan(ctx, "payments.card.ChargeOffSession", attribute.Int64("amount_cents", amount))
	res, err := c.card.ChargeOffSession(ctx, CardChargeRequest{
		CustomerRef:      customer.CardCustomerRef,
		PaymentMethodRef: method.ProviderMethodRef,
		AmountCents:      amount,
		Description:      description,
		IdempotencyKey:   IdempotencyKey(rec),
		Metadata: map[string]string{
			MetadataBillingRecordID: strconv.FormatInt(rec.ID, 10),
			MetadataCustomerID:      strconv.FormatInt(customer.ID, 10),
		},
	})
	observability.EndSpan(span, err)
	if err != nil {
		c.metrics.ChargeAttempt(source, "error", 0)
		return nil, nil, fmt.Errorf("failed to charge card: %w", err)
	}

	logger := c.logger.WithCustomer(customer.ID, "charge").WithFields(map[string]interface{}{
		"billing_record_id": rec.ID,
		"amount_cents":      amount,
		"intent_id":         res.IntentID,
	})
	switch res.Status {
	case CardSucceeded:
	case CardRequiresAction:
		c.metrics.ChargeAttempt(source, "action_required", 0)
		logger.Warn("Card charge requires customer action")
		return nil, res, nil
	default:
		c.metrics.ChargeAttempt(source, "declined", 0)
		logger.WithField("reason", res.FailureReason).Warn("Card charge declined")
		return nil, res, nil
	}

	p := &billing.InvoicePayment{
		BillingRecordID:     rec.ID,
		SourceType:          billing.PaymentSourceStripe,
		AmountCents:         amount,
		ProviderReferenceID: res.IntentID,
	}
	if err := repo.AddPayment(ctx, p); err != nil {
		return nil, nil, err
	}
	c.metrics.ChargeAttempt(source, "settled", amount)
	return p, res, nil
}

// Settle charges a pending record and writes the result to it: paid on
// success, otherwise one more charge attempt with the failure reason and any
// action URL. Only infrastructure failures return an error.
func (c *Chain) Settle(ctx context.Context, repo store.Repository, customer *billing.Customer, rec *billing.BillingRecord, description, trigger string) (*Outcome, error) {
	out, err := c.Charge(ctx, repo, customer, rec, description)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	logger := c.logger.WithCustomer(customer.ID, trigger).WithFields(map[string]interface{}{
		"billing_record_id": rec.ID,
		"amount_cents":      rec.AmountCents,
	})

	if out.Success {
		marked, err := repo.MarkPaid(ctx, rec.ID, rec.AmountPaidCents+out.AmountSettled, out.PaidVia(), now)
		if err != nil {
			return nil, err
		}
		if marked {
			c.metrics.RecordSettled(string(rec.Type), trigger)
			logger.WithField("paid_via", out.PaidVia()).Info("Billing record paid")
		} else {
			logger.Info("Billing record already paid, nothing to mark")
		}
	} else {
		if _, err := repo.RecordChargeAttempt(ctx, rec.ID, store.ChargeAttempt{
			At:            now,
			FailureReason: out.FailureReason,
			ActionURL:     out.ActionURL,
			CardIntentID:  out.CardIntentID,
			MaxRetries:    c.maxRetries,
		}); err != nil {
			return nil, err
		}
		logger.WithFields(map[string]interface{}{
			"settled_cents": out.AmountSettled,
			"reason":        out.FailureReason,
		}).Warn("Billing record left unpaid")
	}

	out.Record, err = repo.GetRecord(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return out, nil
}
