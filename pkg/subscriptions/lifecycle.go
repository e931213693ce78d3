package subscriptions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/pricing"
)

// Eligibility reasons returned by CanProvisionService
const (
	ReasonRecentlyCancelled  = "recently_cancelled"
	ReasonOutstandingBalance = "outstanding_balance"
	ReasonSubscriptionChurn  = "subscription_churn"
)

// SubscribeResult is returned by Subscribe
type SubscribeResult struct {
	Service          *billing.ServiceInstance `json:"service"`
	Record           *billing.BillingRecord   `json:"billing_record,omitempty"`
	APIKey           string                   `json:"api_key,omitempty"`
	Paid             bool                     `json:"paid"`
	PaymentActionURL string                   `json:"payment_action_url,omitempty"`
	// Existing is set when the customer already had this service
	Existing bool `json:"existing"`
}

// TierChangeResult is returned by ChangeTier
type TierChangeResult struct {
	Service *billing.ServiceInstance `json:"service"`
	// Immediate is set for upgrades, which take effect and are charged now
	Immediate bool                   `json:"immediate"`
	Record    *billing.BillingRecord `json:"billing_record,omitempty"`
}

// Eligibility answers whether a customer may subscribe to a service
type Eligibility struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func notSubscribed(serviceType billing.ServiceType) error {
	return billing.Validationf(billing.CodeNotSubscribed, "not subscribed to %s", serviceType)
}

// getService loads a service, mapping a missing row to a validation error
func getService(ctx context.Context, tx *Tx, serviceType billing.ServiceType) (*billing.ServiceInstance, error) {
	svc, err := tx.Repo.GetService(ctx, tx.Customer.ID, serviceType)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, notSubscribed(serviceType)
	}
	return svc, err
}

func (o *Orchestrator) checkSpendingLimit(tx *Tx, amountCents int64) error {
	limit := tx.Customer.SpendingLimitCents
	if limit > 0 && tx.Customer.CurrentPeriodChargedCents+amountCents > limit {
		return billing.Validationf(billing.CodeSpendingLimit,
			"charge of %s exceeds the remaining spending limit of %s",
			billing.FormatUSD(amountCents), billing.FormatUSD(limit-tx.Customer.CurrentPeriodChargedCents))
	}
	return nil
}

// Subscribe creates a service instance and charges its first month. The
// instance is stored even when the charge fails; it then stays disabled with
// the unpaid record referenced until reconciliation settles it. A customer
// that already holds a live instance gets it back unchanged.
func (o *Orchestrator) Subscribe(ctx context.Context, customerID int64, serviceType billing.ServiceType, tierName string, config billing.ServiceConfig) (*SubscribeResult, error) {
	tier, err := o.pricing.Current().Tier(serviceType, tierName)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(tier.Limits); err != nil {
		return nil, err
	}

	var result *SubscribeResult
	err = o.Locked(ctx, customerID, "subscribe", func(ctx context.Context, tx *Tx) error {
		existing, err := tx.Repo.GetService(ctx, customerID, serviceType)
		switch {
		case err == nil && existing.IsActive():
			result = &SubscribeResult{Service: existing, Existing: true}
			return nil
		case err != nil && !errors.Is(err, billing.ErrNotFound):
			return err
		}

		if err := o.checkSpendingLimit(tx, tier.MonthlyPriceCents); err != nil {
			return err
		}

		svc := existing
		if svc == nil {
			svc = &billing.ServiceInstance{
				CustomerID:  customerID,
				ServiceType: serviceType,
				Tier:        tier.Name,
				State:       billing.ServiceStateProvisioning,
				Config:      config,
			}
			if err := tx.Repo.CreateService(ctx, svc); err != nil {
				return err
			}
		} else {
			resetForResubscribe(svc, tier.Name, config)
		}

		result = &SubscribeResult{}
		if o.keys != nil {
			key, err := o.keys.IssueAPIKey(ctx, customerID, serviceType, KeyOptions{Tier: tier.Name, Limits: tier.Limits})
			if err != nil {
				return fmt.Errorf("failed to issue api key: %w", err)
			}
			result.APIKey = key
			svc.APIKeyFingerprint = fingerprint(key)
		}
		svc.State = billing.ServiceStateDisabled
		svc.IsUserEnabled = false

		if tier.MonthlyPriceCents == 0 {
			svc.State = billing.ServiceStateEnabled
			svc.IsUserEnabled = true
			svc.PaidOnce = true
			result.Paid = true
		} else {
			rec := &billing.BillingRecord{
				CustomerID:  customerID,
				Type:        billing.RecordTypeSubscription,
				AmountCents: tier.MonthlyPriceCents,
				PeriodStart: billing.PeriodStart(tx.Now),
				PeriodEnd:   billing.NextPeriodStart(tx.Now),
				LineItems: []billing.LineItem{{
					Kind:        billing.LineItemSubscription,
					ServiceType: serviceType,
					Description: fmt.Sprintf("%s %s tier", serviceType, tier.Name),
					AmountCents: tier.MonthlyPriceCents,
				}},
			}
			if err := tx.Repo.CreatePendingRecord(ctx, rec); err != nil {
				return err
			}
			// The record must be referenced before settling so AfterPaid releases it.
			svc.SubPendingInvoiceID = &rec.ID
			if err := tx.Repo.UpdateService(ctx, svc); err != nil {
				return err
			}

			out, err := o.Settle(ctx, tx, rec, SettleOptions{
				Description: fmt.Sprintf("%s %s subscription", serviceType, tier.Name),
				Trigger:     "subscribe",
			})
			if err != nil {
				return err
			}
			result.Record = out.Record
			result.Paid = out.Success
			result.PaymentActionURL = out.ActionURL
			if out.Success {
				result.Service, err = tx.Repo.GetService(ctx, customerID, serviceType)
				return err
			}
		}

		if err := tx.Repo.UpdateService(ctx, svc); err != nil {
			return err
		}
		result.Service = svc
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := o.logger.WithCustomer(customerID, "subscribe").WithFields(map[string]interface{}{
		"service_type": string(serviceType),
		"tier":         tier.Name,
		"paid":         result.Paid,
	})
	if result.Existing {
		logger.Debug("Subscription already exists")
	} else {
		logger.Info("Service subscribed")
	}
	return result, nil
}

func resetForResubscribe(svc *billing.ServiceInstance, tier string, config billing.ServiceConfig) {
	svc.Tier = tier
	svc.Config = config
	svc.State = billing.ServiceStateProvisioning
	svc.IsUserEnabled = false
	svc.SubPendingInvoiceID = nil
	svc.ScheduledTier = nil
	svc.ScheduledEffectiveDate = nil
	svc.CancellationScheduledFor = nil
	svc.CancelledAt = nil
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// SetUserEnabled toggles a service on or off. Enabling is refused while the
// subscription invoice is unpaid; when the escrow balance would now cover it
// the error code tells the caller to reconcile first.
func (o *Orchestrator) SetUserEnabled(ctx context.Context, customerID int64, serviceType billing.ServiceType, enabled bool) (*billing.ServiceInstance, error) {
	var svc *billing.ServiceInstance
	err := o.Locked(ctx, customerID, "toggle_service", func(ctx context.Context, tx *Tx) error {
		var err error
		if svc, err = getService(ctx, tx, serviceType); err != nil {
			return err
		}
		if svc.State == billing.ServiceStateCancelled {
			return billing.Validationf(billing.CodeServiceCancelled, "%s is cancelled", serviceType)
		}

		if !enabled {
			svc.IsUserEnabled = false
			if svc.State == billing.ServiceStateEnabled {
				svc.State = billing.ServiceStateDisabled
			}
			return tx.Repo.UpdateService(ctx, svc)
		}

		if svc.HasPendingInvoice() {
			return o.pendingInvoiceError(ctx, tx, *svc.SubPendingInvoiceID)
		}
		if svc.State == billing.ServiceStateSuspended {
			return billing.Validationf(billing.CodeServiceSuspended, "%s is suspended until outstanding invoices are paid", serviceType)
		}
		svc.IsUserEnabled = true
		svc.State = billing.ServiceStateEnabled
		return tx.Repo.UpdateService(ctx, svc)
	})
	if err != nil {
		return nil, err
	}
	o.logger.WithCustomer(customerID, "toggle_service").WithFields(map[string]interface{}{
		"service_type": string(serviceType),
		"enabled":      enabled,
	}).Info("Service toggled")
	return svc, nil
}

func (o *Orchestrator) pendingInvoiceError(ctx context.Context, tx *Tx, recordID int64) error {
	rec, err := tx.Repo.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	escrow := o.chain.Escrow()
	if escrow != nil && tx.Customer.EscrowAccount != "" {
		balance, err := escrow.Balance(ctx, tx.Customer.EscrowAccount)
		if err != nil {
			return fmt.Errorf("failed to read escrow balance: %w", err)
		}
		if balance >= rec.RemainingCents() {
			return billing.Conflict(billing.CodeReconcileRequired, "escrow balance now covers the pending invoice; reconcile to enable")
		}
	}
	pending := billing.Conflict(billing.CodePaymentPending, "subscription invoice "+rec.InvoiceNumber+" is unpaid")
	pending.ActionURL = rec.PaymentActionURL
	return pending
}

// ChangeTier upgrades immediately, charging the prorated difference, or
// schedules a downgrade for the next period. A failed upgrade charge leaves
// no trace: the whole transaction rolls back.
func (o *Orchestrator) ChangeTier(ctx context.Context, customerID int64, serviceType billing.ServiceType, tierName string) (*TierChangeResult, error) {
	catalog := o.pricing.Current()
	target, err := catalog.Tier(serviceType, tierName)
	if err != nil {
		return nil, err
	}

	var result *TierChangeResult
	var pendingIntent string
	err = o.Locked(ctx, customerID, "change_tier", func(ctx context.Context, tx *Tx) error {
		svc, err := getService(ctx, tx, serviceType)
		if err != nil {
			return err
		}
		if err := checkChangeable(svc); err != nil {
			return err
		}
		if svc.Tier == target.Name {
			return billing.Validationf(billing.CodeSameTier, "%s is already on tier %s", serviceType, target.Name)
		}
		current, err := catalog.Tier(serviceType, svc.Tier)
		if err != nil {
			return err
		}

		if target.MonthlyPriceCents <= current.MonthlyPriceCents {
			effective := billing.NextPeriodStart(tx.Now)
			name := target.Name
			svc.ScheduledTier = &name
			svc.ScheduledEffectiveDate = &effective
			if err := tx.Repo.UpdateService(ctx, svc); err != nil {
				return err
			}
			o.secondary(ctx, tx, "draft_recompute", func() error { return o.recomputeDraft(ctx, tx) })
			result = &TierChangeResult{Service: svc}
			return nil
		}

		rec, intent, err := o.chargeUpgrade(ctx, tx, svc, current, target)
		if err != nil {
			pendingIntent = intent
			return err
		}
		svc.Tier = target.Name
		svc.ScheduledTier = nil
		svc.ScheduledEffectiveDate = nil
		if err := tx.Repo.UpdateService(ctx, svc); err != nil {
			return err
		}
		o.secondary(ctx, tx, "draft_recompute", func() error { return o.recomputeDraft(ctx, tx) })
		result = &TierChangeResult{Service: svc, Immediate: true, Record: rec}
		return nil
	})
	if pendingIntent != "" {
		if cancelErr := o.chain.Card().CancelIntent(ctx, pendingIntent); cancelErr != nil {
			o.logger.WithCustomer(customerID, "change_tier").WithError(cancelErr).
				WithField("intent_id", pendingIntent).Warn("Failed to cancel abandoned upgrade intent")
		}
	}
	if err != nil {
		return nil, err
	}

	o.logger.WithCustomer(customerID, "change_tier").WithFields(map[string]interface{}{
		"service_type": string(serviceType),
		"tier":         target.Name,
		"immediate":    result.Immediate,
	}).Info("Tier changed")
	return result, nil
}

func checkChangeable(svc *billing.ServiceInstance) error {
	switch {
	case svc.State == billing.ServiceStateCancelled:
		return billing.Validationf(billing.CodeServiceCancelled, "%s is cancelled", svc.ServiceType)
	case svc.IsCancelling():
		return billing.Validationf(billing.CodeCancellationInEffect, "%s is scheduled for cancellation", svc.ServiceType)
	case svc.HasPendingInvoice():
		return billing.Conflict(billing.CodePaymentPending, "the subscription invoice must be paid before changing tier")
	}
	return nil
}

// chargeUpgrade charges the prorated difference. It returns the card intent
// to cancel when the charge stalled on customer action.
func (o *Orchestrator) chargeUpgrade(ctx context.Context, tx *Tx, svc *billing.ServiceInstance, current, target pricing.Tier) (*billing.BillingRecord, string, error) {
	amount := billing.UpgradeChargeCents(target.MonthlyPriceCents-current.MonthlyPriceCents, tx.Now)
	if err := o.checkSpendingLimit(tx, amount); err != nil {
		return nil, "", err
	}

	rec := &billing.BillingRecord{
		CustomerID:  tx.Customer.ID,
		Type:        billing.RecordTypeSubscription,
		AmountCents: amount,
		PeriodStart: billing.PeriodStart(tx.Now),
		PeriodEnd:   billing.NextPeriodStart(tx.Now),
		LineItems: []billing.LineItem{{
			Kind:        billing.LineItemUpgrade,
			ServiceType: svc.ServiceType,
			Description: fmt.Sprintf("%s upgrade %s to %s, prorated", svc.ServiceType, current.Name, target.Name),
			AmountCents: amount,
		}},
	}
	if err := tx.Repo.CreatePendingRecord(ctx, rec); err != nil {
		return nil, "", err
	}

	out, err := o.chain.Charge(ctx, tx.Repo, tx.Customer, rec, fmt.Sprintf("%s upgrade to %s", svc.ServiceType, target.Name))
	if err != nil {
		return nil, "", err
	}
	tx.noteOutcome(out)
	if !out.Success {
		if out.ActionURL != "" {
			return nil, out.CardIntentID, billing.Declined("upgrade payment requires card authentication; complete it from the invoice page and retry")
		}
		return nil, "", billing.Declined(out.FailureReason)
	}

	if _, err := tx.Repo.MarkPaid(ctx, rec.ID, rec.AmountPaidCents+out.AmountSettled, out.PaidVia(), tx.Now); err != nil {
		return nil, "", err
	}
	paid, err := tx.Repo.GetRecord(ctx, rec.ID)
	if err != nil {
		return nil, "", err
	}
	if err := o.AfterPaid(ctx, tx, paid, false); err != nil {
		return nil, "", err
	}
	return paid, "", nil
}

// ClearScheduledTierChange drops a pending downgrade
func (o *Orchestrator) ClearScheduledTierChange(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error) {
	var svc *billing.ServiceInstance
	err := o.Locked(ctx, customerID, "clear_tier_change", func(ctx context.Context, tx *Tx) error {
		var err error
		if svc, err = getService(ctx, tx, serviceType); err != nil {
			return err
		}
		if svc.ScheduledTier == nil {
			return billing.Validationf(billing.CodeNoScheduledChange, "%s has no scheduled tier change", serviceType)
		}
		svc.ScheduledTier = nil
		svc.ScheduledEffectiveDate = nil
		if err := tx.Repo.UpdateService(ctx, svc); err != nil {
			return err
		}
		o.secondary(ctx, tx, "draft_recompute", func() error { return o.recomputeDraft(ctx, tx) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// ScheduleCancellation ends the service at the start of the next period.
// Scheduling twice keeps the first date.
func (o *Orchestrator) ScheduleCancellation(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error) {
	var svc *billing.ServiceInstance
	err := o.Locked(ctx, customerID, "schedule_cancellation", func(ctx context.Context, tx *Tx) error {
		var err error
		if svc, err = getService(ctx, tx, serviceType); err != nil {
			return err
		}
		if svc.State == billing.ServiceStateCancelled {
			return billing.Validationf(billing.CodeServiceCancelled, "%s is already cancelled", serviceType)
		}
		if svc.IsCancelling() {
			return nil
		}
		effective := billing.NextPeriodStart(tx.Now)
		svc.CancellationScheduledFor = &effective
		if err := tx.Repo.UpdateService(ctx, svc); err != nil {
			return err
		}
		o.secondary(ctx, tx, "draft_recompute", func() error { return o.recomputeDraft(ctx, tx) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.WithCustomer(customerID, "schedule_cancellation").
		WithField("service_type", string(serviceType)).Info("Cancellation scheduled")
	return svc, nil
}

// UndoCancellation clears a scheduled cancellation before it takes effect
func (o *Orchestrator) UndoCancellation(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error) {
	var svc *billing.ServiceInstance
	err := o.Locked(ctx, customerID, "undo_cancellation", func(ctx context.Context, tx *Tx) error {
		var err error
		if svc, err = getService(ctx, tx, serviceType); err != nil {
			return err
		}
		if svc.State == billing.ServiceStateCancelled {
			return billing.Validationf(billing.CodeCancellationInEffect, "%s has already been cancelled", serviceType)
		}
		if svc.CancellationScheduledFor == nil {
			return billing.Validationf(billing.CodeNoCancellation, "%s has no scheduled cancellation", serviceType)
		}
		if !tx.Now.Before(*svc.CancellationScheduledFor) {
			return billing.Validationf(billing.CodeCancellationInEffect, "%s cancellation is already in effect", serviceType)
		}
		svc.CancellationScheduledFor = nil
		if err := tx.Repo.UpdateService(ctx, svc); err != nil {
			return err
		}
		o.secondary(ctx, tx, "draft_recompute", func() error { return o.recomputeDraft(ctx, tx) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// CanProvisionService reports whether a new subscription should be allowed.
// It only reads; callers enforce the answer.
func (o *Orchestrator) CanProvisionService(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*Eligibility, error) {
	if _, ok := serviceOffered(o.pricing.Current(), serviceType); !ok {
		return nil, billing.Validationf(billing.CodeUnknownService, "service %s is not offered", serviceType)
	}

	result := &Eligibility{Allowed: true}
	err := o.Locked(ctx, customerID, "can_provision", func(ctx context.Context, tx *Tx) error {
		svc, err := tx.Repo.GetService(ctx, customerID, serviceType)
		if err != nil && !errors.Is(err, billing.ErrNotFound) {
			return err
		}
		if svc != nil && svc.CancelledAt != nil && tx.Now.Sub(*svc.CancelledAt) < o.config.ResubscribeCooldown {
			result = &Eligibility{Reason: ReasonRecentlyCancelled}
			return nil
		}

		outstanding, err := tx.Repo.ListOutstandingRecords(ctx, customerID)
		if err != nil {
			return err
		}
		for _, rec := range outstanding {
			if rec.Status == billing.RecordStatusFailed {
				result = &Eligibility{Reason: ReasonOutstandingBalance}
				return nil
			}
		}

		if o.config.MaxSubscriptionsPerDay > 0 {
			recent, err := tx.Repo.CountServicesCreatedSince(ctx, customerID, tx.Now.Add(-24*time.Hour))
			if err != nil {
				return err
			}
			if recent >= o.config.MaxSubscriptionsPerDay {
				result = &Eligibility{Reason: ReasonSubscriptionChurn}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func serviceOffered(c *pricing.Catalog, serviceType billing.ServiceType) (pricing.Service, bool) {
	for _, svc := range c.Services() {
		if svc.Type == serviceType {
			return svc, true
		}
	}
	return pricing.Service{}, false
}
