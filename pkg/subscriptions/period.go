package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/notify"
)

// RecomputeDraft rebuilds the open draft from current usage and next-period renewals
func (o *Orchestrator) RecomputeDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error) {
	var draft *billing.BillingRecord
	err := o.Locked(ctx, customerID, "recompute_draft", func(ctx context.Context, tx *Tx) error {
		if err := o.recomputeDraft(ctx, tx); err != nil {
			return err
		}
		var err error
		draft, err = tx.Repo.GetDraft(ctx, customerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

func (o *Orchestrator) recomputeDraft(ctx context.Context, tx *Tx) error {
	draft, err := tx.Repo.OpenOrGetDraft(ctx, tx.Customer.ID, billing.PeriodStart(tx.Now), billing.NextPeriodStart(tx.Now))
	if err != nil {
		return err
	}
	items, err := o.draftItems(ctx, tx, draft)
	if err != nil {
		return err
	}
	return tx.Repo.ReplaceLineItems(ctx, draft.ID, items)
}

// draftItems lists usage for the draft's period and renewals for the period after it
func (o *Orchestrator) draftItems(ctx context.Context, tx *Tx, draft *billing.BillingRecord) ([]billing.LineItem, error) {
	items := []billing.LineItem{}
	period := draft.PeriodStart.Format("2006-01")

	if o.usage != nil {
		usage, err := o.usage.UsageChargePreview(ctx, tx.Customer.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to preview usage: %w", err)
		}
		types := make([]billing.ServiceType, 0, len(usage.PerService))
		for st := range usage.PerService {
			types = append(types, st)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, st := range types {
			if amount := usage.PerService[st]; amount > 0 {
				items = append(items, billing.LineItem{
					Kind:        billing.LineItemUsage,
					ServiceType: st,
					Description: fmt.Sprintf("%s usage %s", st, period),
					AmountCents: amount,
				})
			}
		}
	}

	next := draft.PeriodEnd
	catalog := o.pricing.Current()
	services, err := tx.Repo.ListServices(ctx, tx.Customer.ID)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if !renews(svc, next) {
			continue
		}
		tierName := svc.Tier
		if svc.ScheduledTier != nil && svc.ScheduledEffectiveDate != nil && !svc.ScheduledEffectiveDate.After(next) {
			tierName = *svc.ScheduledTier
		}
		price, err := catalog.Price(svc.ServiceType, tierName)
		if err != nil {
			return nil, err
		}
		if price == 0 {
			continue
		}
		items = append(items, billing.LineItem{
			Kind:        billing.LineItemSubscription,
			ServiceType: svc.ServiceType,
			Description: fmt.Sprintf("%s %s tier renewal %s", svc.ServiceType, tierName, next.Format("2006-01")),
			AmountCents: price,
		})
	}
	return items, nil
}

// renews reports whether a service is billed for the period starting at next
func renews(svc *billing.ServiceInstance, next time.Time) bool {
	switch svc.State {
	case billing.ServiceStateCancelled, billing.ServiceStateProvisioning, billing.ServiceStateSuspended:
		return false
	}
	if svc.HasPendingInvoice() {
		return false
	}
	return svc.CancellationScheduledFor == nil || svc.CancellationScheduledFor.After(next)
}

// ApplyDueSchedules applies downgrades and cancellations whose date has passed
func (o *Orchestrator) ApplyDueSchedules(ctx context.Context, customerID int64) (int, error) {
	applied := 0
	err := o.Locked(ctx, customerID, "apply_schedules", func(ctx context.Context, tx *Tx) error {
		var err error
		if applied, err = o.applyDueSchedules(ctx, tx); err != nil {
			return err
		}
		if applied > 0 {
			o.secondary(ctx, tx, "draft_recompute", func() error { return o.recomputeDraft(ctx, tx) })
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (o *Orchestrator) applyDueSchedules(ctx context.Context, tx *Tx) (int, error) {
	services, err := tx.Repo.ListServices(ctx, tx.Customer.ID)
	if err != nil {
		return 0, err
	}
	due := func(t *time.Time) bool { return t != nil && !t.After(tx.Now) }

	applied := 0
	for _, svc := range services {
		if svc.State == billing.ServiceStateCancelled {
			continue
		}
		logger := o.logger.WithCustomer(tx.Customer.ID, "apply_schedules").WithField("service_type", string(svc.ServiceType))

		switch {
		case due(svc.CancellationScheduledFor):
			cancelledAt := tx.Now
			svc.State = billing.ServiceStateCancelled
			svc.IsUserEnabled = false
			svc.CancelledAt = &cancelledAt
			svc.CancellationScheduledFor = nil
			svc.ScheduledTier = nil
			svc.ScheduledEffectiveDate = nil
			logger.Info("Service cancelled")
		case svc.ScheduledTier != nil && due(svc.ScheduledEffectiveDate):
			tier, err := o.pricing.Current().Tier(svc.ServiceType, *svc.ScheduledTier)
			if err != nil {
				return applied, err
			}
			logger.WithFields(map[string]interface{}{"from": svc.Tier, "to": tier.Name}).Info("Scheduled tier applied")
			svc.Tier = tier.Name
			svc.Config = svc.Config.ClampTo(tier.Limits)
			svc.ScheduledTier = nil
			svc.ScheduledEffectiveDate = nil
		default:
			continue
		}
		if err := tx.Repo.UpdateService(ctx, svc); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// ClosePeriod finalizes and charges the draft of a finished period, then
// opens the draft for the current one. It returns the closed record, nil
// when no earlier period was open.
func (o *Orchestrator) ClosePeriod(ctx context.Context, customerID int64) (*billing.BillingRecord, error) {
	var closed *billing.BillingRecord
	err := o.Locked(ctx, customerID, "close_period", func(ctx context.Context, tx *Tx) error {
		periodStart := billing.PeriodStart(tx.Now)
		if _, err := o.applyDueSchedules(ctx, tx); err != nil {
			return err
		}

		if tx.Customer.CurrentPeriodStart.Before(periodStart) {
			tx.Customer.CurrentPeriodStart = periodStart
			tx.Customer.CurrentPeriodChargedCents = 0
			if err := tx.saveCustomer(ctx); err != nil {
				return err
			}
		}

		draft, err := tx.Repo.GetDraft(ctx, customerID)
		if err != nil && !errors.Is(err, billing.ErrNotFound) {
			return err
		}
		if draft != nil && draft.PeriodStart.Before(periodStart) {
			if closed, err = o.closeDraft(ctx, tx, draft); err != nil {
				return err
			}
		}

		if _, err := tx.Repo.OpenOrGetDraft(ctx, customerID, periodStart, billing.NextPeriodStart(tx.Now)); err != nil {
			return err
		}
		o.secondary(ctx, tx, "draft_recompute", func() error { return o.recomputeDraft(ctx, tx) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	if closed != nil {
		o.logger.WithCustomer(customerID, "close_period").WithFields(map[string]interface{}{
			"billing_record_id": closed.ID,
			"amount_cents":      closed.AmountCents,
			"status":            string(closed.Status),
		}).Info("Billing period closed")
	}
	return closed, nil
}

func (o *Orchestrator) closeDraft(ctx context.Context, tx *Tx, draft *billing.BillingRecord) (*billing.BillingRecord, error) {
	items, err := o.draftItems(ctx, tx, draft)
	if err != nil {
		return nil, err
	}
	if err := tx.Repo.ReplaceLineItems(ctx, draft.ID, items); err != nil {
		return nil, err
	}
	rec, err := tx.Repo.FinalizeDraft(ctx, draft.ID)
	if err != nil {
		return nil, err
	}

	if rec.AmountCents == 0 {
		if _, err := tx.Repo.MarkPaid(ctx, rec.ID, 0, billing.PaymentSourceCredit, tx.Now); err != nil {
			return nil, err
		}
		paid, err := tx.Repo.GetRecord(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if err := o.AfterPaid(ctx, tx, paid, false); err != nil {
			return nil, err
		}
		return paid, nil
	}

	out, err := o.Settle(ctx, tx, rec, SettleOptions{
		Description: "Invoice " + rec.InvoiceNumber,
		Trigger:     "period_close",
	})
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

// EnforceGracePeriod suspends enabled services once the customer's grace
// period has run out. It returns the number of services suspended.
func (o *Orchestrator) EnforceGracePeriod(ctx context.Context, customerID int64) (int, error) {
	suspended := 0
	err := o.Locked(ctx, customerID, "enforce_grace", func(ctx context.Context, tx *Tx) error {
		started := tx.Customer.GracePeriodStartedAt
		if started == nil || tx.Now.Before(started.AddDate(0, 0, o.config.GracePeriodDays)) {
			return nil
		}
		services, err := tx.Repo.ListServices(ctx, customerID)
		if err != nil {
			return err
		}
		for _, svc := range services {
			if svc.State != billing.ServiceStateEnabled {
				continue
			}
			svc.State = billing.ServiceStateSuspended
			if err := tx.Repo.UpdateService(ctx, svc); err != nil {
				return err
			}
			suspended++
		}
		if suspended == 0 {
			return nil
		}
		notified := tx.Now
		tx.Customer.GraceNotifiedAt = &notified
		return tx.saveCustomer(ctx)
	})
	if err != nil {
		return 0, err
	}
	if suspended > 0 {
		o.alerts.Raise(ctx, notify.NewAlert(notify.KindServicesSuspended, "grace period expired, services suspended").
			ForCustomer(customerID).
			With("suspended", suspended))
	}
	return suspended, nil
}
