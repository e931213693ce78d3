package memstore

import (
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func cloneCustomer(c *billing.Customer) *billing.Customer {
	out := *c
	out.GracePeriodStartedAt = cloneTime(c.GracePeriodStartedAt)
	out.GraceNotifiedAt = cloneTime(c.GraceNotifiedAt)
	return &out
}

func cloneService(s *billing.ServiceInstance) *billing.ServiceInstance {
	out := *s
	out.SubPendingInvoiceID = cloneInt64(s.SubPendingInvoiceID)
	out.ScheduledTier = cloneString(s.ScheduledTier)
	out.ScheduledEffectiveDate = cloneTime(s.ScheduledEffectiveDate)
	out.CancellationScheduledFor = cloneTime(s.CancellationScheduledFor)
	out.CancelledAt = cloneTime(s.CancelledAt)
	out.Config = billing.ServiceConfig{
		RequestsPerSecond: cloneInt(s.Config.RequestsPerSecond),
		BurstLimit:        cloneInt(s.Config.BurstLimit),
		MaxAPIKeys:        cloneInt(s.Config.MaxAPIKeys),
		IPAllowlist:       append([]string(nil), s.Config.IPAllowlist...),
	}
	return &out
}

func cloneRecord(r *billing.BillingRecord) *billing.BillingRecord {
	out := *r
	out.LastRetryAt = cloneTime(r.LastRetryAt)
	out.PaidAt = cloneTime(r.PaidAt)
	out.LineItems = append([]billing.LineItem(nil), r.LineItems...)
	return &out
}

func cloneCredit(c *billing.CustomerCredit) *billing.CustomerCredit {
	out := *c
	out.BillingRecordID = cloneInt64(c.BillingRecordID)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	return &out
}

func clonePayment(p *billing.InvoicePayment) *billing.InvoicePayment {
	out := *p
	return &out
}

func cloneMethod(pm *billing.PaymentMethod) *billing.PaymentMethod {
	out := *pm
	return &out
}

func cloneEvent(ev *billing.WebhookEvent) *billing.WebhookEvent {
	out := *ev
	out.Payload = append([]byte(nil), ev.Payload...)
	out.ProcessedAt = cloneTime(ev.ProcessedAt)
	return &out
}
