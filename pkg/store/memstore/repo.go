package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/store"
)

// repo is the Repository handed to one locked operation
type repo struct {
	s    *Store
	undo []func()
}

// put replaces m[k] and logs how to restore it
func put[K comparable, V any](r *repo, m map[K]*V, k K, v *V) {
	prev, existed := m[k]
	r.undo = append(r.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func (r *repo) rollbackTo(mark int) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.undo) - 1; i >= mark; i-- {
		r.undo[i]()
	}
	r.undo = r.undo[:mark]
}

func (r *repo) now() time.Time {
	return r.s.clock.Now()
}

// Savepoint implements store.Repository
func (r *repo) Savepoint(ctx context.Context, name string, fn func() error) error {
	mark := len(r.undo)
	if err := fn(); err != nil {
		r.rollbackTo(mark)
		return err
	}
	return nil
}

func (r *repo) GetCustomer(ctx context.Context, id int64) (*billing.Customer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.getCustomer(id)
}

func (r *repo) UpdateCustomer(ctx context.Context, c *billing.Customer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.customers[c.ID]
	if !ok {
		return billing.NotFound("customer")
	}
	updated := cloneCustomer(c)
	updated.WalletAddress = existing.WalletAddress
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = r.now()
	put(r, r.s.customers, c.ID, updated)
	return nil
}

// Services

func (r *repo) GetService(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, svc := range r.s.services {
		if svc.CustomerID == customerID && svc.ServiceType == serviceType {
			return cloneService(svc), nil
		}
	}
	return nil, billing.NotFound("service")
}

func (r *repo) ListServices(ctx context.Context, customerID int64) ([]*billing.ServiceInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.listServices(customerID), nil
}

func (r *repo) CreateService(ctx context.Context, s *billing.ServiceInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, svc := range r.s.services {
		if svc.CustomerID == s.CustomerID && svc.ServiceType == s.ServiceType {
			return fmt.Errorf("failed to create service: %w",
				billing.Conflict("service_exists", "customer already has an instance of this service"))
		}
	}
	if err := checkService(s); err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	now := r.now()
	s.ID = r.s.nextID()
	s.CreatedAt = now
	s.UpdatedAt = now
	put(r, r.s.services, s.ID, cloneService(s))
	return nil
}

func (r *repo) UpdateService(ctx context.Context, s *billing.ServiceInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.services[s.ID]
	if !ok {
		return billing.NotFound("service")
	}
	if err := checkService(s); err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	updated := cloneService(s)
	updated.CustomerID = existing.CustomerID
	updated.ServiceType = existing.ServiceType
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = r.now()
	put(r, r.s.services, s.ID, updated)
	return nil
}

func (r *repo) CountServicesCreatedSince(ctx context.Context, customerID int64, since time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, svc := range r.s.services {
		if svc.CustomerID == customerID && !svc.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Billing records

func (r *repo) GetRecord(ctx context.Context, id int64) (*billing.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.records[id]
	if !ok {
		return nil, billing.NotFound("billing record")
	}
	return cloneRecord(rec), nil
}

func (r *repo) GetDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.getDraft(customerID)
}

func (r *repo) OpenOrGetDraft(ctx context.Context, customerID int64, periodStart, periodEnd time.Time) (*billing.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if draft, err := r.s.getDraft(customerID); err == nil {
		return draft, nil
	}
	rec := &billing.BillingRecord{
		CustomerID:  customerID,
		Type:        billing.RecordTypeUsage,
		Status:      billing.RecordStatusDraft,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	if err := r.insertRecord(rec); err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// insertRecord assigns an id and a unique invoice number. Callers hold s.mu.
func (r *repo) insertRecord(rec *billing.BillingRecord) error {
	if rec.Status == billing.RecordStatusDraft {
		if _, err := r.s.getDraft(rec.CustomerID); err == nil {
			return fmt.Errorf("failed to insert billing record: customer %d already has a draft", rec.CustomerID)
		}
	}
	number := ""
	for attempt := 0; attempt < r.s.maxInsertAttempts; attempt++ {
		candidate := r.s.ids.InvoiceNumber(rec.PeriodStart)
		if _, taken := r.s.invoices[candidate]; !taken {
			number = candidate
			break
		}
	}
	if number == "" {
		return fmt.Errorf("failed to insert billing record: %w: invoice number collided %d times",
			billing.ErrIDSpaceExhausted, r.s.maxInsertAttempts)
	}

	now := r.now()
	rec.ID = r.s.nextID()
	rec.InvoiceNumber = number
	rec.CreatedAt = now
	rec.UpdatedAt = now
	for i := range rec.LineItems {
		r.stampLineItem(rec.ID, &rec.LineItems[i])
	}
	r.s.invoices[number] = rec.ID
	r.undo = append(r.undo, func() { delete(r.s.invoices, number) })
	put(r, r.s.records, rec.ID, cloneRecord(rec))
	return nil
}

func (r *repo) stampLineItem(recordID int64, item *billing.LineItem) {
	item.ID = r.s.nextID()
	item.BillingRecordID = recordID
	item.CreatedAt = r.now()
}

// mutateRecord applies fn to a copy of the record when allowed reports true
// for its status, otherwise returns conflict.
func (r *repo) mutateRecord(id int64, allowed func(billing.RecordStatus) bool, conflict error, fn func(*billing.BillingRecord)) (*billing.BillingRecord, error) {
	rec, ok := r.s.records[id]
	if !ok || !allowed(rec.Status) {
		return nil, conflict
	}
	updated := cloneRecord(rec)
	fn(updated)
	updated.UpdatedAt = r.now()
	put(r, r.s.records, id, updated)
	return cloneRecord(updated), nil
}

func statusIn(statuses ...billing.RecordStatus) func(billing.RecordStatus) bool {
	return func(s billing.RecordStatus) bool {
		for _, candidate := range statuses {
			if s == candidate {
				return true
			}
		}
		return false
	}
}

func (r *repo) AppendLineItem(ctx context.Context, recordID int64, item *billing.LineItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.mutateRecord(recordID, statusIn(billing.RecordStatusDraft),
		billing.Conflict("record_not_draft", "line items can only be added to a draft"),
		func(rec *billing.BillingRecord) {
			r.stampLineItem(recordID, item)
			rec.LineItems = append(rec.LineItems, *item)
			rec.AmountCents += item.AmountCents
		})
	return err
}

func (r *repo) ReplaceLineItems(ctx context.Context, recordID int64, items []billing.LineItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.mutateRecord(recordID, statusIn(billing.RecordStatusDraft),
		billing.Conflict("record_not_draft", "line items can only be replaced on a draft"),
		func(rec *billing.BillingRecord) {
			rec.LineItems = rec.LineItems[:0]
			rec.AmountCents = 0
			for i := range items {
				r.stampLineItem(recordID, &items[i])
				rec.LineItems = append(rec.LineItems, items[i])
				rec.AmountCents += items[i].AmountCents
			}
		})
	return err
}

func (r *repo) CreatePendingRecord(ctx context.Context, rec *billing.BillingRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec.Status = billing.RecordStatusPending
	if rec.AmountCents == 0 {
		rec.AmountCents = rec.LineItemsTotal()
	}
	return r.insertRecord(rec)
}

func (r *repo) FinalizeDraft(ctx context.Context, recordID int64) (*billing.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.mutateRecord(recordID, statusIn(billing.RecordStatusDraft),
		billing.Conflict("record_not_draft", "only a draft can be finalized"),
		func(rec *billing.BillingRecord) { rec.Status = billing.RecordStatusPending })
}

func (r *repo) MarkPaid(ctx context.Context, recordID, amountPaidCents int64, source billing.PaymentSource, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.records[recordID]
	if !ok {
		return false, billing.NotFound("billing record")
	}
	if rec.Status == billing.RecordStatusPaid {
		return false, nil
	}
	_, err := r.mutateRecord(recordID, statusIn(billing.RecordStatusPending, billing.RecordStatusFailed),
		billing.Conflict("invalid_transition", fmt.Sprintf("cannot mark a %s record paid", rec.Status)),
		func(rec *billing.BillingRecord) {
			paidAt := at
			rec.Status = billing.RecordStatusPaid
			rec.AmountPaidCents = amountPaidCents
			rec.PaidAt = &paidAt
			rec.FailureReason = ""
			rec.PaymentActionURL = ""
		})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repo) MarkFailed(ctx context.Context, recordID int64, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.mutateRecord(recordID, statusIn(billing.RecordStatusPending),
		billing.Conflict("invalid_transition", "only a pending record can fail"),
		func(rec *billing.BillingRecord) {
			rec.Status = billing.RecordStatusFailed
			rec.FailureReason = reason
		})
	return err
}

func (r *repo) RecordChargeAttempt(ctx context.Context, recordID int64, attempt store.ChargeAttempt) (*billing.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.mutateRecord(recordID, statusIn(billing.RecordStatusPending),
		billing.Conflict("invalid_transition", "charge attempts are only recorded on pending records"),
		func(rec *billing.BillingRecord) {
			at := attempt.At
			rec.RetryCount++
			rec.AttemptCount++
			rec.LastRetryAt = &at
			if attempt.CardIntentID != "" {
				rec.LastCardIntentID = attempt.CardIntentID
			}
			rec.FailureReason = attempt.FailureReason
			rec.PaymentActionURL = attempt.ActionURL
			if attempt.MaxRetries > 0 && rec.RetryCount >= attempt.MaxRetries {
				rec.Status = billing.RecordStatusFailed
			}
		})
}

func (r *repo) SetPaymentActionURL(ctx context.Context, recordID int64, url string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.mutateRecord(recordID, statusIn(billing.RecordStatusPending, billing.RecordStatusFailed),
		billing.Conflict("invalid_transition", "record is not awaiting payment"),
		func(rec *billing.BillingRecord) { rec.PaymentActionURL = url })
	return err
}

func (r *repo) ReopenRecord(ctx context.Context, recordID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.mutateRecord(recordID, statusIn(billing.RecordStatusFailed),
		billing.Conflict("invalid_transition", "only a failed record can be reopened"),
		func(rec *billing.BillingRecord) {
			rec.Status = billing.RecordStatusPending
			rec.RetryCount = 0
		})
	return err
}

func (r *repo) Void(ctx context.Context, recordID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, err := r.mutateRecord(recordID,
		statusIn(billing.RecordStatusDraft, billing.RecordStatusPending, billing.RecordStatusFailed),
		billing.Conflict("invalid_transition", "paid or voided records cannot be voided"),
		func(rec *billing.BillingRecord) { rec.Status = billing.RecordStatusVoided })
	return err
}

func (r *repo) ListOutstandingRecords(ctx context.Context, customerID int64) ([]*billing.BillingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	recs := r.s.filterRecords(func(rec *billing.BillingRecord) bool {
		return rec.CustomerID == customerID &&
			(rec.Status == billing.RecordStatusPending || rec.Status == billing.RecordStatusFailed)
	})
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// Payments and credits

func (r *repo) AddPayment(ctx context.Context, p *billing.InvoicePayment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p.ProviderReferenceID != "" {
		for _, existing := range r.s.payments {
			if existing.SourceType == p.SourceType && existing.ProviderReferenceID == p.ProviderReferenceID {
				return fmt.Errorf("failed to insert invoice payment: duplicate provider reference %s", p.ProviderReferenceID)
			}
		}
	}
	_, err := r.mutateRecord(p.BillingRecordID, statusIn(billing.RecordStatusPending, billing.RecordStatusFailed),
		billing.Conflict("record_not_payable", "payments can only be applied to pending or failed records"),
		func(rec *billing.BillingRecord) { rec.AmountPaidCents += p.AmountCents })
	if err != nil {
		return err
	}
	p.ID = r.s.nextID()
	p.CreatedAt = r.now()
	put(r, r.s.payments, p.ID, clonePayment(p))
	return nil
}

func (r *repo) ListPayments(ctx context.Context, recordID int64) ([]*billing.InvoicePayment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*billing.InvoicePayment
	for _, p := range r.s.payments {
		if p.BillingRecordID == recordID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) PaymentExists(ctx context.Context, source billing.PaymentSource, providerRef string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payments {
		if p.SourceType == source && p.ProviderReferenceID == providerRef {
			return true, nil
		}
	}
	return false, nil
}

func (r *repo) ListAvailableCredits(ctx context.Context, customerID int64, asOf time.Time) ([]*billing.CustomerCredit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*billing.CustomerCredit
	for _, c := range r.s.credits {
		if c.CustomerID == customerID && c.AvailableAt(asOf) {
			out = append(out, cloneCredit(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *repo) ConsumeCredit(ctx context.Context, creditID, amountCents int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credits[creditID]
	if !ok || c.RemainingAmountCents < amountCents {
		return billing.Conflict("credit_insufficient", "credit balance is lower than the amount consumed")
	}
	updated := cloneCredit(c)
	updated.RemainingAmountCents -= amountCents
	put(r, r.s.credits, creditID, updated)
	return nil
}

func (r *repo) IssueCredit(ctx context.Context, c *billing.CustomerCredit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.BillingRecordID != nil {
		for _, existing := range r.s.credits {
			if existing.BillingRecordID != nil && *existing.BillingRecordID == *c.BillingRecordID && existing.Reason == c.Reason {
				return fmt.Errorf("failed to issue credit: %s credit for record %d already exists", c.Reason, *c.BillingRecordID)
			}
		}
	}
	if c.RemainingAmountCents == 0 {
		c.RemainingAmountCents = c.OriginalAmountCents
	}
	c.ID = r.s.nextID()
	c.CreatedAt = r.now()
	put(r, r.s.credits, c.ID, cloneCredit(c))
	return nil
}

func (r *repo) ListPaymentMethods(ctx context.Context, customerID int64) ([]*billing.PaymentMethod, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*billing.PaymentMethod
	for _, pm := range r.s.methods {
		if pm.CustomerID == customerID && pm.Status == billing.PaymentMethodActive {
			out = append(out, cloneMethod(pm))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *repo) UpsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.methods {
		if existing.CustomerID == pm.CustomerID && existing.ProviderType == pm.ProviderType &&
			existing.ProviderMethodRef == pm.ProviderMethodRef {
			updated := cloneMethod(existing)
			updated.Priority = pm.Priority
			updated.Status = pm.Status
			put(r, r.s.methods, id, updated)
			pm.ID = id
			pm.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	pm.ID = r.s.nextID()
	pm.CreatedAt = r.now()
	put(r, r.s.methods, pm.ID, cloneMethod(pm))
	return nil
}

// Webhook events

func (r *repo) GetWebhookEvent(ctx context.Context, eventID string) (*billing.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.getWebhookEvent(eventID)
}

func (r *repo) MarkWebhookEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[eventID]
	if !ok {
		return billing.NotFound("webhook event")
	}
	updated := cloneEvent(ev)
	processedAt := at
	updated.Processed = true
	updated.ProcessedAt = &processedAt
	put(r, r.s.events, eventID, updated)
	return nil
}
