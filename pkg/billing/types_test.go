package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RecordStatus
		want     bool
	}{
		{RecordStatusDraft, RecordStatusPending, true},
		{RecordStatusDraft, RecordStatusPaid, false},
		{RecordStatusPending, RecordStatusPaid, true},
		{RecordStatusPending, RecordStatusFailed, true},
		{RecordStatusFailed, RecordStatusPending, true},
		{RecordStatusFailed, RecordStatusPaid, true},
		{RecordStatusPending, RecordStatusVoided, true},
		{RecordStatusPaid, RecordStatusVoided, false},
		{RecordStatusPaid, RecordStatusPending, false},
		{RecordStatusVoided, RecordStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestBillingRecordAmounts(t *testing.T) {
	r := &BillingRecord{
		AmountCents:     1000,
		AmountPaidCents: 400,
		LineItems: []LineItem{
			{AmountCents: 700},
			{AmountCents: 300},
		},
	}
	assert.Equal(t, int64(600), r.RemainingCents())
	assert.Equal(t, int64(1000), r.LineItemsTotal())

	r.AmountPaidCents = 1200
	assert.Equal(t, int64(0), r.RemainingCents())
}

func TestServiceInstanceHelpers(t *testing.T) {
	pending := int64(7)
	s := &ServiceInstance{State: ServiceStateDisabled, SubPendingInvoiceID: &pending}
	assert.True(t, s.HasPendingInvoice())
	assert.False(t, s.IsCancelling())
	assert.Equal(t, ServiceStateDisabled, s.RestoredState())

	when := date(2024, time.March, 1)
	s.CancellationScheduledFor = &when
	assert.True(t, s.IsCancelling())

	s.State = ServiceStateCancelled
	assert.False(t, s.IsCancelling())
	assert.False(t, s.IsActive())

	s.IsUserEnabled = true
	assert.Equal(t, ServiceStateEnabled, s.RestoredState())
}

func TestCustomerCreditAvailableAt(t *testing.T) {
	now := date(2024, time.March, 10)
	expired := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&CustomerCredit{RemainingAmountCents: 10}).AvailableAt(now))
	assert.True(t, (&CustomerCredit{RemainingAmountCents: 10, ExpiresAt: &future}).AvailableAt(now))
	assert.False(t, (&CustomerCredit{RemainingAmountCents: 10, ExpiresAt: &expired}).AvailableAt(now))
	assert.False(t, (&CustomerCredit{RemainingAmountCents: 0}).AvailableAt(now))
}
