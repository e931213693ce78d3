package subscriptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/payments"
	"github.com/platinummonkey/tollgate/pkg/payments/paymentstest"
)

func issued(recs []*billing.BillingRecord) []*billing.BillingRecord {
	var out []*billing.BillingRecord
	for _, r := range recs {
		if r.Status != billing.RecordStatusDraft {
			out = append(out, r)
		}
	}
	return out
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("paid from escrow", func(t *testing.T) {
		keys := &fakeKeys{}
		f := newFixture(t, fixtureOptions{orch: []Option{WithKeyIssuer(keys)}})
		f.escrow.SetBalance(account, 5000)

		res, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		require.NoError(t, err)
		assert.True(t, res.Paid)
		assert.False(t, res.Existing)
		assert.Equal(t, "tg_live_rpc_pro", res.APIKey)
		assert.Equal(t, billing.ServiceStateEnabled, res.Service.State)
		assert.True(t, res.Service.IsUserEnabled)
		assert.True(t, res.Service.PaidOnce)
		assert.Nil(t, res.Service.SubPendingInvoiceID)
		assert.Len(t, res.Service.APIKeyFingerprint, 16)
		assert.Equal(t, billing.RecordStatusPaid, res.Record.Status)

		c := f.customer(t)
		assert.True(t, c.PaidOnce)
		assert.Equal(t, int64(3000), c.CurrentPeriodChargedCents)
		assert.Equal(t, 1, keys.issued)

		draft := f.draft(t)
		require.Len(t, draft.LineItems, 1)
		assert.Equal(t, "rpc pro tier renewal 2024-03", draft.LineItems[0].Description)
	})

	t.Run("free tier needs no payment", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		res, err := f.orch.Subscribe(ctx, f.customerID, rpc, "free", billing.ServiceConfig{})
		require.NoError(t, err)
		assert.True(t, res.Paid)
		assert.Nil(t, res.Record)
		assert.Equal(t, billing.ServiceStateEnabled, res.Service.State)
		assert.Empty(t, f.escrow.Calls())
	})

	t.Run("declined charge leaves service disabled with pending invoice", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})

		res, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		require.NoError(t, err)
		assert.False(t, res.Paid)
		require.NotNil(t, res.Record)
		assert.Equal(t, billing.RecordStatusPending, res.Record.Status)
		assert.Equal(t, 1, res.Record.RetryCount)
		assert.NotEmpty(t, res.Record.FailureReason)

		svc := f.service(t, rpc)
		assert.Equal(t, billing.ServiceStateDisabled, svc.State)
		require.NotNil(t, svc.SubPendingInvoiceID)
		assert.Equal(t, res.Record.ID, *svc.SubPendingInvoiceID)
		assert.Nil(t, f.customer(t).GracePeriodStartedAt)
	})

	t.Run("invalid config is rejected before any write", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		rps := 500
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{RequestsPerSecond: &rps})
		require.Error(t, err)
		assert.True(t, billing.IsKind(err, billing.KindValidation))
		assert.Empty(t, f.records(t))
	})

	t.Run("unknown tier", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "gold", billing.ServiceConfig{})
		assert.Equal(t, billing.CodeUnknownTier, billing.CodeOf(err))
	})

	t.Run("spending limit", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.escrow.SetBalance(account, 5000)
		f.mutateCustomer(t, func(c *billing.Customer) { c.SpendingLimitCents = 2000 })

		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		assert.Equal(t, billing.CodeSpendingLimit, billing.CodeOf(err))
		assert.Empty(t, f.escrow.Calls())
	})

	t.Run("concurrent requests charge once", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.escrow.SetBalance(account, 30000)

		var wg sync.WaitGroup
		results := make([]*SubscribeResult, 8)
		errs := make([]error, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
			}(i)
		}
		wg.Wait()

		created := 0
		for i := range results {
			require.NoError(t, errs[i])
			if !results[i].Existing {
				created++
			}
		}
		assert.Equal(t, 1, created)
		assert.Len(t, f.escrow.Calls(), 1)
		assert.Len(t, issued(f.records(t)), 1)
	})

	t.Run("resubscribe after cancellation reuses the instance", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.escrow.SetBalance(account, 10000)
		first, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		require.NoError(t, err)
		_, err = f.orch.ScheduleCancellation(ctx, f.customerID, rpc)
		require.NoError(t, err)
		f.clock.Set(time.Date(2024, time.March, 1, 1, 0, 0, 0, time.UTC))
		_, err = f.orch.ApplyDueSchedules(ctx, f.customerID)
		require.NoError(t, err)

		again, err := f.orch.Subscribe(ctx, f.customerID, rpc, "starter", billing.ServiceConfig{})
		require.NoError(t, err)
		assert.False(t, again.Existing)
		assert.Equal(t, first.Service.ID, again.Service.ID)
		assert.Equal(t, "starter", again.Service.Tier)
		assert.Equal(t, billing.ServiceStateEnabled, again.Service.State)
		assert.Nil(t, again.Service.CancelledAt)
	})
}

func TestSetUserEnabled(t *testing.T) {
	ctx := context.Background()

	t.Run("toggle", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "free", billing.ServiceConfig{})
		require.NoError(t, err)

		svc, err := f.orch.SetUserEnabled(ctx, f.customerID, rpc, false)
		require.NoError(t, err)
		assert.Equal(t, billing.ServiceStateDisabled, svc.State)
		assert.False(t, svc.IsUserEnabled)

		svc, err = f.orch.SetUserEnabled(ctx, f.customerID, rpc, true)
		require.NoError(t, err)
		assert.Equal(t, billing.ServiceStateEnabled, svc.State)
	})

	t.Run("not subscribed", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.SetUserEnabled(ctx, f.customerID, rpc, true)
		assert.Equal(t, billing.CodeNotSubscribed, billing.CodeOf(err))
	})

	t.Run("pending invoice", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		require.NoError(t, err)

		_, err = f.orch.SetUserEnabled(ctx, f.customerID, rpc, true)
		assert.Equal(t, billing.CodePaymentPending, billing.CodeOf(err))
		assert.True(t, billing.IsKind(err, billing.KindConflict))

		f.escrow.SetBalance(account, 3000)
		_, err = f.orch.SetUserEnabled(ctx, f.customerID, rpc, true)
		assert.Equal(t, billing.CodeReconcileRequired, billing.CodeOf(err))
		assert.Equal(t, billing.ServiceStateDisabled, f.service(t, rpc).State)
	})

	t.Run("pending invoice carries the action url", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.attachCard(t)
		f.card.ChargeFunc = paymentstest.RequireAction("https://pay.example.com/3ds")

		res, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		require.NoError(t, err)
		assert.Equal(t, "https://pay.example.com/3ds", res.PaymentActionURL)

		_, err = f.orch.SetUserEnabled(ctx, f.customerID, rpc, true)
		var berr *billing.Error
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, billing.CodePaymentPending, berr.Code)
		assert.Equal(t, "https://pay.example.com/3ds", berr.ActionURL)
	})
}

func TestChangeTier(t *testing.T) {
	ctx := context.Background()

	t.Run("upgrade charges the prorated difference", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.escrow.SetBalance(account, 900+1449)
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "starter", billing.ServiceConfig{})
		require.NoError(t, err)

		res, err := f.orch.ChangeTier(ctx, f.customerID, rpc, "pro")
		require.NoError(t, err)
		assert.True(t, res.Immediate)
		assert.Equal(t, "pro", res.Service.Tier)
		require.NotNil(t, res.Record)
		assert.Equal(t, int64(1449), res.Record.AmountCents)
		assert.Equal(t, billing.RecordStatusPaid, res.Record.Status)
		assert.Equal(t, billing.LineItemUpgrade, res.Record.LineItems[0].Kind)
		assert.Equal(t, int64(900+1449), f.customer(t).CurrentPeriodChargedCents)
	})

	t.Run("declined upgrade leaves nothing behind", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.escrow.SetBalance(account, 900)
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "starter", billing.ServiceConfig{})
		require.NoError(t, err)

		_, err = f.orch.ChangeTier(ctx, f.customerID, rpc, "pro")
		require.Error(t, err)
		assert.True(t, billing.IsKind(err, billing.KindPaymentDeclined))

		assert.Equal(t, "starter", f.service(t, rpc).Tier)
		assert.Len(t, issued(f.records(t)), 1)
		assert.Equal(t, int64(900), f.customer(t).CurrentPeriodChargedCents)
	})

	t.Run("upgrade waiting on card action cancels the intent", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.attachCard(t)
		f.escrow.SetBalance(account, 900)
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "starter", billing.ServiceConfig{})
		require.NoError(t, err)

		f.card.ChargeFunc = paymentstest.RequireAction("https://pay.example.com/3ds")
		_, err = f.orch.ChangeTier(ctx, f.customerID, rpc, "pro")
		require.Error(t, err)
		assert.True(t, billing.IsKind(err, billing.KindPaymentDeclined))
		assert.Len(t, f.card.Cancelled(), 1)
		assert.Equal(t, "starter", f.service(t, rpc).Tier)
	})

	t.Run("downgrade is scheduled then applied", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.escrow.SetBalance(account, 3000)
		ips := []string{"10.0.0.1", "10.0.0.2"}
		rps := 80
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{RequestsPerSecond: &rps, IPAllowlist: ips})
		require.NoError(t, err)

		res, err := f.orch.ChangeTier(ctx, f.customerID, rpc, "starter")
		require.NoError(t, err)
		assert.False(t, res.Immediate)
		assert.Equal(t, "pro", res.Service.Tier)
		require.NotNil(t, res.Service.ScheduledTier)
		assert.Equal(t, "starter", *res.Service.ScheduledTier)
		assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), *res.Service.ScheduledEffectiveDate)

		draft := f.draft(t)
		require.Len(t, draft.LineItems, 1)
		assert.Equal(t, int64(900), draft.LineItems[0].AmountCents)

		applied, err := f.orch.ApplyDueSchedules(ctx, f.customerID)
		require.NoError(t, err)
		assert.Zero(t, applied)

		f.clock.Set(time.Date(2024, time.March, 1, 0, 5, 0, 0, time.UTC))
		applied, err = f.orch.ApplyDueSchedules(ctx, f.customerID)
		require.NoError(t, err)
		assert.Equal(t, 1, applied)

		svc := f.service(t, rpc)
		assert.Equal(t, "starter", svc.Tier)
		assert.Nil(t, svc.ScheduledTier)
		assert.Equal(t, 20, *svc.Config.RequestsPerSecond)
		assert.Nil(t, svc.Config.IPAllowlist)
	})

	t.Run("clear scheduled change", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.escrow.SetBalance(account, 3000)
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		require.NoError(t, err)
		_, err = f.orch.ChangeTier(ctx, f.customerID, rpc, "starter")
		require.NoError(t, err)

		svc, err := f.orch.ClearScheduledTierChange(ctx, f.customerID, rpc)
		require.NoError(t, err)
		assert.Nil(t, svc.ScheduledTier)
		assert.Equal(t, int64(3000), f.draft(t).AmountCents)

		_, err = f.orch.ClearScheduledTierChange(ctx, f.customerID, rpc)
		assert.Equal(t, billing.CodeNoScheduledChange, billing.CodeOf(err))
	})

	t.Run("rejections", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.ChangeTier(ctx, f.customerID, rpc, "pro")
		assert.Equal(t, billing.CodeNotSubscribed, billing.CodeOf(err))

		_, err = f.orch.Subscribe(ctx, f.customerID, rpc, "starter", billing.ServiceConfig{})
		require.NoError(t, err)
		_, err = f.orch.ChangeTier(ctx, f.customerID, rpc, "pro")
		assert.Equal(t, billing.CodePaymentPending, billing.CodeOf(err))

		_, err = f.orch.ChangeTier(ctx, f.customerID, rpc, "starter")
		assert.Equal(t, billing.CodePaymentPending, billing.CodeOf(err))
	})

	t.Run("same tier", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "free", billing.ServiceConfig{})
		require.NoError(t, err)
		_, err = f.orch.ChangeTier(ctx, f.customerID, rpc, "free")
		assert.Equal(t, billing.CodeSameTier, billing.CodeOf(err))
	})
}

func TestCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	f.escrow.SetBalance(account, 3000)
	_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
	require.NoError(t, err)

	svc, err := f.orch.ScheduleCancellation(ctx, f.customerID, rpc)
	require.NoError(t, err)
	march := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, march, *svc.CancellationScheduledFor)
	assert.Empty(t, f.draft(t).LineItems)

	f.clock.Advance(24 * time.Hour)
	svc, err = f.orch.ScheduleCancellation(ctx, f.customerID, rpc)
	require.NoError(t, err)
	assert.Equal(t, march, *svc.CancellationScheduledFor)

	_, err = f.orch.UndoCancellation(ctx, f.customerID, rpc)
	require.NoError(t, err)
	assert.Len(t, f.draft(t).LineItems, 1)

	_, err = f.orch.UndoCancellation(ctx, f.customerID, rpc)
	assert.Equal(t, billing.CodeNoCancellation, billing.CodeOf(err))

	_, err = f.orch.ScheduleCancellation(ctx, f.customerID, rpc)
	require.NoError(t, err)
	f.clock.Set(march.Add(time.Hour))
	applied, err := f.orch.ApplyDueSchedules(ctx, f.customerID)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	svc = f.service(t, rpc)
	assert.Equal(t, billing.ServiceStateCancelled, svc.State)
	assert.False(t, svc.IsUserEnabled)
	require.NotNil(t, svc.CancelledAt)
	assert.Nil(t, svc.CancellationScheduledFor)

	_, err = f.orch.UndoCancellation(ctx, f.customerID, rpc)
	assert.Equal(t, billing.CodeCancellationInEffect, billing.CodeOf(err))
	_, err = f.orch.ScheduleCancellation(ctx, f.customerID, rpc)
	assert.Equal(t, billing.CodeServiceCancelled, billing.CodeOf(err))
	_, err = f.orch.SetUserEnabled(ctx, f.customerID, rpc, true)
	assert.Equal(t, billing.CodeServiceCancelled, billing.CodeOf(err))
}

func TestCanProvisionService(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown service", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.CanProvisionService(ctx, f.customerID, "storage")
		assert.Equal(t, billing.CodeUnknownService, billing.CodeOf(err))
	})

	t.Run("recently cancelled", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "free", billing.ServiceConfig{})
		require.NoError(t, err)
		_, err = f.orch.ScheduleCancellation(ctx, f.customerID, rpc)
		require.NoError(t, err)
		f.clock.Set(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))
		_, err = f.orch.ApplyDueSchedules(ctx, f.customerID)
		require.NoError(t, err)

		e, err := f.orch.CanProvisionService(ctx, f.customerID, rpc)
		require.NoError(t, err)
		assert.False(t, e.Allowed)
		assert.Equal(t, ReasonRecentlyCancelled, e.Reason)

		e, err = f.orch.CanProvisionService(ctx, f.customerID, indexer)
		require.NoError(t, err)
		assert.True(t, e.Allowed)

		f.clock.Advance(8 * 24 * time.Hour)
		e, err = f.orch.CanProvisionService(ctx, f.customerID, rpc)
		require.NoError(t, err)
		assert.True(t, e.Allowed)
	})

	t.Run("outstanding failed record", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{chain: []payments.ChainOption{payments.WithMaxRetries(1)}})
		res, err := f.orch.Subscribe(ctx, f.customerID, rpc, "pro", billing.ServiceConfig{})
		require.NoError(t, err)
		require.Equal(t, billing.RecordStatusFailed, res.Record.Status)

		e, err := f.orch.CanProvisionService(ctx, f.customerID, indexer)
		require.NoError(t, err)
		assert.Equal(t, ReasonOutstandingBalance, e.Reason)
	})

	t.Run("subscription churn", func(t *testing.T) {
		config := DefaultConfig()
		config.MaxSubscriptionsPerDay = 1
		f := newFixture(t, fixtureOptions{config: &config})
		_, err := f.orch.Subscribe(ctx, f.customerID, rpc, "free", billing.ServiceConfig{})
		require.NoError(t, err)

		e, err := f.orch.CanProvisionService(ctx, f.customerID, indexer)
		require.NoError(t, err)
		assert.False(t, e.Allowed)
		assert.Equal(t, ReasonSubscriptionChurn, e.Reason)

		f.clock.Advance(25 * time.Hour)
		e, err = f.orch.CanProvisionService(ctx, f.customerID, indexer)
		require.NoError(t, err)
		assert.True(t, e.Allowed)
	})
}
