package subscriptions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/notify"
)

func TestUpdateSpendingLimit(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.orch.UpdateSpendingLimit(ctx, f.customerID, 999)
	assert.True(t, billing.IsKind(err, billing.KindValidation))
	assert.Equal(t, billing.CodeSpendingLimit, billing.CodeOf(err))
	assert.Zero(t, f.escrow.Limit(account))

	c, err := f.orch.UpdateSpendingLimit(ctx, f.customerID, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), c.SpendingLimitCents)
	assert.Equal(t, int64(5000), f.escrow.Limit(account))

	stored, err := f.store.GetCustomer(ctx, f.customerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), stored.SpendingLimitCents)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.escrow.SetBalance(account, 2000)

	_, err := f.orch.Withdraw(ctx, f.customerID, 0)
	assert.Equal(t, billing.CodeInvalidAmount, billing.CodeOf(err))

	c, err := f.orch.Withdraw(ctx, f.customerID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), c.CurrentBalanceCents)

	_, err = f.orch.Withdraw(ctx, f.customerID, 5000)
	assert.True(t, billing.IsKind(err, billing.KindConflict))

	stored, err := f.store.GetCustomer(ctx, f.customerID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), stored.CurrentBalanceCents)
}

func TestWithdraw_RequiresEscrowAccount(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.mutateCustomer(t, func(c *billing.Customer) { c.EscrowAccount = "" })

	_, err := f.orch.Withdraw(context.Background(), f.customerID, 100)
	assert.Equal(t, "escrow_unavailable", billing.CodeOf(err))
}

func TestEscrowTransfer_CommitFailureAlerts(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		transfer  func(f *fixture) error
		reference string
		balance   int64
	}{
		{
			name: "deposit",
			transfer: func(f *fixture) error {
				_, err := f.orch.Deposit(ctx, f.customerID, 700)
				return err
			},
			reference: "escrow:deposit:" + account + ":700",
			balance:   1700,
		},
		{
			name: "withdraw",
			transfer: func(f *fixture) error {
				_, err := f.orch.Withdraw(ctx, f.customerID, 400)
				return err
			},
			reference: "escrow:withdraw:" + account + ":400",
			balance:   600,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			f.escrow.SetBalance(account, 1000)
			f.store.FailNextCommit(errors.New("connection reset"))

			require.Error(t, tt.transfer(f))

			require.Contains(t, f.alerts.Kinds(), notify.KindCommitAfterExternalSettlementFailed)
			alert := f.alerts.Alerts()[len(f.alerts.Alerts())-1]
			assert.Equal(t, f.customerID, alert.CustomerID)
			assert.Equal(t, tt.name, alert.Fields["operation"])
			assert.Equal(t, []string{tt.reference}, alert.Fields["provider_references"])

			// escrow moved the money while the cached balance rolled back
			balance, err := f.escrow.Balance(ctx, account)
			require.NoError(t, err)
			assert.Equal(t, tt.balance, balance)
			assert.Zero(t, f.customer(t).CurrentBalanceCents)
		})
	}
}

func TestLinkEscrowAccount(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.mutateCustomer(t, func(c *billing.Customer) { c.EscrowAccount = "" })
	f.escrow.SetBalance("escrow-new", 4200)

	_, err := f.orch.LinkEscrowAccount(ctx, f.customerID, "")
	assert.True(t, billing.IsKind(err, billing.KindValidation))

	c, err := f.orch.LinkEscrowAccount(ctx, f.customerID, "escrow-new")
	require.NoError(t, err)
	assert.Equal(t, "escrow-new", c.EscrowAccount)
	assert.Equal(t, int64(4200), c.CurrentBalanceCents)

	c, err = f.orch.LinkEscrowAccount(ctx, f.customerID, "escrow-new")
	require.NoError(t, err)
	assert.Equal(t, "escrow-new", c.EscrowAccount)

	_, err = f.orch.LinkEscrowAccount(ctx, f.customerID, "escrow-other")
	assert.True(t, billing.IsKind(err, billing.KindConflict))

	stored, err := f.store.GetCustomer(ctx, f.customerID)
	require.NoError(t, err)
	assert.Equal(t, "escrow-new", stored.EscrowAccount)
}
