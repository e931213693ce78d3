package subscriptions

import (
	"context"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/payments"
)

// DepositResult is returned by Deposit
type DepositResult struct {
	Customer *billing.Customer       `json:"customer"`
	Paid     []*billing.BillingRecord `json:"paid_records"`
}

func (o *Orchestrator) escrowFor(tx *Tx) (payments.Escrow, error) {
	escrow := o.chain.Escrow()
	if escrow == nil || tx.Customer.EscrowAccount == "" {
		return nil, billing.Validation("escrow_unavailable", "customer has no escrow account")
	}
	return escrow, nil
}

func positive(cents int64) error {
	if cents <= 0 {
		return billing.Validation(billing.CodeInvalidAmount, "amount must be positive")
	}
	return nil
}

// UpdateSpendingLimit pushes a new limit to escrow and stores it
func (o *Orchestrator) UpdateSpendingLimit(ctx context.Context, customerID, limitCents int64) (*billing.Customer, error) {
	if limitCents < o.config.MinSpendingLimitCents {
		return nil, billing.Validationf(billing.CodeSpendingLimit, "spending limit must be at least %s",
			billing.FormatUSD(o.config.MinSpendingLimitCents))
	}

	var customer *billing.Customer
	err := o.Locked(ctx, customerID, "update_spending_limit", func(ctx context.Context, tx *Tx) error {
		if escrow := o.chain.Escrow(); escrow != nil && tx.Customer.EscrowAccount != "" {
			if err := escrow.UpdateSpendingLimit(ctx, tx.Customer.EscrowAccount, limitCents); err != nil {
				return fmt.Errorf("failed to update escrow spending limit: %w", err)
			}
		}
		tx.Customer.SpendingLimitCents = limitCents
		customer = tx.Customer
		return tx.saveCustomer(ctx)
	})
	if err != nil {
		return nil, err
	}
	o.logger.WithCustomer(customerID, "update_spending_limit").
		WithField("limit_cents", limitCents).Info("Spending limit updated")
	return customer, nil
}

// Deposit funds the customer's escrow account and immediately reconciles
// every outstanding record, failed ones included.
func (o *Orchestrator) Deposit(ctx context.Context, customerID, cents int64) (*DepositResult, error) {
	if err := positive(cents); err != nil {
		return nil, err
	}

	result := &DepositResult{}
	err := o.Locked(ctx, customerID, "deposit", func(ctx context.Context, tx *Tx) error {
		escrow, err := o.escrowFor(tx)
		if err != nil {
			return err
		}
		if _, err := escrow.Deposit(ctx, tx.Customer.EscrowAccount, cents); err != nil {
			return fmt.Errorf("failed to deposit to escrow: %w", err)
		}
		tx.NoteExternalSettlement(billing.PaymentSourceEscrow, fmt.Sprintf("deposit:%s:%d", tx.Customer.EscrowAccount, cents))

		if result.Paid, err = o.ReconcileOutstanding(ctx, tx, "deposit", true); err != nil {
			return err
		}

		balance, err := escrow.Balance(ctx, tx.Customer.EscrowAccount)
		if err != nil {
			return fmt.Errorf("failed to read escrow balance: %w", err)
		}
		tx.Customer.CurrentBalanceCents = balance
		result.Customer = tx.Customer
		return tx.saveCustomer(ctx)
	})
	if err != nil {
		return nil, err
	}
	o.logger.WithCustomer(customerID, "deposit").WithFields(map[string]interface{}{
		"amount_cents":  cents,
		"records_paid":  len(result.Paid),
		"balance_cents": result.Customer.CurrentBalanceCents,
	}).Info("Deposit reconciled")
	return result, nil
}

// Withdraw moves funds out of the customer's escrow account
func (o *Orchestrator) Withdraw(ctx context.Context, customerID, cents int64) (*billing.Customer, error) {
	if err := positive(cents); err != nil {
		return nil, err
	}

	var customer *billing.Customer
	err := o.Locked(ctx, customerID, "withdraw", func(ctx context.Context, tx *Tx) error {
		escrow, err := o.escrowFor(tx)
		if err != nil {
			return err
		}
		balance, err := escrow.Withdraw(ctx, tx.Customer.EscrowAccount, cents)
		if err != nil {
			return fmt.Errorf("failed to withdraw from escrow: %w", err)
		}
		tx.NoteExternalSettlement(billing.PaymentSourceEscrow, fmt.Sprintf("withdraw:%s:%d", tx.Customer.EscrowAccount, cents))
		tx.Customer.CurrentBalanceCents = balance
		customer = tx.Customer
		return tx.saveCustomer(ctx)
	})
	if err != nil {
		return nil, err
	}
	o.logger.WithCustomer(customerID, "withdraw").WithField("amount_cents", cents).Info("Escrow withdrawal")
	return customer, nil
}

// LinkEscrowAccount attaches the customer's escrow account and refreshes the
// cached balance. Relinking the same account is a no-op.
func (o *Orchestrator) LinkEscrowAccount(ctx context.Context, customerID int64, account string) (*billing.Customer, error) {
	if account == "" {
		return nil, billing.Validation("invalid_escrow_account", "escrow account is required")
	}
	escrow := o.chain.Escrow()
	if escrow == nil {
		return nil, billing.Validation("escrow_unavailable", "escrow payments are not enabled")
	}

	var customer *billing.Customer
	err := o.Locked(ctx, customerID, "link_escrow_account", func(ctx context.Context, tx *Tx) error {
		switch tx.Customer.EscrowAccount {
		case account:
			customer = tx.Customer
			return nil
		case "":
		default:
			return billing.Conflict("escrow_account_linked", "a different escrow account is already linked")
		}
		balance, err := escrow.Balance(ctx, account)
		if err != nil {
			return fmt.Errorf("failed to read escrow balance: %w", err)
		}
		tx.Customer.EscrowAccount = account
		tx.Customer.CurrentBalanceCents = balance
		customer = tx.Customer
		return tx.saveCustomer(ctx)
	})
	if err != nil {
		return nil, err
	}
	o.logger.WithCustomer(customerID, "link_escrow_account").Info("Escrow account linked")
	return customer, nil
}
