// Package payments settles billing records through an ordered waterfall of
// payment sources: stored credit, escrow balance, then a card on file.
//
// Provider clients report declines as results and reserve errors for
// infrastructure failures, so a decline never aborts the caller's
// transaction.
package payments

import (
	"context"
)

// EscrowStatus is the result of an escrow charge
type EscrowStatus string

const (
	EscrowSettled  EscrowStatus = "settled"
	EscrowDeclined EscrowStatus = "declined"
)

// EscrowCharge is the response to an escrow charge
type EscrowCharge struct {
	Status        EscrowStatus `json:"status"`
	Reference     string       `json:"reference,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	BalanceCents  int64        `json:"balance_usd_cents"`
}

// Escrow is the blockchain escrow contract. Charges are all-or-nothing.
type Escrow interface {
	Charge(ctx context.Context, account string, amountCents int64, description, idempotencyKey string) (*EscrowCharge, error)
	Deposit(ctx context.Context, account string, amountCents int64) (int64, error)
	Withdraw(ctx context.Context, account string, amountCents int64) (int64, error)
	Balance(ctx context.Context, account string) (int64, error)
	UpdateSpendingLimit(ctx context.Context, account string, limitCents int64) error
}

// CardStatus is the result of an off-session card charge
type CardStatus string

const (
	CardSucceeded      CardStatus = "succeeded"
	CardRequiresAction CardStatus = "requires_action"
	CardDeclined       CardStatus = "declined"
)

// CardChargeRequest describes an off-session card charge
type CardChargeRequest struct {
	CustomerRef      string
	PaymentMethodRef string
	AmountCents      int64
	Description      string
	IdempotencyKey   string
	Metadata         map[string]string
}

// CardCharge is the response to a card charge
type CardCharge struct {
	Status        CardStatus
	IntentID      string
	ActionURL     string
	FailureReason string
}

// CardCharger is the card-on-file contract
type CardCharger interface {
	ChargeOffSession(ctx context.Context, req CardChargeRequest) (*CardCharge, error)
	CancelIntent(ctx context.Context, intentID string) error
}
