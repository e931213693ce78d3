// Package paymentstest provides in-memory payment providers for tests
package paymentstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/payments"
)

// EscrowCall records one escrow charge
type EscrowCall struct {
	Account        string
	AmountCents    int64
	IdempotencyKey string
}

// Escrow keeps balances in memory. A charge larger than the balance is
// declined. Setting ChargeFunc overrides the default behavior.
type Escrow struct {
	mu         sync.Mutex
	balances   map[string]int64
	limits     map[string]int64
	calls      []EscrowCall
	refs       int
	ChargeFunc func(ctx context.Context, account string, amountCents int64) (*payments.EscrowCharge, error)
}

var _ payments.Escrow = (*Escrow)(nil)

// NewEscrow creates an escrow with no accounts
func NewEscrow() *Escrow {
	return &Escrow{balances: make(map[string]int64), limits: make(map[string]int64)}
}

// SetBalance sets an account balance
func (e *Escrow) SetBalance(account string, cents int64) {
	e.mu.Lock()
	e.balances[account] = cents
	e.mu.Unlock()
}

// Calls returns the charges made so far
func (e *Escrow) Calls() []EscrowCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EscrowCall(nil), e.calls...)
}

// Limit returns the spending limit last pushed for an account
func (e *Escrow) Limit(account string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits[account]
}

// Charge implements payments.Escrow
func (e *Escrow) Charge(ctx context.Context, account string, amountCents int64, description, idempotencyKey string) (*payments.EscrowCharge, error) {
	e.mu.Lock()
	e.calls = append(e.calls, EscrowCall{Account: account, AmountCents: amountCents, IdempotencyKey: idempotencyKey})
	fn := e.ChargeFunc
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, account, amountCents)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.balances[account] < amountCents {
		return &payments.EscrowCharge{
			Status:        payments.EscrowDeclined,
			FailureReason: "insufficient_escrow_balance",
			BalanceCents:  e.balances[account],
		}, nil
	}
	e.balances[account] -= amountCents
	e.refs++
	return &payments.EscrowCharge{
		Status:       payments.EscrowSettled,
		Reference:    fmt.Sprintf("0xdigest%d", e.refs),
		BalanceCents: e.balances[account],
	}, nil
}

// Deposit implements payments.Escrow
func (e *Escrow) Deposit(ctx context.Context, account string, amountCents int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[account] += amountCents
	return e.balances[account], nil
}

// Withdraw implements payments.Escrow
func (e *Escrow) Withdraw(ctx context.Context, account string, amountCents int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.balances[account] < amountCents {
		return 0, billing.Conflict("insufficient_balance", "escrow balance is lower than the withdrawal")
	}
	e.balances[account] -= amountCents
	return e.balances[account], nil
}

// Balance implements payments.Escrow
func (e *Escrow) Balance(ctx context.Context, account string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[account], nil
}

// UpdateSpendingLimit implements payments.Escrow
func (e *Escrow) UpdateSpendingLimit(ctx context.Context, account string, limitCents int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits[account] = limitCents
	return nil
}

// Card succeeds every charge unless ChargeFunc says otherwise
type Card struct {
	mu         sync.Mutex
	requests   []payments.CardChargeRequest
	cancelled  []string
	seq        int
	ChargeFunc func(ctx context.Context, req payments.CardChargeRequest) (*payments.CardCharge, error)
}

var _ payments.CardCharger = (*Card)(nil)

// Requests returns the charges made so far
func (c *Card) Requests() []payments.CardChargeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]payments.CardChargeRequest(nil), c.requests...)
}

// Cancelled returns the intents cancelled so far
func (c *Card) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

// ChargeOffSession implements payments.CardCharger
func (c *Card) ChargeOffSession(ctx context.Context, req payments.CardChargeRequest) (*payments.CardCharge, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.seq++
	id := fmt.Sprintf("pi_%d", c.seq)
	fn := c.ChargeFunc
	c.mu.Unlock()
	if fn != nil {
		res, err := fn(ctx, req)
		if res != nil && res.IntentID == "" {
			res.IntentID = id
		}
		return res, err
	}
	return &payments.CardCharge{Status: payments.CardSucceeded, IntentID: id}, nil
}

// CancelIntent implements payments.CardCharger
func (c *Card) CancelIntent(ctx context.Context, intentID string) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, intentID)
	c.mu.Unlock()
	return nil
}

// Decline returns a ChargeFunc that declines with reason
func Decline(reason string) func(context.Context, payments.CardChargeRequest) (*payments.CardCharge, error) {
	return func(context.Context, payments.CardChargeRequest) (*payments.CardCharge, error) {
		return &payments.CardCharge{Status: payments.CardDeclined, FailureReason: reason}, nil
	}
}

// RequireAction returns a ChargeFunc that asks for customer action at url
func RequireAction(url string) func(context.Context, payments.CardChargeRequest) (*payments.CardCharge, error) {
	return func(context.Context, payments.CardChargeRequest) (*payments.CardCharge, error) {
		return &payments.CardCharge{Status: payments.CardRequiresAction, ActionURL: url}, nil
	}
}
