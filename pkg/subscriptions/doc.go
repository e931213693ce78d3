// Package subscriptions implements the subscription lifecycle on top of the
// customer lock, the billing record store and the payment chain.
//
// Every operation runs as one locked transaction per customer. Primary
// writes abort the transaction on error. Secondary effects such as the
// proration credit or the draft recompute run in savepoints and raise an
// operator alert instead of failing the operation. When an operation fails
// after an external provider already moved money, a critical alert names
// the provider references so the payment can be reconciled by hand.
//
// Records that become paid are handed to the PaidHook once the transaction
// has committed.
package subscriptions
