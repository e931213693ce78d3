package api

import (
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/pricing"
)

// SubscribeRequest is the body of POST /billing/services
type SubscribeRequest struct {
	ServiceType string                `json:"service_type"`
	Tier        string                `json:"tier"`
	Config      billing.ServiceConfig `json:"config"`
}

// ToggleRequest is the body of POST /billing/services/{serviceType}/toggle
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// TierRequest is the body of POST /billing/services/{serviceType}/tier
type TierRequest struct {
	Tier string `json:"tier"`
}

// AmountRequest is the body of deposit and withdraw calls
type AmountRequest struct {
	AmountCents int64 `json:"amount_usd_cents"`
}

// SpendingLimitRequest is the body of PUT /billing/spending-limit
type SpendingLimitRequest struct {
	LimitCents int64 `json:"spending_limit_usd_cents"`
}

// EscrowAccountRequest is the body of PUT /billing/escrow-account
type EscrowAccountRequest struct {
	Account string `json:"escrow_account"`
}

// ReconcileResponse lists the records a reconciliation settled
type ReconcileResponse struct {
	Paid []*billing.BillingRecord `json:"paid_records"`
}

// InvoicesResponse lists a customer's billing records, newest first
type InvoicesResponse struct {
	Invoices []*billing.BillingRecord `json:"invoices"`
}

// ServicesResponse lists a customer's service instances
type ServicesResponse struct {
	Services []*billing.ServiceInstance `json:"services"`
}

// PricingResponse is the public price list
type PricingResponse struct {
	Version  string            `json:"version"`
	Services []pricing.Service `json:"services"`
}

// WebhookResponse acknowledges a provider delivery
type WebhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}
