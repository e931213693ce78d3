package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

const (
	defaultInvoiceLimit = 50
	maxInvoiceLimit     = 500
)

// BillingHandlers handles the authenticated customer billing routes
type BillingHandlers struct {
	subs       Subscriptions
	reconciler Reconciler
	ledger     Ledger
	catalog    Catalog
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(subs Subscriptions, reconciler Reconciler, ledger Ledger, catalog Catalog) *BillingHandlers {
	return &BillingHandlers{
		subs:       subs,
		reconciler: reconciler,
		ledger:     ledger,
		catalog:    catalog,
	}
}

// RegisterRoutes registers billing routes. limited wraps routes that move
// money or change service state.
func (h *BillingHandlers) RegisterRoutes(router *mux.Router, limited func(http.Handler) http.Handler) {
	mutating := func(path string, fn http.HandlerFunc, method string) {
		router.Handle(path, limited(fn)).Methods(method)
	}

	// Reads
	router.HandleFunc("/account", h.GetAccount).Methods(http.MethodGet)
	router.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	router.HandleFunc("/services/{serviceType}/eligibility", h.CheckEligibility).Methods(http.MethodGet)
	router.HandleFunc("/invoices", h.ListInvoices).Methods(http.MethodGet)
	router.HandleFunc("/draft", h.GetDraft).Methods(http.MethodGet)

	// Service lifecycle
	mutating("/services", h.Subscribe, http.MethodPost)
	mutating("/services/{serviceType}/toggle", h.Toggle, http.MethodPost)
	mutating("/services/{serviceType}/tier", h.ChangeTier, http.MethodPost)
	mutating("/services/{serviceType}/tier/schedule", h.ClearScheduledTier, http.MethodDelete)
	mutating("/services/{serviceType}/cancel", h.ScheduleCancellation, http.MethodPost)
	mutating("/services/{serviceType}/cancel", h.UndoCancellation, http.MethodDelete)

	// Funds
	mutating("/reconcile", h.Reconcile, http.MethodPost)
	mutating("/deposit", h.Deposit, http.MethodPost)
	mutating("/withdraw", h.Withdraw, http.MethodPost)
	mutating("/spending-limit", h.UpdateSpendingLimit, http.MethodPut)
	mutating("/escrow-account", h.LinkEscrowAccount, http.MethodPut)
}

// customer returns the authenticated customer or writes 401
func customer(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.CustomerID(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
	}
	return id, ok
}

func serviceType(w http.ResponseWriter, r *http.Request) (billing.ServiceType, bool) {
	raw, ok := httputil.ParsePathStringOrError(w, r, "serviceType")
	return billing.ServiceType(raw), ok
}

// fail logs server side failures and writes the classified error
func fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := observability.FromContext(r.Context()).WithField("operation", op).WithError(err)
	if httputil.StatusFor(billing.KindOf(err)) >= http.StatusInternalServerError {
		logger.Error("Billing operation failed")
	} else {
		logger.Debug("Billing operation rejected")
	}
	httputil.WriteServiceError(w, err)
}

// GetAccount returns the customer's balances and limits
func (h *BillingHandlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	c, err := h.ledger.GetCustomer(r.Context(), id)
	if err != nil {
		fail(w, r, "get_account", err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// ListServices returns every service instance the customer holds
func (h *BillingHandlers) ListServices(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	services, err := h.ledger.ListServices(r.Context(), id)
	if err != nil {
		fail(w, r, "list_services", err)
		return
	}
	if services == nil {
		services = []*billing.ServiceInstance{}
	}
	httputil.WriteSuccess(w, ServicesResponse{Services: services})
}

// CheckEligibility reports whether the customer may subscribe to a service
func (h *BillingHandlers) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	st, ok := serviceType(w, r)
	if !ok {
		return
	}
	eligibility, err := h.subs.CanProvisionService(r.Context(), id, st)
	if err != nil {
		fail(w, r, "can_provision_service", err)
		return
	}
	httputil.WriteSuccess(w, eligibility)
}

// Subscribe checks eligibility, then creates the service and charges it
func (h *BillingHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	var req SubscribeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ServiceType, "service_type") || !httputil.RequireNonEmpty(w, req.Tier, "tier") {
		return
	}
	st := billing.ServiceType(req.ServiceType)

	eligibility, err := h.subs.CanProvisionService(r.Context(), id, st)
	if err != nil {
		fail(w, r, "can_provision_service", err)
		return
	}
	if !eligibility.Allowed {
		fail(w, r, "subscribe", billing.Conflict(billing.CodeProvisionDenied, "subscription not allowed: "+eligibility.Reason))
		return
	}

	res, err := h.subs.Subscribe(r.Context(), id, st, req.Tier, req.Config)
	if err != nil {
		fail(w, r, "subscribe", err)
		return
	}
	if res.Existing {
		httputil.WriteSuccess(w, res)
		return
	}
	httputil.WriteCreated(w, res)
}

// Toggle enables or disables a service. When a pending subscription invoice
// turns out to be covered already, the customer is reconciled and the toggle
// retried once.
func (h *BillingHandlers) Toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	st, ok := serviceType(w, r)
	if !ok {
		return
	}
	var req ToggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		httputil.WriteBadRequest(w, "enabled is required")
		return
	}

	svc, err := h.subs.SetUserEnabled(r.Context(), id, st, *req.Enabled)
	if billing.CodeOf(err) == billing.CodeReconcileRequired {
		if _, rerr := h.reconciler.ReconcilePayments(r.Context(), id); rerr != nil {
			fail(w, r, "reconcile_payments", rerr)
			return
		}
		svc, err = h.subs.SetUserEnabled(r.Context(), id, st, *req.Enabled)
	}
	if err != nil {
		fail(w, r, "set_user_enabled", err)
		return
	}
	httputil.WriteSuccess(w, svc)
}

// ChangeTier upgrades immediately or schedules a downgrade
func (h *BillingHandlers) ChangeTier(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	st, ok := serviceType(w, r)
	if !ok {
		return
	}
	var req TierRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Tier, "tier") {
		return
	}
	res, err := h.subs.ChangeTier(r.Context(), id, st, req.Tier)
	if err != nil {
		fail(w, r, "change_tier", err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// ClearScheduledTier drops a pending downgrade
func (h *BillingHandlers) ClearScheduledTier(w http.ResponseWriter, r *http.Request) {
	h.serviceOp(w, r, "clear_scheduled_tier_change", h.subs.ClearScheduledTierChange)
}

// ScheduleCancellation cancels a service at the end of the period
func (h *BillingHandlers) ScheduleCancellation(w http.ResponseWriter, r *http.Request) {
	h.serviceOp(w, r, "schedule_cancellation", h.subs.ScheduleCancellation)
}

// UndoCancellation keeps a service that was scheduled for cancellation
func (h *BillingHandlers) UndoCancellation(w http.ResponseWriter, r *http.Request) {
	h.serviceOp(w, r, "undo_cancellation", h.subs.UndoCancellation)
}

type serviceFunc func(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error)

func (h *BillingHandlers) serviceOp(w http.ResponseWriter, r *http.Request, op string, fn serviceFunc) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	st, ok := serviceType(w, r)
	if !ok {
		return
	}
	svc, err := fn(r.Context(), id, st)
	if err != nil {
		fail(w, r, op, err)
		return
	}
	httputil.WriteSuccess(w, svc)
}

// ListInvoices returns the customer's billing records without taking the lock
func (h *BillingHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultInvoiceLimit)
	if err != nil || limit <= 0 {
		httputil.WriteBadRequest(w, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxInvoiceLimit)

	records, err := h.ledger.ListRecords(r.Context(), id, limit)
	if err != nil {
		fail(w, r, "list_invoices", err)
		return
	}
	if records == nil {
		records = []*billing.BillingRecord{}
	}
	httputil.WriteSuccess(w, InvoicesResponse{Invoices: records})
}

// GetDraft previews the open period's draft
func (h *BillingHandlers) GetDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	draft, err := h.ledger.GetDraft(r.Context(), id)
	if err != nil {
		fail(w, r, "get_draft", err)
		return
	}
	httputil.WriteSuccess(w, draft)
}

// Reconcile retries every outstanding record of the customer
func (h *BillingHandlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	paid, err := h.reconciler.ReconcilePayments(r.Context(), id)
	if err != nil {
		fail(w, r, "reconcile_payments", err)
		return
	}
	if paid == nil {
		paid = []*billing.BillingRecord{}
	}
	httputil.WriteSuccess(w, ReconcileResponse{Paid: paid})
}

// Deposit funds the customer's escrow account
func (h *BillingHandlers) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.AmountCents, "amount_usd_cents") {
		return
	}
	res, err := h.subs.Deposit(r.Context(), id, req.AmountCents)
	if err != nil {
		fail(w, r, "deposit", err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// Withdraw moves funds out of the customer's escrow account
func (h *BillingHandlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.AmountCents, "amount_usd_cents") {
		return
	}
	c, err := h.subs.Withdraw(r.Context(), id, req.AmountCents)
	if err != nil {
		fail(w, r, "withdraw", err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// UpdateSpendingLimit sets the monthly spending cap
func (h *BillingHandlers) UpdateSpendingLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	var req SpendingLimitRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	c, err := h.subs.UpdateSpendingLimit(r.Context(), id, req.LimitCents)
	if err != nil {
		fail(w, r, "update_spending_limit", err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// LinkEscrowAccount attaches the customer's escrow account
func (h *BillingHandlers) LinkEscrowAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := customer(w, r)
	if !ok {
		return
	}
	var req EscrowAccountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Account, "escrow_account") {
		return
	}
	c, err := h.subs.LinkEscrowAccount(r.Context(), id, req.Account)
	if err != nil {
		fail(w, r, "link_escrow_account", err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// GetPricing serves the active price list
func (h *BillingHandlers) GetPricing(w http.ResponseWriter, r *http.Request) {
	catalog := h.catalog.Current()
	httputil.WriteSuccess(w, PricingResponse{
		Version:  catalog.Version(),
		Services: catalog.Services(),
	})
}
