package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/pricing"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

const defaultMaxBodyBytes = 1 << 20

// Subscriptions is the customer facing part of the orchestrator
type Subscriptions interface {
	CanProvisionService(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*subscriptions.Eligibility, error)
	Subscribe(ctx context.Context, customerID int64, serviceType billing.ServiceType, tierName string, config billing.ServiceConfig) (*subscriptions.SubscribeResult, error)
	SetUserEnabled(ctx context.Context, customerID int64, serviceType billing.ServiceType, enabled bool) (*billing.ServiceInstance, error)
	ChangeTier(ctx context.Context, customerID int64, serviceType billing.ServiceType, tierName string) (*subscriptions.TierChangeResult, error)
	ClearScheduledTierChange(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error)
	ScheduleCancellation(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error)
	UndoCancellation(ctx context.Context, customerID int64, serviceType billing.ServiceType) (*billing.ServiceInstance, error)
	UpdateSpendingLimit(ctx context.Context, customerID, limitCents int64) (*billing.Customer, error)
	Deposit(ctx context.Context, customerID, cents int64) (*subscriptions.DepositResult, error)
	Withdraw(ctx context.Context, customerID, cents int64) (*billing.Customer, error)
	LinkEscrowAccount(ctx context.Context, customerID int64, account string) (*billing.Customer, error)
}

// Reconciler settles outstanding records and applies provider events
type Reconciler interface {
	ReconcilePayments(ctx context.Context, customerID int64) ([]*billing.BillingRecord, error)
	HandleWebhook(ctx context.Context, req reconcile.WebhookRequest) (*reconcile.WebhookResult, error)
}

// Ledger is the unlocked read side of the store
type Ledger interface {
	middleware.CustomerRegistry
	GetCustomer(ctx context.Context, id int64) (*billing.Customer, error)
	ListRecords(ctx context.Context, customerID int64, limit int) ([]*billing.BillingRecord, error)
	GetDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error)
	ListServices(ctx context.Context, customerID int64) ([]*billing.ServiceInstance, error)
}

// Catalog exposes the active price list
type Catalog interface {
	Current() *pricing.Catalog
}

// Dependencies are the collaborators a Server routes to
type Dependencies struct {
	Subscriptions Subscriptions
	Reconciler    Reconciler
	Ledger        Ledger
	Catalog       Catalog

	// Authenticator defaults to trusting the gateway's customer header
	Authenticator middleware.Authenticator
	// Redis enables per-customer rate limiting of mutating routes
	Redis     *redis.Client
	RateLimit *middleware.RateLimitConfig

	Health   *observability.HealthChecker
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Logger   *observability.Logger

	MaxBodyBytes int64
}

// Server represents our API server
type Server struct {
	router   *mux.Router
	billing  *BillingHandlers
	webhooks *WebhookHandlers
	logger   *observability.Logger
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if deps.Authenticator == nil {
		deps.Authenticator = middleware.HeaderAuthenticator{}
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		router:   mux.NewRouter(),
		billing:  NewBillingHandlers(deps.Subscriptions, deps.Reconciler, deps.Ledger, deps.Catalog),
		webhooks: NewWebhookHandlers(deps.Reconciler),
		logger:   deps.Logger,
	}
	s.setupRoutes(deps)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(deps Dependencies) {
	s.router.Use(
		middleware.RequestID(s.logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		observability.HTTPMetricsMiddleware(deps.Metrics),
		httputil.MaxBytesMiddleware(deps.MaxBodyBytes),
	)

	if deps.Health != nil {
		observability.RegisterHealthRoutes(s.router, deps.Health)
	}
	if deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(deps.Registry)).Methods(http.MethodGet)
	}
	if deps.Catalog != nil {
		s.router.HandleFunc("/pricing", s.billing.GetPricing).Methods(http.MethodGet)
	}

	s.webhooks.RegisterRoutes(s.router)

	customers := s.router.PathPrefix("/billing").Subrouter()
	customers.Use(middleware.CustomerAuth(deps.Authenticator, deps.Ledger))

	limited := func(h http.Handler) http.Handler { return h }
	if deps.Redis != nil {
		limiter := middleware.NewCustomerRateLimit(deps.Redis, deps.RateLimit, s.logger)
		limited = limiter.Handler
	}
	s.billing.RegisterRoutes(customers, limited)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router so binaries can add routes
func (s *Server) Router() *mux.Router {
	return s.router
}
