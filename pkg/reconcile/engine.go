package reconcile

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/store"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

const (
	defaultSweepConcurrency = 4
	defaultProcessedSize    = 10000
	defaultProcessedTTL     = time.Hour
)

// Engine runs customer driven reconciliation, the sweep and webhook processing
type Engine struct {
	orch          *subscriptions.Orchestrator
	store         store.Store
	verifier      SignatureVerifier
	processed     *lru.LRU[string, struct{}]
	concurrency   int
	actionURLBase string
	metrics       *observability.Metrics
	logger        *observability.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithVerifier sets the webhook signature verifier
func WithVerifier(v SignatureVerifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithSweepConcurrency bounds how many customers the sweep handles at once
func WithSweepConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithProcessedCache sizes the in-memory set of recently processed event ids
func WithProcessedCache(size int, ttl time.Duration) Option {
	return func(e *Engine) {
		e.processed = lru.NewLRU[string, struct{}](size, nil, ttl)
	}
}

// WithActionURLBase is used for requires_action events without a redirect
func WithActionURLBase(base string) Option {
	return func(e *Engine) { e.actionURLBase = base }
}

// WithMetrics records webhook outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. Without WithVerifier every webhook is rejected.
func NewEngine(orch *subscriptions.Orchestrator, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		orch:        orch,
		store:       st,
		verifier:    rejectAll{},
		concurrency: defaultSweepConcurrency,
		logger:      observability.NewLogger(observability.InfoLevel, io.Discard),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.processed == nil {
		e.processed = lru.NewLRU[string, struct{}](defaultProcessedSize, nil, defaultProcessedTTL)
	}
	return e
}

type rejectAll struct{}

func (rejectAll) Verify(string, string, []byte, time.Time) error { return ErrInvalidSignature }

// ReconcilePayments reopens the customer's failed records and charges every
// outstanding one. It returns the records that became paid.
func (e *Engine) ReconcilePayments(ctx context.Context, customerID int64) ([]*billing.BillingRecord, error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.ReconcilePayments",
		attribute.Int64("customer.id", customerID))
	var paid []*billing.BillingRecord
	err := e.orch.Locked(ctx, customerID, "reconcile", func(ctx context.Context, tx *subscriptions.Tx) error {
		var err error
		paid, err = e.orch.ReconcileOutstanding(ctx, tx, "reconcile", true)
		return err
	})
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	e.logger.WithCustomer(customerID, "reconcile").WithField("records_paid", len(paid)).Info("Reconciliation finished")
	return paid, nil
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Customers int `json:"customers"`
	Paid      int `json:"paid"`
	Errors    int `json:"errors"`
}

// Sweep retries pending records whose backoff has elapsed, for every
// customer with outstanding records. A failing customer does not stop the
// others; only listing the customers can fail the sweep.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	ids, err := e.store.ListCustomersWithOutstandingRecords(ctx)
	if err != nil {
		return nil, err
	}

	var paid, failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			var settled int
			err := e.orch.Locked(gctx, id, "sweep", func(ctx context.Context, tx *subscriptions.Tx) error {
				records, err := e.orch.ReconcileOutstanding(ctx, tx, "sweep", false)
				settled = len(records)
				return err
			})
			if err != nil {
				failures.Add(1)
				e.logger.WithCustomer(id, "sweep").WithError(err).Error("Sweep failed for customer")
				return nil
			}
			paid.Add(int64(settled))
			return nil
		})
	}
	_ = g.Wait()

	result := &SweepResult{Customers: len(ids), Paid: int(paid.Load()), Errors: int(failures.Load())}
	e.logger.WithFields(map[string]interface{}{
		"customers": result.Customers,
		"paid":      result.Paid,
		"errors":    result.Errors,
	}).Info("Reconciliation sweep finished")
	return result, nil
}
