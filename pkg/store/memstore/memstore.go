// Package memstore is an in-memory implementation of the billing store and
// customer lock, used by tests and the local simulator.
//
// Each locked operation keeps an undo log. An error from the critical section
// or from a savepoint replays the log backwards, which gives the same
// all-or-nothing behavior as a database transaction.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/customerlock"
	"github.com/platinummonkey/tollgate/pkg/store"
)

// Store holds all billing state in maps guarded by one mutex. Customer locks
// are separate mutexes so critical sections of different customers overlap.
type Store struct {
	mu  sync.Mutex
	seq int64

	customers map[int64]*billing.Customer
	wallets   map[string]int64
	services  map[int64]*billing.ServiceInstance
	records   map[int64]*billing.BillingRecord
	invoices  map[string]int64
	payments  map[int64]*billing.InvoicePayment
	credits   map[int64]*billing.CustomerCredit
	methods   map[int64]*billing.PaymentMethod
	events    map[string]*billing.WebhookEvent

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	commitErrs []error

	clock             billing.Clock
	ids               store.IDGenerator
	maxInsertAttempts int
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source for row timestamps
func WithClock(c billing.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides identifier generation
func WithIDGenerator(ids store.IDGenerator) Option {
	return func(s *Store) { s.ids = ids }
}

// WithMaxInsertAttempts overrides the identifier collision cap
func WithMaxInsertAttempts(n int) Option {
	return func(s *Store) { s.maxInsertAttempts = n }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		customers:         make(map[int64]*billing.Customer),
		wallets:           make(map[string]int64),
		services:          make(map[int64]*billing.ServiceInstance),
		records:           make(map[int64]*billing.BillingRecord),
		invoices:          make(map[string]int64),
		payments:          make(map[int64]*billing.InvoicePayment),
		credits:           make(map[int64]*billing.CustomerCredit),
		methods:           make(map[int64]*billing.PaymentMethod),
		events:            make(map[string]*billing.WebhookEvent),
		locks:             make(map[int64]*sync.Mutex),
		clock:             billing.SystemClock{},
		ids:               store.RandomIDs{},
		maxInsertAttempts: store.DefaultMaxInsertAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ store.Store         = (*Store)(nil)
	_ customerlock.Locker = (*Store)(nil)
	_ store.Repository    = (*repo)(nil)
)

// FailNextCommit makes the next locked operation fail at commit time with
// err after its critical section succeeded. Its writes are rolled back.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.commitErrs = append(s.commitErrs, err)
	s.mu.Unlock()
}

func (s *Store) takeCommitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commitErrs) == 0 {
		return nil
	}
	err := s.commitErrs[0]
	s.commitErrs = s.commitErrs[1:]
	return err
}

func (s *Store) lockFor(customerID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[customerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[customerID] = l
	}
	return l
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// WithCustomerLock implements customerlock.Locker
func (s *Store) WithCustomerLock(ctx context.Context, customerID int64, operation string, fn customerlock.TxFunc) error {
	if customerlock.Held(ctx) {
		return customerlock.ErrNestedLock
	}
	l := s.lockFor(customerID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to acquire customer lock for %s: %w", operation, err)
	}

	r := &repo{s: s}
	if err := fn(customerlock.Mark(ctx, customerID), r); err != nil {
		r.rollbackTo(0)
		return err
	}
	if err := s.takeCommitError(); err != nil {
		r.rollbackTo(0)
		return fmt.Errorf("failed to commit %s: %w", operation, err)
	}
	return nil
}

// EnsureCustomer implements store.Store
func (s *Store) EnsureCustomer(ctx context.Context, walletAddress string) (*billing.Customer, error) {
	if walletAddress == "" {
		return nil, billing.Validation("invalid_wallet", "wallet address is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.wallets[walletAddress]; ok {
		return cloneCustomer(s.customers[id]), nil
	}
	for attempt := 0; attempt < s.maxInsertAttempts; attempt++ {
		id := s.ids.CustomerID()
		if _, taken := s.customers[id]; taken {
			continue
		}
		now := s.clock.Now()
		c := &billing.Customer{
			ID:                 id,
			WalletAddress:      walletAddress,
			CurrentPeriodStart: billing.PeriodStart(now),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		s.customers[id] = c
		s.wallets[walletAddress] = id
		return cloneCustomer(c), nil
	}
	return nil, fmt.Errorf("failed to register customer: %w: customer id collided %d times",
		billing.ErrIDSpaceExhausted, s.maxInsertAttempts)
}

// GetCustomer implements store.Store
func (s *Store) GetCustomer(ctx context.Context, id int64) (*billing.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCustomer(id)
}

func (s *Store) getCustomer(id int64) (*billing.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, billing.NotFound("customer")
	}
	return cloneCustomer(c), nil
}

// FindCustomerByCardRef implements store.Store
func (s *Store) FindCustomerByCardRef(ctx context.Context, cardCustomerRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.customers {
		if cardCustomerRef != "" && c.CardCustomerRef == cardCustomerRef {
			return id, nil
		}
	}
	return 0, billing.NotFound("customer")
}

// ListRecords implements store.Store, newest first
func (s *Store) ListRecords(ctx context.Context, customerID int64, limit int) ([]*billing.BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.filterRecords(func(r *billing.BillingRecord) bool { return r.CustomerID == customerID })
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID > recs[j].ID
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// GetDraft implements store.Store
func (s *Store) GetDraft(ctx context.Context, customerID int64) (*billing.BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDraft(customerID)
}

func (s *Store) getDraft(customerID int64) (*billing.BillingRecord, error) {
	for _, r := range s.records {
		if r.CustomerID == customerID && r.Status == billing.RecordStatusDraft {
			return cloneRecord(r), nil
		}
	}
	return nil, billing.NotFound("draft")
}

// ListServices implements store.Store
func (s *Store) ListServices(ctx context.Context, customerID int64) ([]*billing.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listServices(customerID), nil
}

func (s *Store) listServices(customerID int64) []*billing.ServiceInstance {
	var out []*billing.ServiceInstance
	for _, svc := range s.services {
		if svc.CustomerID == customerID {
			out = append(out, cloneService(svc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) filterRecords(keep func(*billing.BillingRecord) bool) []*billing.BillingRecord {
	var out []*billing.BillingRecord
	for _, r := range s.records {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) recordCustomers(keep func(*billing.BillingRecord) bool) []int64 {
	set := make(map[int64]struct{})
	for _, r := range s.records {
		if keep(r) {
			set[r.CustomerID] = struct{}{}
		}
	}
	return sortedIDs(set)
}

func (s *Store) serviceCustomers(keep func(*billing.ServiceInstance) bool) []int64 {
	set := make(map[int64]struct{})
	for _, svc := range s.services {
		if keep(svc) {
			set[svc.CustomerID] = struct{}{}
		}
	}
	return sortedIDs(set)
}

// ListCustomersWithOutstandingRecords implements store.Store
func (s *Store) ListCustomersWithOutstandingRecords(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordCustomers(func(r *billing.BillingRecord) bool {
		return r.Status == billing.RecordStatusPending || r.Status == billing.RecordStatusFailed
	}), nil
}

// ListCustomersWithDueSchedules implements store.Store
func (s *Store) ListCustomersWithDueSchedules(ctx context.Context, asOf time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceCustomers(func(svc *billing.ServiceInstance) bool {
		if svc.State == billing.ServiceStateCancelled {
			return false
		}
		due := func(t *time.Time) bool { return t != nil && !t.After(asOf) }
		return due(svc.ScheduledEffectiveDate) || due(svc.CancellationScheduledFor)
	}), nil
}

// ListCustomersWithDraftsBefore implements store.Store
func (s *Store) ListCustomersWithDraftsBefore(ctx context.Context, periodStart time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordCustomers(func(r *billing.BillingRecord) bool {
		return r.Status == billing.RecordStatusDraft && r.PeriodStart.Before(periodStart)
	}), nil
}

// ListCustomersWithActiveServices implements store.Store
func (s *Store) ListCustomersWithActiveServices(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceCustomers(func(svc *billing.ServiceInstance) bool { return svc.IsActive() }), nil
}

// ListCustomersInGraceSince implements store.Store
func (s *Store) ListCustomersInGraceSince(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[int64]struct{})
	for id, c := range s.customers {
		if c.GracePeriodStartedAt != nil && !c.GracePeriodStartedAt.After(startedBefore) {
			set[id] = struct{}{}
		}
	}
	return sortedIDs(set), nil
}

// GetWebhookEvent implements store.Store
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*billing.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWebhookEvent(eventID)
}

func (s *Store) getWebhookEvent(eventID string) (*billing.WebhookEvent, error) {
	ev, ok := s.events[eventID]
	if !ok {
		return nil, billing.NotFound("webhook event")
	}
	return cloneEvent(ev), nil
}

// InsertWebhookEvent implements store.Store
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *billing.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.EventID]; ok {
		return false, nil
	}
	stored := cloneEvent(ev)
	stored.Processed = false
	stored.ProcessedAt = nil
	s.events[ev.EventID] = stored
	return true, nil
}

// MarkWebhookEventProcessed implements store.Store
func (s *Store) MarkWebhookEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return billing.NotFound("webhook event")
	}
	processedAt := at
	ev.Processed = true
	ev.ProcessedAt = &processedAt
	return nil
}

// errCheckViolation mirrors the database CHECK that forbids an enabled
// service with an unpaid subscription invoice.
var errCheckViolation = errors.New(`new row violates check constraint "service_instances_pending_not_enabled"`)

func checkService(svc *billing.ServiceInstance) error {
	if svc.State == billing.ServiceStateEnabled && svc.SubPendingInvoiceID != nil {
		return errCheckViolation
	}
	return nil
}
