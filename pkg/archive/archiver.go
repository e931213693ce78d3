package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// ObjectStore receives archive documents
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver uploads paid invoices in the background
type Archiver struct {
	objects ObjectStore
	pool    *async.WorkerPool
	alerts  *notify.Dispatcher
	clock   billing.Clock
	logger  *observability.Logger
}

var _ subscriptions.PaidHook = (*Archiver)(nil)

// Option configures an Archiver
type Option func(*Archiver)

// WithAlerts sets where failed uploads are reported
func WithAlerts(d *notify.Dispatcher) Option {
	return func(a *Archiver) { a.alerts = d }
}

// WithClock sets the clock stamped on documents
func WithClock(c billing.Clock) Option {
	return func(a *Archiver) { a.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// NewArchiver uploads through a worker pool that lives until ctx is done or
// Shutdown is called
func NewArchiver(ctx context.Context, objects ObjectStore, pool async.PoolConfig, opts ...Option) *Archiver {
	a := &Archiver{
		objects: objects,
		clock:   billing.SystemClock{},
		logger:  observability.NewLogger(observability.InfoLevel, io.Discard),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.pool = async.NewWorkerPool(ctx, pool, "invoice_archive", a.logger)
	return a
}

// RecordsPaid implements subscriptions.PaidHook
func (a *Archiver) RecordsPaid(ctx context.Context, customerID int64, paid []billing.PaidInvoice) {
	for _, inv := range paid {
		if err := a.pool.Submit(func(ctx context.Context) error {
			return a.Archive(ctx, inv)
		}); err != nil {
			a.failed(ctx, inv.Record, err)
		}
	}
}

// Archive uploads one paid invoice. Failures are alerted and returned.
func (a *Archiver) Archive(ctx context.Context, inv billing.PaidInvoice) error {
	key := Key(inv.Record)
	data, err := json.MarshalIndent(NewDocument(inv, a.clock.Now()), "", "  ")
	if err != nil {
		err = fmt.Errorf("failed to encode invoice document: %w", err)
		a.failed(ctx, inv.Record, err)
		return err
	}
	if err := a.objects.Put(ctx, key, data, "application/json"); err != nil {
		a.failed(ctx, inv.Record, err)
		return err
	}
	a.logger.WithCustomer(inv.Record.CustomerID, "archive").WithFields(map[string]interface{}{
		"billing_record_id": inv.Record.ID,
		"key":               key,
	}).Info("Invoice archived")
	return nil
}

func (a *Archiver) failed(ctx context.Context, rec *billing.BillingRecord, err error) {
	a.alerts.Raise(ctx, notify.NewAlert(notify.KindArchiveFailed, "Paid invoice could not be archived").
		ForCustomer(rec.CustomerID).
		ForRecord(rec.ID).
		With("invoice_number", rec.InvoiceNumber).
		WithError(err))
}

// Shutdown drains queued uploads
func (a *Archiver) Shutdown(timeout time.Duration) error {
	return a.pool.Shutdown(timeout)
}
