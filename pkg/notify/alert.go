package notify

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Severity ranks alerts
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind names the condition an alert reports
type Kind string

const (
	KindAmountMismatch                      Kind = "amount_mismatch"
	KindUnknownBillingRecord                Kind = "unknown_billing_record"
	KindSecondaryEffectFailed               Kind = "secondary_effect_failed"
	KindCommitAfterExternalSettlementFailed Kind = "commit_after_external_settlement_failed"
	KindUnresolvedWebhookCustomer           Kind = "unresolved_webhook_customer"
	KindArchiveFailed                       Kind = "archive_failed"
	KindServicesSuspended                   Kind = "services_suspended"
)

var defaultSeverity = map[Kind]Severity{
	KindAmountMismatch:                      SeverityWarning,
	KindUnknownBillingRecord:                SeverityWarning,
	KindSecondaryEffectFailed:               SeverityWarning,
	KindCommitAfterExternalSettlementFailed: SeverityCritical,
	KindUnresolvedWebhookCustomer:           SeverityWarning,
	KindArchiveFailed:                       SeverityWarning,
	KindServicesSuspended:                   SeverityInfo,
}

// Alert is one operator notification
type Alert struct {
	ID              string                 `json:"id"`
	Severity        Severity               `json:"severity"`
	Kind            Kind                   `json:"kind"`
	CustomerID      int64                  `json:"customer_id,omitempty"`
	BillingRecordID int64                  `json:"billing_record_id,omitempty"`
	Message         string                 `json:"message"`
	Fields          map[string]interface{} `json:"fields,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// NewAlert creates an alert with the kind's default severity
func NewAlert(kind Kind, message string) *Alert {
	severity, ok := defaultSeverity[kind]
	if !ok {
		severity = SeverityWarning
	}
	return &Alert{
		ID:        uuid.New().String(),
		Severity:  severity,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// ForCustomer sets the customer the alert concerns
func (a *Alert) ForCustomer(customerID int64) *Alert {
	a.CustomerID = customerID
	return a
}

// ForRecord sets the billing record the alert concerns
func (a *Alert) ForRecord(recordID int64) *Alert {
	a.BillingRecordID = recordID
	return a
}

// With adds a detail field
func (a *Alert) With(key string, value interface{}) *Alert {
	if a.Fields == nil {
		a.Fields = make(map[string]interface{})
	}
	a.Fields[key] = value
	return a
}

// WithError records err under the "error" field
func (a *Alert) WithError(err error) *Alert {
	if err == nil {
		return a
	}
	return a.With("error", err.Error())
}

// WithSeverity overrides the default severity
func (a *Alert) WithSeverity(s Severity) *Alert {
	a.Severity = s
	return a
}

// Notifier delivers an alert to one destination
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}

// LogNotifier writes alerts to the structured log
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a log sink
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the alert at a level matching its severity
func (n *LogNotifier) Notify(ctx context.Context, alert *Alert) error {
	fields := map[string]interface{}{
		"alert_id":   alert.ID,
		"alert_kind": string(alert.Kind),
		"severity":   string(alert.Severity),
	}
	if alert.CustomerID != 0 {
		fields["customer_id"] = alert.CustomerID
	}
	if alert.BillingRecordID != 0 {
		fields["billing_record_id"] = alert.BillingRecordID
	}
	for k, v := range alert.Fields {
		fields["alert."+k] = v
	}

	logger := n.logger.WithFields(fields)
	switch alert.Severity {
	case SeverityCritical:
		logger.Error(alert.Message)
	case SeverityInfo:
		logger.Info(alert.Message)
	default:
		logger.Warn(alert.Message)
	}
	return nil
}

// Dispatcher raises alerts on every configured sink
type Dispatcher struct {
	sinks   []Notifier
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDispatcher creates a dispatcher that logs every alert and forwards it to sinks
func NewDispatcher(logger *observability.Logger, metrics *observability.Metrics, sinks ...Notifier) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	all := append([]Notifier{NewLogNotifier(logger)}, sinks...)
	return &Dispatcher{sinks: all, logger: logger, metrics: metrics}
}

// Raise delivers the alert. It never fails; sink errors are logged.
// A nil Dispatcher discards the alert.
func (d *Dispatcher) Raise(ctx context.Context, alert *Alert) {
	if d == nil || alert == nil {
		return
	}
	d.metrics.Alert(string(alert.Kind))
	for _, sink := range d.sinks {
		if err := sink.Notify(ctx, alert); err != nil {
			d.logger.WithError(err).WithField("alert_id", alert.ID).Warn("alert sink failed")
		}
	}
}

// Recorder keeps alerts in memory
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Notify stores a copy of the alert
func (r *Recorder) Notify(ctx context.Context, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *alert)
	return nil
}

// Alerts returns the recorded alerts in order
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Kinds returns the recorded alert kinds in order
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.alerts))
	for _, a := range r.alerts {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}
