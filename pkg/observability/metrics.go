package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every recording method is safe on a
// nil *Metrics so components can run without instrumentation.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Customer lock metrics
	LockWaitDuration *prometheus.HistogramVec
	LockHeldDuration *prometheus.HistogramVec
	LockErrorsTotal  *prometheus.CounterVec

	// Payment metrics
	ChargeAttemptsTotal *prometheus.CounterVec
	ChargedCentsTotal   *prometheus.CounterVec
	RecordsSettledTotal *prometheus.CounterVec

	// Webhook and alert metrics
	WebhookEventsTotal *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec

	// Background job metrics
	JobRunsTotal   *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	CustomersSwept *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		LockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_customer_lock_wait_seconds",
				Help:    "Time spent waiting for a customer lock",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"operation"},
		),
		LockHeldDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_customer_lock_held_seconds",
				Help:    "Time a customer lock was held",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"operation"},
		),
		LockErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_customer_lock_errors_total",
				Help: "Locked operations that rolled back",
			},
			[]string{"operation", "kind"},
		),

		ChargeAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_charge_attempts_total",
				Help: "Charge attempts by payment source and outcome",
			},
			[]string{"source", "outcome"},
		),
		ChargedCentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_charged_usd_cents_total",
				Help: "Settled amount in USD cents by payment source",
			},
			[]string{"source"},
		),
		RecordsSettledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_billing_records_settled_total",
				Help: "Billing records moved to paid",
			},
			[]string{"type", "trigger"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_webhook_events_total",
				Help: "Payment provider webhook events by type and result",
			},
			[]string{"event_type", "result"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_alerts_total",
				Help: "Operator alerts raised",
			},
			[]string{"kind"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_job_runs_total",
				Help: "Scheduled job runs by result",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"job"},
		),
		CustomersSwept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_job_customers_total",
				Help: "Customers processed by scheduled jobs",
			},
			[]string{"job", "status"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.LockWaitDuration,
		m.LockHeldDuration,
		m.LockErrorsTotal,
		m.ChargeAttemptsTotal,
		m.ChargedCentsTotal,
		m.RecordsSettledTotal,
		m.WebhookEventsTotal,
		m.AlertsTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.CustomersSwept,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// WithOTel mirrors billing measurements to OpenTelemetry instruments
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	if m != nil {
		m.otel = o
	}
	return m
}

// ObserveLock records how long a customer lock was awaited and held
func (m *Metrics) ObserveLock(operation string, wait, held time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.WithLabelValues(operation).Observe(wait.Seconds())
	m.LockHeldDuration.WithLabelValues(operation).Observe(held.Seconds())
	m.otel.recordLockWait(operation, wait)
}

// LockError counts a locked operation that rolled back
func (m *Metrics) LockError(operation, kind string) {
	if m == nil {
		return
	}
	m.LockErrorsTotal.WithLabelValues(operation, kind).Inc()
}

// ChargeAttempt counts one charge and, on success, the settled amount
func (m *Metrics) ChargeAttempt(source, outcome string, settledCents int64) {
	if m == nil {
		return
	}
	m.ChargeAttemptsTotal.WithLabelValues(source, outcome).Inc()
	if settledCents > 0 {
		m.ChargedCentsTotal.WithLabelValues(source).Add(float64(settledCents))
	}
	m.otel.recordCharge(source, outcome, settledCents)
}

// RecordSettled counts a record moved to paid
func (m *Metrics) RecordSettled(recordType, trigger string) {
	if m == nil {
		return
	}
	m.RecordsSettledTotal.WithLabelValues(recordType, trigger).Inc()
}

// WebhookEvent counts a provider webhook by outcome
func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	m.otel.recordWebhook(eventType, result)
}

// Alert counts an operator alert
func (m *Metrics) Alert(kind string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind).Inc()
}

// JobRun records a scheduled job run
func (m *Metrics) JobRun(job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// JobCustomer counts one customer handled by a job
func (m *Metrics) JobCustomer(job string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CustomersSwept.WithLabelValues(job, status).Inc()
}

// CacheHit counts a cache hit
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// CacheMiss counts a cache miss
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// UpdateDBStats copies connection pool statistics into gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel prefers the mux route template to keep label cardinality bounded
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			duration := time.Since(start)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
			metrics.otel.recordHTTP(r, route, rw.statusCode, duration)
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
