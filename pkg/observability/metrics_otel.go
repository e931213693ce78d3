package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/tollgate"

// OTelMetrics holds OpenTelemetry metric instruments mirrored from Metrics
type OTelMetrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	lockWait metric.Float64Histogram

	chargeAttempts metric.Int64Counter
	chargedCents   metric.Int64Counter

	webhookEvents metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(meterName)

	m := &OTelMetrics{}
	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	m.lockWait, err = meter.Float64Histogram(
		"billing.customer_lock.wait",
		metric.WithDescription("Time spent waiting for a customer lock"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock_wait histogram: %w", err)
	}

	m.chargeAttempts, err = meter.Int64Counter(
		"billing.charge.attempts",
		metric.WithDescription("Charge attempts by payment source and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create charge_attempts counter: %w", err)
	}

	m.chargedCents, err = meter.Int64Counter(
		"billing.charge.settled",
		metric.WithDescription("Settled amount in USD cents"),
		metric.WithUnit("{cent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create charged_cents counter: %w", err)
	}

	m.webhookEvents, err = meter.Int64Counter(
		"billing.webhook.events",
		metric.WithDescription("Payment provider webhook events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook_events counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordHTTP(r *http.Request, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	)
	m.httpRequestsTotal.Add(r.Context(), 1, attrs)
	m.httpRequestDuration.Record(r.Context(), duration.Seconds(), attrs)
}

func (m *OTelMetrics) recordLockWait(operation string, wait time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Record(context.Background(), wait.Seconds(),
		metric.WithAttributes(attribute.String("billing.operation", operation)))
}

func (m *OTelMetrics) recordCharge(source, outcome string, settledCents int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.chargeAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("billing.payment_source", source),
		attribute.String("billing.outcome", outcome),
	))
	if settledCents > 0 {
		m.chargedCents.Add(ctx, settledCents,
			metric.WithAttributes(attribute.String("billing.payment_source", source)))
	}
}

func (m *OTelMetrics) recordWebhook(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("billing.event_type", eventType),
		attribute.String("billing.result", result),
	))
}
