package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/retry"
)

// SignatureHeader carries the HMAC of the request body
const SignatureHeader = "X-Tollgate-Signature"

// ErrRateLimited is returned when an alert kind exceeded its delivery budget
var ErrRateLimited = errors.New("alert rate limited")

// WebhookConfig configures a WebhookNotifier
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   retry.Config
	MaxLogs int
	// RateLimit alerts per kind, refilled one per RatePeriod
	RateLimit  int
	RatePeriod time.Duration
}

// WebhookNotifier posts signed alerts to an operator endpoint
type WebhookNotifier struct {
	url        string
	secret     string
	timeout    time.Duration
	client     *http.Client
	policy     *retry.Policy
	deliveries *DeliveryLogStore
	limiter    *RateLimiter
	logger     *observability.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewWebhookNotifier creates a webhook sink
func NewWebhookNotifier(config WebhookConfig, logger *observability.Logger) *WebhookNotifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &WebhookNotifier{
		url:     config.URL,
		secret:  config.Secret,
		timeout: config.Timeout,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		policy:     retry.NewPolicy(config.Retry),
		deliveries: NewDeliveryLogStore(config.MaxLogs),
		limiter:    NewRateLimiter(config.RateLimit, config.RatePeriod),
		logger:     logger.WithField("component", "alert_webhook"),
		sleep:      sleepContext,
	}
}

// Deliveries exposes the delivery log
func (n *WebhookNotifier) Deliveries() *DeliveryLogStore {
	return n.deliveries
}

// Notify queues the alert for background delivery
func (n *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	entry, body, err := n.prepare(alert)
	if err != nil {
		return err
	}
	async.SafeGo(ctx, n.logger, "alert delivery", n.deliveryBudget(), func(ctx context.Context) error {
		return n.deliver(ctx, entry.ID, alert, body)
	})
	return nil
}

// Send delivers the alert synchronously, retrying per policy
func (n *WebhookNotifier) Send(ctx context.Context, alert *Alert) (DeliveryLog, error) {
	entry, body, err := n.prepare(alert)
	if err != nil {
		return entry, err
	}
	err = n.deliver(ctx, entry.ID, alert, body)
	final, _ := n.deliveries.Get(entry.ID)
	return final, err
}

func (n *WebhookNotifier) prepare(alert *Alert) (DeliveryLog, []byte, error) {
	entry := DeliveryLog{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		AlertKind: alert.Kind,
		URL:       n.url,
		Status:    DeliveryStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if !n.limiter.Allow(string(alert.Kind)) {
		entry.Status = DeliveryStatusDropped
		entry.ErrorMessage = ErrRateLimited.Error()
		n.deliveries.Add(&entry)
		return entry, nil, ErrRateLimited
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return entry, nil, fmt.Errorf("failed to marshal alert: %w", err)
	}
	n.deliveries.Add(&entry)
	return entry, body, nil
}

func (n *WebhookNotifier) deliver(ctx context.Context, logID string, alert *Alert, body []byte) error {
	attempts := 0
	for {
		attempts++
		start := time.Now()
		statusCode, err := n.post(ctx, alert, body)
		duration := time.Since(start)

		if err == nil {
			completed := time.Now().UTC()
			n.deliveries.Update(logID, func(l *DeliveryLog) {
				l.Attempts = attempts
				l.Status = DeliveryStatusSuccess
				l.StatusCode = statusCode
				l.ErrorMessage = ""
				l.NextRetryAt = nil
				l.CompletedAt = &completed
				l.Duration = duration
			})
			return nil
		}

		if !n.policy.ShouldRetry(attempts, err) {
			completed := time.Now().UTC()
			n.deliveries.Update(logID, func(l *DeliveryLog) {
				l.Attempts = attempts
				l.Status = DeliveryStatusFailed
				l.StatusCode = statusCode
				l.ErrorMessage = err.Error()
				l.NextRetryAt = nil
				l.CompletedAt = &completed
			})
			return fmt.Errorf("alert %s delivery failed after %d attempts: %w", alert.ID, attempts, err)
		}

		delay := n.policy.NextDelay(attempts)
		next := time.Now().UTC().Add(delay)
		n.deliveries.Update(logID, func(l *DeliveryLog) {
			l.Attempts = attempts
			l.Status = DeliveryStatusRetrying
			l.StatusCode = statusCode
			l.ErrorMessage = err.Error()
			l.NextRetryAt = &next
		})

		if err := n.sleep(ctx, delay); err != nil {
			n.deliveries.Update(logID, func(l *DeliveryLog) {
				l.Status = DeliveryStatusFailed
				l.ErrorMessage = err.Error()
				l.NextRetryAt = nil
			})
			return err
		}
	}
}

func (n *WebhookNotifier) post(ctx context.Context, alert *Alert, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Tollgate-Alerts/1.0")
	req.Header.Set("X-Tollgate-Alert-ID", alert.ID)
	req.Header.Set("X-Tollgate-Alert-Kind", string(alert.Kind))
	req.Header.Set("X-Tollgate-Timestamp", strconv.FormatInt(alert.Timestamp.Unix(), 10))
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// deliveryBudget bounds a background delivery including every backoff
func (n *WebhookNotifier) deliveryBudget() time.Duration {
	budget := time.Duration(n.policy.MaxAttempts()) * n.timeout
	for i := 1; i < n.policy.MaxAttempts(); i++ {
		budget += n.policy.NextDelay(i)
	}
	return budget
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value in constant time
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
