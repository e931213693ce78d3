package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackNotifier posts alerts to a Slack incoming webhook
type SlackNotifier struct {
	url    string
	client *http.Client
	logger *observability.Logger
}

// NewSlackNotifier creates a Slack sink
func NewSlackNotifier(webhookURL string, logger *observability.Logger) *SlackNotifier {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &SlackNotifier{
		url: webhookURL,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.WithField("component", "alert_slack"),
	}
}

// Notify posts the alert in the background
func (n *SlackNotifier) Notify(ctx context.Context, alert *Alert) error {
	message := FormatSlackMessage(alert)
	async.SafeGo(ctx, n.logger, "slack alert", 15*time.Second, func(ctx context.Context) error {
		return n.send(ctx, message)
	})
	return nil
}

func (n *SlackNotifier) send(ctx context.Context, message SlackMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// FormatSlackMessage formats an alert as a Slack attachment
func FormatSlackMessage(alert *Alert) SlackMessage {
	fields := []SlackField{
		{Title: "Kind", Value: string(alert.Kind), Short: true},
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Alert ID", Value: alert.ID, Short: true},
		{Title: "Timestamp", Value: alert.Timestamp.Format("2006-01-02 15:04:05"), Short: true},
	}
	if alert.CustomerID != 0 {
		fields = append(fields, SlackField{Title: "Customer", Value: strconv.FormatInt(alert.CustomerID, 10), Short: true})
	}
	if alert.BillingRecordID != 0 {
		fields = append(fields, SlackField{Title: "Billing Record", Value: strconv.FormatInt(alert.BillingRecordID, 10), Short: true})
	}

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprintf("%v", alert.Fields[k]), Short: false})
	}

	return SlackMessage{
		Attachments: []SlackAttachment{
			{
				Color:  severityColor(alert.Severity),
				Title:  alert.Message,
				Fields: fields,
			},
		},
	}
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "#439FE0"
	}
}
