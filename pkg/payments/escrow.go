package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// EscrowClient talks to the escrow service over HTTP
type EscrowClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewEscrowClient creates a client with a traced transport
func NewEscrowClient(baseURL, apiKey string, timeout time.Duration) *EscrowClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EscrowClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type escrowAmount struct {
	AmountCents int64  `json:"amount_usd_cents"`
	Description string `json:"description,omitempty"`
}

type escrowBalance struct {
	BalanceCents int64 `json:"balance_usd_cents"`
}

type escrowLimit struct {
	LimitCents int64 `json:"limit_usd_cents"`
}

type escrowError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends a JSON request. Statuses listed in accept are decoded into out
// like a 2xx response.
func (c *EscrowClient) do(ctx context.Context, method, path string, body, out interface{}, header http.Header, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal escrow request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create escrow request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call escrow: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var apiErr escrowError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return resp.StatusCode, fmt.Errorf("escrow returned status %d: %s %s", resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode escrow response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func accountPath(account, suffix string) string {
	return "/v1/accounts/" + url.PathEscape(account) + suffix
}

// Charge debits the account. A 402 response is a decline.
func (c *EscrowClient) Charge(ctx context.Context, account string, amountCents int64, description, idempotencyKey string) (*EscrowCharge, error) {
	header := http.Header{}
	header.Set("Idempotency-Key", idempotencyKey)

	var res EscrowCharge
	status, err := c.do(ctx, http.MethodPost, accountPath(account, "/charges"),
		escrowAmount{AmountCents: amountCents, Description: description}, &res, header, http.StatusPaymentRequired)
	if err != nil {
		return nil, err
	}
	if status == http.StatusPaymentRequired {
		res.Status = EscrowDeclined
		if res.FailureReason == "" {
			res.FailureReason = "insufficient_escrow_balance"
		}
	}
	if res.Status == "" {
		res.Status = EscrowSettled
	}
	return &res, nil
}

// Deposit credits the account and returns the new balance
func (c *EscrowClient) Deposit(ctx context.Context, account string, amountCents int64) (int64, error) {
	var res escrowBalance
	if _, err := c.do(ctx, http.MethodPost, accountPath(account, "/deposits"), escrowAmount{AmountCents: amountCents}, &res, nil); err != nil {
		return 0, err
	}
	return res.BalanceCents, nil
}

// Withdraw debits the account and returns the new balance
func (c *EscrowClient) Withdraw(ctx context.Context, account string, amountCents int64) (int64, error) {
	var res escrowBalance
	status, err := c.do(ctx, http.MethodPost, accountPath(account, "/withdrawals"), escrowAmount{AmountCents: amountCents}, &res, nil)
	if status == http.StatusPaymentRequired {
		return 0, billing.Conflict("insufficient_balance", "escrow balance is lower than the withdrawal")
	}
	if err != nil {
		return 0, err
	}
	return res.BalanceCents, nil
}

// Balance returns the account balance
func (c *EscrowClient) Balance(ctx context.Context, account string) (int64, error) {
	var res escrowBalance
	if _, err := c.do(ctx, http.MethodGet, accountPath(account, "/balance"), nil, &res, nil); err != nil {
		return 0, err
	}
	return res.BalanceCents, nil
}

// UpdateSpendingLimit sets the monthly limit the escrow contract enforces
func (c *EscrowClient) UpdateSpendingLimit(ctx context.Context, account string, limitCents int64) error {
	_, err := c.do(ctx, http.MethodPut, accountPath(account, "/spending-limit"), escrowLimit{LimitCents: limitCents}, nil, nil)
	return err
}
