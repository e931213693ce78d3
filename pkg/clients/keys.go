package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// KeyIssuerClient provisions API keys through the key service
type KeyIssuerClient struct {
	api apiClient
}

var _ subscriptions.KeyIssuer = (*KeyIssuerClient)(nil)

// NewKeyIssuerClient creates a key service client
func NewKeyIssuerClient(baseURL, apiKey string, timeout time.Duration) *KeyIssuerClient {
	return &KeyIssuerClient{api: newAPIClient("key service", baseURL, apiKey, timeout)}
}

type issueKeyRequest struct {
	CustomerID  int64               `json:"customer_id"`
	ServiceType billing.ServiceType `json:"service_type"`
	Tier        string              `json:"tier"`
	Limits      billing.TierLimits  `json:"limits"`
}

type issueKeyResponse struct {
	APIKey string `json:"api_key"`
}

// IssueAPIKey implements subscriptions.KeyIssuer
func (c *KeyIssuerClient) IssueAPIKey(ctx context.Context, customerID int64, serviceType billing.ServiceType, opts subscriptions.KeyOptions) (string, error) {
	var out issueKeyResponse
	err := c.api.do(ctx, http.MethodPost, "/v1/keys", issueKeyRequest{
		CustomerID:  customerID,
		ServiceType: serviceType,
		Tier:        opts.Tier,
		Limits:      opts.Limits,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.APIKey == "" {
		return "", errors.New("key service returned an empty key")
	}
	return out.APIKey, nil
}
