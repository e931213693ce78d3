package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// UsageClient reads accrued usage charges from the metering service
type UsageClient struct {
	api apiClient
}

var _ subscriptions.UsagePreview = (*UsageClient)(nil)

// NewUsageClient creates a metering service client
func NewUsageClient(baseURL, apiKey string, timeout time.Duration) *UsageClient {
	return &UsageClient{api: newAPIClient("usage service", baseURL, apiKey, timeout)}
}

// UsageChargePreview implements subscriptions.UsagePreview
func (c *UsageClient) UsageChargePreview(ctx context.Context, customerID int64) (*subscriptions.UsageCharges, error) {
	var out subscriptions.UsageCharges
	if err := c.api.do(ctx, http.MethodGet, fmt.Sprintf("/v1/customers/%d/usage/preview", customerID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
