package pricing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

const testCatalogYAML = `
version: "2024-02"
services:
  - type: rpc
    display_name: RPC Gateway
    tiers:
      - name: starter
        monthly_price_cents: 900
        limits:
          max_requests_per_second: 20
          max_burst: 40
          max_api_keys: 1
      - name: pro
        monthly_price_cents: 3000
        limits:
          max_requests_per_second: 100
          max_burst: 200
          max_api_keys: 5
          ip_allowlist: true
          max_allowlist_entries: 10
`

func TestParse(t *testing.T) {
	t.Run("valid catalog", func(t *testing.T) {
		c, err := Parse(strings.NewReader(testCatalogYAML))
		require.NoError(t, err)
		assert.Equal(t, "2024-02", c.Version())

		price, err := c.Price("rpc", "pro")
		require.NoError(t, err)
		assert.Equal(t, int64(3000), price)

		tier, err := c.Tier("rpc", "pro")
		require.NoError(t, err)
		assert.True(t, tier.Limits.IPAllowlist)
		assert.Equal(t, 10, tier.Limits.MaxAllowlistEntries)

		services := c.Services()
		require.Len(t, services, 1)
		assert.Equal(t, "RPC Gateway", services[0].DisplayName)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := Parse(strings.NewReader("version: x\nservices: []\nsurprise: true\n"))
		assert.Error(t, err)
	})

	t.Run("unknown tier is a validation error", func(t *testing.T) {
		c, err := Parse(strings.NewReader(testCatalogYAML))
		require.NoError(t, err)

		_, err = c.Tier("rpc", "gold")
		assert.True(t, billing.IsKind(err, billing.KindValidation))

		_, err = c.Price("storage", "pro")
		assert.True(t, billing.IsKind(err, billing.KindValidation))
	})
}

func TestNewCatalogValidation(t *testing.T) {
	limits := billing.TierLimits{MaxRequestsPerSecond: 1, MaxAPIKeys: 1}
	tests := []struct {
		name     string
		services []Service
	}{
		{"no services", nil},
		{"missing type", []Service{{Tiers: []Tier{{Name: "a", Limits: limits}}}}},
		{"no tiers", []Service{{Type: "rpc"}}},
		{"negative price", []Service{{Type: "rpc", Tiers: []Tier{{Name: "a", MonthlyPriceCents: -1, Limits: limits}}}}},
		{"duplicate tier", []Service{{Type: "rpc", Tiers: []Tier{{Name: "a", Limits: limits}, {Name: "a", Limits: limits}}}}},
		{"duplicate service", []Service{
			{Type: "rpc", Tiers: []Tier{{Name: "a", Limits: limits}}},
			{Type: "rpc", Tiers: []Tier{{Name: "b", Limits: limits}}},
		}},
		{"zero limits", []Service{{Type: "rpc", Tiers: []Tier{{Name: "a"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog("v", tt.services)
			assert.Error(t, err)
		})
	}
}
