package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

func TestKeyIssuerClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/keys", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req issueKeyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(42), req.CustomerID)
		assert.Equal(t, billing.ServiceType("rpc"), req.ServiceType)
		assert.Equal(t, "pro", req.Tier)
		assert.Equal(t, 100, req.Limits.MaxRequestsPerSecond)

		_ = json.NewEncoder(w).Encode(issueKeyResponse{APIKey: "tg_live_abc"})
	}))
	defer server.Close()

	client := NewKeyIssuerClient(server.URL+"/", "secret", time.Second)
	key, err := client.IssueAPIKey(context.Background(), 42, "rpc", subscriptions.KeyOptions{
		Tier:   "pro",
		Limits: billing.TierLimits{MaxRequestsPerSecond: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "tg_live_abc", key)
}

func TestKeyIssuerClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":"key_limit","message":"too many keys"}`))
			},
			want: "key service returned status 409: too many keys",
		},
		{
			name: "empty key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
			want: "key service returned an empty key",
		},
		{
			name: "garbage",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			want: "failed to decode key service response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			_, err := NewKeyIssuerClient(server.URL, "", time.Second).IssueAPIKey(context.Background(), 1, "rpc", subscriptions.KeyOptions{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUsageClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/7/usage/preview", r.URL.Path)
		_, _ = w.Write([]byte(`{"total_cents":375,"per_service":{"rpc":250,"indexer":125}}`))
	}))
	defer server.Close()

	charges, err := NewUsageClient(server.URL, "", 0).UsageChargePreview(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(375), charges.TotalCents)
	assert.Equal(t, int64(125), charges.PerService["indexer"])
}

type countingPreview struct {
	calls   atomic.Int32
	charges *subscriptions.UsageCharges
	err     error
}

func (p *countingPreview) UsageChargePreview(ctx context.Context, customerID int64) (*subscriptions.UsageCharges, error) {
	p.calls.Add(1)
	return p.charges, p.err
}

func TestCachedUsagePreview(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	next := &countingPreview{charges: &subscriptions.UsageCharges{
		TotalCents: 250,
		PerService: map[billing.ServiceType]int64{"rpc": 250},
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := NewCachedUsagePreview(next, rdb, time.Minute, nil, metrics)
	ctx := context.Background()

	first, err := cache.UsageChargePreview(ctx, 9)
	require.NoError(t, err)
	second, err := cache.UsageChargePreview(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), next.calls.Load())
	assert.True(t, mr.Exists("tollgate:usage:9"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("usage_preview")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("usage_preview")))

	mr.FastForward(2 * time.Minute)
	_, err = cache.UsageChargePreview(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())

	require.NoError(t, cache.Invalidate(ctx, 9))
	_, err = cache.UsageChargePreview(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestCachedUsagePreview_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	next := &countingPreview{charges: &subscriptions.UsageCharges{TotalCents: 10}}
	charges, err := NewCachedUsagePreview(next, rdb, 0, nil, nil).UsageChargePreview(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), charges.TotalCents)
}

func TestCachedUsagePreview_PropagatesErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	next := &countingPreview{err: errors.New("metering unavailable")}
	_, err := NewCachedUsagePreview(next, rdb, time.Minute, nil, nil).UsageChargePreview(context.Background(), 1)
	require.EqualError(t, err, "metering unavailable")
	assert.False(t, mr.Exists("tollgate:usage:1"))
}
