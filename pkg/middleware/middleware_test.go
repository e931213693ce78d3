package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

type fakeRegistry struct {
	ids map[string]int64
	err error
}

func (f *fakeRegistry) EnsureCustomer(ctx context.Context, wallet string) (*billing.Customer, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.ids == nil {
		f.ids = map[string]int64{}
	}
	id, ok := f.ids[wallet]
	if !ok {
		id = int64(len(f.ids) + 100)
		f.ids[wallet] = id
	}
	return &billing.Customer{ID: id, WalletAddress: wallet}, nil
}

func echoCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := CustomerID(r)
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_, _ = w.Write([]byte(strconv.FormatInt(id, 10)))
}

func TestCustomerAuth(t *testing.T) {
	registry := &fakeRegistry{}
	handler := CustomerAuth(HeaderAuthenticator{}, registry)(http.HandlerFunc(echoCustomer))

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/billing/draft", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("registers once", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			req := httptest.NewRequest(http.MethodGet, "/billing/draft", nil)
			req.Header.Set(CustomerHeader, " 0xabc ")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "100", w.Body.String())
		}
		assert.Len(t, registry.ids, 1)
	})

	t.Run("registry failure", func(t *testing.T) {
		failing := CustomerAuth(HeaderAuthenticator{}, &fakeRegistry{err: errors.New("db down")})(http.HandlerFunc(echoCustomer))
		req := httptest.NewRequest(http.MethodGet, "/billing/draft", nil)
		req.Header.Set(CustomerHeader, "0xabc")
		w := httptest.NewRecorder()
		failing.ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(observability.NewLogger(observability.InfoLevel, &bytes.Buffer{}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	limiter := NewDistributedRateLimiter(rdb, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "test")
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "42")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := limiter.Remaining(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	remaining, err = limiter.Remaining(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	ttl, err := limiter.TTL(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, limiter.Reset(ctx, "42"))
	assert.False(t, mr.Exists("test:42"))
}

func TestCustomerRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limit := NewCustomerRateLimit(rdb, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, nil)
	handler := limit.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	request := func(customerID int64) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/services", nil)
		if customerID != 0 {
			req = req.WithContext(observability.WithCustomerID(req.Context(), customerID))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := request(42)
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := request(42)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, request(43).Code, "limits are per customer")
	assert.Equal(t, http.StatusNoContent, request(0).Code, "anonymous requests pass")

	mr.Close()
	assert.Equal(t, http.StatusNoContent, request(42).Code, "fails open without redis")
}
