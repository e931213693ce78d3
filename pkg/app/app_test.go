package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	logger := observability.NewLogger(observability.InfoLevel, io.Discard)
	return &App{
		Config:   cfg,
		Logger:   logger,
		Shutdown: observability.NewShutdownManager(logger, time.Second),
	}
}

func TestBuildChain(t *testing.T) {
	t.Run("no providers configured", func(t *testing.T) {
		a := newTestApp(t, &config.Config{Billing: config.BillingConfig{MaxChargeRetries: 3}})
		chain := a.buildChain()
		assert.Nil(t, chain.Escrow())
		assert.Nil(t, chain.Card())
	})

	t.Run("escrow and card configured", func(t *testing.T) {
		a := newTestApp(t, &config.Config{
			Billing: config.BillingConfig{MaxChargeRetries: 3},
			Providers: config.ProvidersConfig{
				EscrowURL:       "http://escrow.local",
				StripeSecretKey: "sk_test_123",
				Timeout:         time.Second,
			},
		})
		chain := a.buildChain()
		assert.NotNil(t, chain.Escrow())
		assert.NotNil(t, chain.Card())
	})
}

func TestInitRedis(t *testing.T) {
	t.Run("disabled without url", func(t *testing.T) {
		a := newTestApp(t, &config.Config{})
		require.NoError(t, a.initRedis(context.Background()))
		assert.Nil(t, a.Redis)
	})

	t.Run("connects and closes on shutdown", func(t *testing.T) {
		mr := miniredis.RunT(t)
		a := newTestApp(t, &config.Config{Redis: config.RedisConfig{URL: "redis://" + mr.Addr()}})
		require.NoError(t, a.initRedis(context.Background()))
		require.NotNil(t, a.Redis)
		require.NoError(t, a.Redis.Set(context.Background(), "k", "v", 0).Err())

		require.NoError(t, a.Shutdown.Shutdown(context.Background()))
		assert.Error(t, a.Redis.Ping(context.Background()).Err())
	})

	t.Run("invalid url", func(t *testing.T) {
		a := newTestApp(t, &config.Config{Redis: config.RedisConfig{URL: "://bad"}})
		assert.Error(t, a.initRedis(context.Background()))
	})
}

func TestBuildAlerts(t *testing.T) {
	a := newTestApp(t, &config.Config{Notify: config.NotifyConfig{
		WebhookURL:    "http://alerts.local",
		WebhookSecret: "secret",
		SlackURL:      "http://slack.local",
	}})
	assert.NotNil(t, a.buildAlerts())
}
