package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// DefaultUsageCacheTTL bounds how stale a cached preview can be
const DefaultUsageCacheTTL = time.Minute

// CachedUsagePreview keeps usage previews in Redis. Redis errors fall
// through to the wrapped preview.
type CachedUsagePreview struct {
	next   subscriptions.UsagePreview
	redis  *redis.Client
	ttl    time.Duration
	prefix  string
	logger  *observability.Logger
	metrics *observability.Metrics
}

var _ subscriptions.UsagePreview = (*CachedUsagePreview)(nil)

// NewCachedUsagePreview wraps next with a Redis cache. metrics may be nil.
func NewCachedUsagePreview(next subscriptions.UsagePreview, redisClient *redis.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *CachedUsagePreview {
	if ttl <= 0 {
		ttl = DefaultUsageCacheTTL
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &CachedUsagePreview{
		next:   next,
		redis:  redisClient,
		ttl:    ttl,
		prefix:  "tollgate:usage",
		logger:  logger,
		metrics: metrics,
	}
}

func (c *CachedUsagePreview) key(customerID int64) string {
	return fmt.Sprintf("%s:%d", c.prefix, customerID)
}

// UsageChargePreview implements subscriptions.UsagePreview
func (c *CachedUsagePreview) UsageChargePreview(ctx context.Context, customerID int64) (*subscriptions.UsageCharges, error) {
	logger := c.logger.WithCustomer(customerID, "usage_preview")
	raw, err := c.redis.Get(ctx, c.key(customerID)).Bytes()
	switch {
	case err == nil:
		var cached subscriptions.UsageCharges
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			c.metrics.CacheHit("usage_preview")
			return &cached, nil
		}
		logger.Warn("Discarding unreadable cached usage preview")
	case err != redis.Nil:
		logger.WithError(err).Warn("Usage cache read failed")
	}

	c.metrics.CacheMiss("usage_preview")
	charges, err := c.next.UsageChargePreview(ctx, customerID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(charges)
	if err != nil {
		return charges, nil
	}
	if err := c.redis.Set(ctx, c.key(customerID), payload, c.ttl).Err(); err != nil {
		logger.WithError(err).Warn("Usage cache write failed")
	}
	return charges, nil
}

// Invalidate drops the customer's cached preview
func (c *CachedUsagePreview) Invalidate(ctx context.Context, customerID int64) error {
	return c.redis.Del(ctx, c.key(customerID)).Err()
}
