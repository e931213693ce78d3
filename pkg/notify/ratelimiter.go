package notify

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket per key. It stops a flapping condition from
// flooding an alert endpoint.
type RateLimiter struct {
	buckets      map[string]*tokenBucket
	mutex        sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
	now          func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows maxRequests per key, refilling one token per period
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 30
	}
	if period <= 0 {
		period = 2 * time.Second
	}
	return &RateLimiter{
		buckets:      make(map[string]*tokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: period,
		now:          time.Now,
	}
}

// Allow takes a token for key if one is available
func (rl *RateLimiter) Allow(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.maxTokens, lastRefill: now}
		rl.buckets[key] = bucket
	}

	if elapsed := now.Sub(bucket.lastRefill); elapsed >= rl.refillPeriod {
		periods := int(elapsed / rl.refillPeriod)
		bucket.tokens = min(bucket.tokens+periods, rl.maxTokens)
		bucket.lastRefill = bucket.lastRefill.Add(time.Duration(periods) * rl.refillPeriod)
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// Reset forgets the bucket for key
func (rl *RateLimiter) Reset(key string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, key)
}
