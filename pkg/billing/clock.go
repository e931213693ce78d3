package billing

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by billing logic
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a settable clock for simulations and tests
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock frozen at t
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

// Now returns the frozen time
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance moves the clock forward by d
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Today returns the current UTC date at midnight
func Today(c Clock) time.Time {
	return StartOfDay(c.Now())
}

// DelayInjector pauses before provider calls so slow providers can be simulated
type DelayInjector interface {
	Delay(ctx context.Context, operation string) error
}

// NoDelay never pauses
type NoDelay struct{}

// Delay returns immediately
func (NoDelay) Delay(ctx context.Context, operation string) error {
	return nil
}

// FixedDelay pauses for Duration before the listed operations, or all operations when none are listed
type FixedDelay struct {
	Duration   time.Duration
	Operations []string
}

// Delay sleeps unless the context ends first
func (d FixedDelay) Delay(ctx context.Context, operation string) error {
	if d.Duration <= 0 || !d.applies(operation) {
		return nil
	}
	timer := time.NewTimer(d.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d FixedDelay) applies(operation string) bool {
	if len(d.Operations) == 0 {
		return true
	}
	for _, op := range d.Operations {
		if op == operation {
			return true
		}
	}
	return false
}
