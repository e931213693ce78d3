// Package retry provides the exponential backoff policy used for charge
// retries and operator alert delivery.
package retry

import (
	"math"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultChargeConfig returns the backoff used between automatic charge attempts
func DefaultChargeConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Hour,
		MaxDelay:          24 * time.Hour,
		BackoffMultiplier: 4.0,
	}
}

// DefaultDeliveryConfig returns the backoff used for outbound alert delivery
func DefaultDeliveryConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Policy implements exponential backoff
type Policy struct {
	config Config
}

// NewPolicy creates a policy, filling unset fields with delivery defaults
func NewPolicy(config Config) *Policy {
	defaults := DefaultDeliveryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return &Policy{config: config}
}

// MaxAttempts returns the attempt cap
func (p *Policy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// Exhausted reports whether no attempts remain after the given count
func (p *Policy) Exhausted(attempts int) bool {
	return attempts >= p.config.MaxAttempts
}

// ShouldRetry reports whether a failed attempt should be tried again
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	return err != nil && !p.Exhausted(attempts)
}

// NextDelay returns the wait after the given number of attempts
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// delay = initialDelay * multiplier^(attempts-1)
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// NextAttemptAt returns when the next attempt is due given the last one
func (p *Policy) NextAttemptAt(attempts int, last time.Time) time.Time {
	return last.Add(p.NextDelay(attempts))
}

// Due reports whether an attempt may run now. A nil last attempt is always due.
func (p *Policy) Due(attempts int, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	return !now.Before(p.NextAttemptAt(attempts, *last))
}
