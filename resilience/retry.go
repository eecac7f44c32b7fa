// Package resilience provides the caller-side retry and circuit breaking
// policy wrapped around a backend. Backends themselves never retry.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itsneelabh/geomind/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// RetryConfigFrom converts the configuration section.
func RetryConfigFrom(c core.RetryConfig) *RetryConfig {
	rc := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		rc.MaxAttempts = c.MaxAttempts
	}
	if c.InitialInterval > 0 {
		rc.InitialDelay = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		rc.MaxDelay = c.MaxInterval
	}
	if c.Multiplier >= 1 {
		rc.BackoffFactor = c.Multiplier
	}
	return rc
}

// Retry executes fn until it succeeds or attempts run out.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	return RetryIf(ctx, config, nil, fn)
}

// RetryIf is Retry that gives up immediately on errors shouldRetry rejects.
// A nil shouldRetry retries every error.
func RetryIf(ctx context.Context, config *RetryConfig, shouldRetry func(error) bool, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt
		if attempt == attempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		wait := delay
		if config.JitterEnabled {
			wait += time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w", attempts, core.ErrMaxRetriesExceeded, lastErr)
}
