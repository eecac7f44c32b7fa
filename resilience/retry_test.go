package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itsneelabh/geomind/core"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}
}

// TestRetryBasicSuccess tests successful execution on first attempt
func TestRetryBasicSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryEventualSuccess tests success after multiple attempts
func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryMaxAttemptsExceeded tests failure after all retries exhausted
func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	testErr := errors.New("persistent error")

	err := Retry(context.Background(), fastRetry(3), func() error {
		attempts++
		return testErr
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryIfStopsOnPermanentError tests that rejected errors are returned unwrapped
func TestRetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	attempts := 0

	err := RetryIf(context.Background(), fastRetry(5), func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() error {
		attempts++
		return permanent
	})

	if err != permanent {
		t.Errorf("Expected the permanent error as-is, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryContextCancellation tests that cancellation interrupts backoff
func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 2}

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, config, func() error {
			attempts++
			return errors.New("fail")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

// TestRetryConfigFrom tests conversion of the configuration section
func TestRetryConfigFrom(t *testing.T) {
	rc := RetryConfigFrom(core.RetryConfig{MaxAttempts: 4, InitialInterval: 2 * time.Second, Multiplier: 1.5})
	if rc.MaxAttempts != 4 || rc.InitialDelay != 2*time.Second || rc.BackoffFactor != 1.5 {
		t.Errorf("Unexpected conversion: %+v", rc)
	}
	if rc.MaxDelay != DefaultRetryConfig().MaxDelay {
		t.Errorf("Expected default MaxDelay, got %v", rc.MaxDelay)
	}
}
