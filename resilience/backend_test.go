package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/geo"
)

type scriptedBackend struct {
	errs  []error
	calls int
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) Execute(context.Context, string, geo.Params) (backend.ExecutionResult, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return nil, s.errs[s.calls-1]
	}
	return backend.SingleAsset{Location: "/tmp/out.tif", Format: "geotiff"}, nil
}

// TestIsTransient tests retry classification of backend failures
func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", &backend.BackendError{Status: 503}, true},
		{"rate limited", &backend.BackendError{Status: 429}, true},
		{"unprocessable", &backend.BackendError{Status: 422}, false},
		{"plugin", &backend.BackendError{Detail: "boom"}, false},
		{"transport", &backend.TransportError{URL: "http://x", Err: syscall.ECONNREFUSED}, true},
		{"timeout", core.ErrTimeout, true},
		{"other", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

// TestRetryingBackend tests that transient failures are retried and permanent ones are not
func TestRetryingBackend(t *testing.T) {
	t.Run("transient then success", func(t *testing.T) {
		next := &scriptedBackend{errs: []error{&backend.BackendError{Status: 503}, &backend.TransportError{Err: syscall.ECONNRESET}}}
		rb := NewRetryingBackend(next, fastRetry(3), nil, nil)
		res, err := rb.Execute(context.Background(), "rgb_composite", geo.Params{})
		require.NoError(t, err)
		assert.IsType(t, backend.SingleAsset{}, res)
		assert.Equal(t, 3, next.calls)
		assert.Equal(t, "scripted", rb.Name())
	})

	t.Run("permanent", func(t *testing.T) {
		next := &scriptedBackend{errs: []error{&backend.BackendError{Status: 422, Detail: "bad bbox"}}}
		rb := NewRetryingBackend(next, fastRetry(3), nil, nil)
		_, err := rb.Execute(context.Background(), "rgb_composite", geo.Params{})
		var be *backend.BackendError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, 422, be.Status)
		assert.Equal(t, 1, next.calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		down := &backend.TransportError{Err: syscall.ECONNREFUSED}
		next := &scriptedBackend{errs: []error{down, down}}
		rb := NewRetryingBackend(next, fastRetry(2), nil, nil)
		_, err := rb.Execute(context.Background(), "rgb_composite", geo.Params{})
		assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, core.ErrTransport)
	})
}

// TestRetryingBackendBreaker tests that an open breaker short-circuits calls
func TestRetryingBackendBreaker(t *testing.T) {
	down := &backend.TransportError{Err: syscall.ECONNREFUSED}
	next := &scriptedBackend{errs: []error{down, down, down, down}}
	cb := NewCircuitBreaker("scripted", core.CircuitBreakerConfig{Enabled: true, Threshold: 2, Timeout: time.Hour}, nil)
	rb := NewRetryingBackend(next, &RetryConfig{MaxAttempts: 1}, cb, nil)

	for i := 0; i < 2; i++ {
		_, err := rb.Execute(context.Background(), "ndvi", geo.Params{})
		assert.ErrorIs(t, err, core.ErrTransport)
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err := rb.Execute(context.Background(), "ndvi", geo.Params{})
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, 2, next.calls)
}

// TestWrap tests policy selection from configuration
func TestWrap(t *testing.T) {
	next := &scriptedBackend{}
	assert.Same(t, next, Wrap(next, core.ResilienceConfig{}, nil).(*scriptedBackend))

	wrapped := Wrap(next, core.ResilienceConfig{Retry: core.RetryConfig{Enabled: true, MaxAttempts: 2}}, nil)
	rb, ok := wrapped.(*RetryingBackend)
	require.True(t, ok)
	assert.Equal(t, 2, rb.retry.MaxAttempts)
	assert.Nil(t, rb.breaker)
}
