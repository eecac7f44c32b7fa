package resilience

import (
	"context"
	"errors"

	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/geo"
)

// IsTransient reports whether a backend failure is worth retrying: transport
// failures, timeouts, and 5xx/429 responses.
func IsTransient(err error) bool {
	var be *backend.BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return errors.Is(err, core.ErrTransport) || errors.Is(err, core.ErrTimeout)
}

// RetryingBackend wraps an Executor with retry and an optional breaker.
// Backend calls only derive data, so repeating them is safe.
type RetryingBackend struct {
	next    backend.Executor
	retry   *RetryConfig
	breaker *CircuitBreaker
	logger  core.Logger
}

// NewRetryingBackend wraps next. breaker may be nil.
func NewRetryingBackend(next backend.Executor, retry *RetryConfig, breaker *CircuitBreaker, logger core.Logger) *RetryingBackend {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RetryingBackend{next: next, retry: retry, breaker: breaker, logger: logger}
}

// Wrap applies the configured policy, returning next unchanged when both
// retry and circuit breaking are disabled.
func Wrap(next backend.Executor, cfg core.ResilienceConfig, logger core.Logger) backend.Executor {
	if !cfg.Retry.Enabled && !cfg.CircuitBreaker.Enabled {
		return next
	}
	retry := &RetryConfig{MaxAttempts: 1}
	if cfg.Retry.Enabled {
		retry = RetryConfigFrom(cfg.Retry)
	}
	var breaker *CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		breaker = NewCircuitBreaker(next.Name(), cfg.CircuitBreaker, logger)
	}
	return NewRetryingBackend(next, retry, breaker, logger)
}

func (r *RetryingBackend) Name() string { return r.next.Name() }

func (r *RetryingBackend) Execute(ctx context.Context, geoprocess string, params geo.Params) (backend.ExecutionResult, error) {
	var result backend.ExecutionResult
	attempt := 0
	err := RetryIf(ctx, r.retry, IsTransient, func() error {
		attempt++
		if r.breaker != nil && !r.breaker.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}
		res, err := r.next.Execute(ctx, geoprocess, params)
		if r.breaker != nil {
			switch {
			case err == nil:
				r.breaker.RecordSuccess()
			case IsTransient(err):
				r.breaker.RecordFailure()
			default:
				// The backend answered; it is healthy even if the request was bad.
				r.breaker.RecordSuccess()
			}
		}
		if err != nil {
			r.logger.Warn("Backend attempt failed", map[string]interface{}{
				"operation":  "resilience.backend.execute",
				"geoprocess": geoprocess,
				"attempt":    attempt,
				"transient":  IsTransient(err),
				"error":      err,
			})
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
