package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// Domain packages wrap these in structured error types that carry the details
var (
	// Instruction contract errors
	ErrValidation               = errors.New("validation failed")
	ErrUnsupportedReducer       = errors.New("unsupported reducer")
	ErrMalformedEnvelope        = errors.New("malformed envelope")
	ErrInvalidCompleteness      = errors.New("invalid completeness")
	ErrDanglingProductReference = errors.New("dangling product reference")
	ErrDuplicateID              = errors.New("duplicate identifier")

	// Backend errors
	ErrBackend            = errors.New("backend error")
	ErrTransport          = errors.New("transport error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnknownGeoprocess  = errors.New("unknown geoprocess")

	// Tile reassembly errors
	ErrInconsistentTileGrid = errors.New("inconsistent tile grid")
	ErrTooManyTiles         = errors.New("too many tiles")
	ErrTileDownload         = errors.New("tile download failed")
	ErrUnsupportedRaster    = errors.New("unsupported raster")

	// Handoff errors
	ErrHandoff          = errors.New("artifact handoff failed")
	ErrConnectionFailed = errors.New("connection failed")

	// Clarification loop errors
	ErrClarificationExhausted = errors.New("clarification iterations exhausted")
	ErrAborted                = errors.New("aborted")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotInitialized    = errors.New("not initialized")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "Config.Validate")
	Kind    string // Error kind (e.g., "config", "backend", "tiling")
	ID      string // Optional ID of the entity involved (output_id, product id)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		msg := e.Err.Error()
		if e.Message != "" {
			msg = e.Message + ": " + msg
		}
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %s", e.Op, e.ID, msg)
		}
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable reports whether an error is a transient transport or availability failure.
// Contract violations are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsContractError checks if an error comes from instruction validation
func IsContractError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMalformedEnvelope) ||
		errors.Is(err, ErrInvalidCompleteness) ||
		errors.Is(err, ErrDanglingProductReference) ||
		errors.Is(err, ErrDuplicateID)
}

// IsTilingError checks if an error was raised while reassembling tiled output
func IsTilingError(err error) bool {
	return errors.Is(err, ErrInconsistentTileGrid) ||
		errors.Is(err, ErrTooManyTiles) ||
		errors.Is(err, ErrTileDownload)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
