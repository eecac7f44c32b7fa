package backend

import (
	"fmt"

	"github.com/itsneelabh/geomind/core"
)

// BackendError is a failure reported by the backend itself: a non-2xx
// response, an unusable success body, or an in-process plugin error.
// Status is 0 for in-process failures.
type BackendError struct {
	Geoprocess string
	Status     int
	Detail     string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend %s failed with status %d: %s", e.Geoprocess, e.Status, e.Detail)
	}
	return fmt.Sprintf("backend %s failed: %s", e.Geoprocess, e.Detail)
}

func (e *BackendError) Unwrap() []error {
	if e.Err != nil {
		return []error{core.ErrBackend, e.Err}
	}
	return []error{core.ErrBackend}
}

// Retryable reports whether the backend signalled a transient server-side condition.
func (e *BackendError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}

// TransportError is a failure to reach the backend at all.
type TransportError struct {
	Geoprocess string
	URL        string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{core.ErrTransport, e.Err}
}
