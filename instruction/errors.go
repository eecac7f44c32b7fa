package instruction

import (
	"fmt"

	"github.com/itsneelabh/geomind/core"
)

// EnvelopeError reports a structurally invalid envelope.
type EnvelopeError struct {
	Path    string
	Message string
}

func (e *EnvelopeError) Error() string {
	if e.Path == "" {
		return "malformed envelope: " + e.Message
	}
	return fmt.Sprintf("malformed envelope at %s: %s", e.Path, e.Message)
}

func (e *EnvelopeError) Unwrap() error { return core.ErrMalformedEnvelope }

// CompletenessError reports a completeness claim that contradicts the content.
type CompletenessError struct {
	Message string
}

func (e *CompletenessError) Error() string { return "invalid completeness: " + e.Message }

func (e *CompletenessError) Unwrap() error { return core.ErrInvalidCompleteness }

// DanglingReferenceError reports an action whose product reference names no product.
type DanglingReferenceError struct {
	ActionIndex int
	OutputID    string
	Ref         string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("action %d (%s) references unknown product id %q", e.ActionIndex, e.OutputID, e.Ref)
}

func (e *DanglingReferenceError) Unwrap() error { return core.ErrDanglingProductReference }

// DuplicateIDError reports a repeated product id or output_id.
type DuplicateIDError struct {
	Kind string // "product" or "output"
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate %s id %q", e.Kind, e.ID)
}

func (e *DuplicateIDError) Unwrap() error { return core.ErrDuplicateID }

func malformed(path, format string, args ...interface{}) error {
	return &EnvelopeError{Path: path, Message: fmt.Sprintf(format, args...)}
}
