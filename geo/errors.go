package geo

import (
	"fmt"
	"strings"

	"github.com/itsneelabh/geomind/core"
)

// ViolationKind classifies a parameter violation.
type ViolationKind string

const (
	KindMissing            ViolationKind = "missing"
	KindInvalidType        ViolationKind = "invalid_type"
	KindInvalidValue       ViolationKind = "invalid_value"
	KindUnsupportedReducer ViolationKind = "unsupported_reducer"
	KindBandCount          ViolationKind = "band_count"
	KindDateOrder          ViolationKind = "date_order"
)

// ValidationError reports a single parameter that failed normalization.
type ValidationError struct {
	Field   string
	Kind    ViolationKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap exposes core.ErrValidation, plus core.ErrUnsupportedReducer for reducer violations.
func (e *ValidationError) Unwrap() []error {
	if e.Kind == KindUnsupportedReducer {
		return []error{core.ErrValidation, core.ErrUnsupportedReducer}
	}
	return []error{core.ErrValidation}
}

// Question renders the violation as an actionable question for the requester.
func (e *ValidationError) Question() string {
	switch e.Kind {
	case KindMissing:
		return fmt.Sprintf("Please provide %s: %s", e.Field, e.Message)
	case KindUnsupportedReducer:
		return fmt.Sprintf("%s. Which of %s should be used?", e.Message, strings.Join(ReducerNames(), ", "))
	default:
		return fmt.Sprintf("The value for %s is not valid (%s). What should it be?", e.Field, e.Message)
	}
}

// ValidationErrors accumulates every violation found in one parameter bag.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid parameters: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	errs := make([]error, len(v))
	for i, e := range v {
		errs[i] = e
	}
	return errs
}

func (v *ValidationErrors) add(field string, kind ViolationKind, format string, args ...interface{}) {
	*v = append(*v, &ValidationError{Field: field, Kind: kind, Message: fmt.Sprintf(format, args...)})
}
