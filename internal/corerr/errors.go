// Package corerr defines the Core's error taxonomy (§7): a small closed set
// of error kinds that every component maps its failures into before they
// cross a component boundary, so the Scheduler never has to type-switch on
// transport-specific error types.
package corerr

import "fmt"

// Kind is the closed set of error categories the Core distinguishes.
type Kind string

const (
	KindTransport  Kind = "transport"
	KindValidation Kind = "validation"
	KindInvariant  Kind = "invariant"
	KindBudget     Kind = "budget"
	KindCancelled  Kind = "cancelled"
	KindFatal      Kind = "fatal"
)

// CoreError wraps an underlying error with a taxonomy Kind so callers can
// branch on Kind via errors.As without inspecting error strings.
type CoreError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New builds a CoreError with no wrapped cause.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap builds a CoreError wrapping an existing error.
func Wrap(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*CoreError)
	if !ok {
		return false
	}
	return ce.Kind == kind
}
