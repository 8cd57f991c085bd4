package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the manifest and for dispatch policy.
type ErrorKind string

const (
	// KindDecomposition covers unreadable or corrupt source artifacts.
	KindDecomposition ErrorKind = "decomposition"
	// KindBackendUnavailable covers connection refused/reset and timeouts.
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	// KindBackendRejected covers malformed requests the backend refused (4xx).
	KindBackendRejected ErrorKind = "backend_rejected"
	// KindBackendError covers non-2xx backend responses with a message (5xx).
	KindBackendError ErrorKind = "backend_error"
	// KindDatasetRow covers malformed dataset records.
	KindDatasetRow ErrorKind = "dataset_row"
	// KindConfig covers invalid configuration; always fatal to the run.
	KindConfig ErrorKind = "configuration"
	// KindOutputWrite covers filesystem write failures for a specific unit.
	KindOutputWrite ErrorKind = "output_write"
	// KindCanceled covers units cut short by run cancellation. Never
	// recorded in the manifest; the unit is simply not done.
	KindCanceled ErrorKind = "canceled"
)

// Error is a classified pipeline error. Per-unit kinds are recorded in the
// manifest and never abort sibling units; KindConfig aborts the run.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func DecompositionError(message string, err error) *Error {
	return NewError(KindDecomposition, message, err)
}

func BackendUnavailable(message string, err error) *Error {
	return NewError(KindBackendUnavailable, message, err)
}

func BackendRejected(message string, err error) *Error {
	return NewError(KindBackendRejected, message, err)
}

func BackendError(message string, err error) *Error {
	return NewError(KindBackendError, message, err)
}

func RowError(message string, err error) *Error {
	return NewError(KindDatasetRow, message, err)
}

func ConfigError(message string, err error) *Error {
	return NewError(KindConfig, message, err)
}

func WriteError(message string, err error) *Error {
	return NewError(KindOutputWrite, message, err)
}

func CanceledError(message string, err error) *Error {
	return NewError(KindCanceled, message, err)
}

// KindOf extracts the classification from an error chain. Unclassified
// errors are reported as backend errors so nothing disappears from the
// manifest.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindBackendError
}

// IsFatal reports whether the error must abort the whole run rather than be
// recorded in the manifest.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfig
}
