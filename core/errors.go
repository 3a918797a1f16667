package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no immutable object with the requested
	// hash key exists in the underlying store.
	ErrNotFound = errors.New("immutable object does not exist")

	// ErrWrongImmutableType is returned when a stored immutable object is not
	// of the type the caller requires (e.g. a Freeform where a message tree
	// node is expected).
	ErrWrongImmutableType = errors.New("immutable object has wrong type")

	// ErrSendClosed is returned when an item is sent to a sequence whose
	// producer side has already been closed.
	ErrSendClosed = errors.New("sequence is closed for sending")

	// ErrEmptySequence is returned when a concluding message is requested
	// from a sequence that produced no messages at all.
	ErrEmptySequence = errors.New("message sequence is empty")

	// ErrNoAskingAgent is returned when no agent up the chain of parent
	// interaction contexts expects a response.
	ErrNoAskingAgent = errors.New("no asking agent up the chain of parent contexts")
)

// ValidationError reports a data-model or usage violation with enough detail
// to locate the offending field. It fails fast at the point of misuse.
type ValidationError struct {
	Field   string // Field that failed validation (empty for usage errors)
	Value   any    // Value that was provided
	Message string // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError constructs a usage-level ValidationError without a field.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
