package forum

import (
	"errors"
	"fmt"
)

// FormattedError is an error condition rendered into message form: the text
// that becomes the error message's content, plus metadata describing the
// failure. It is also what RaiseIfError reconstructs when the original
// condition is no longer attached, e.g. for error messages loaded back from
// the store.
type FormattedError struct {
	Text     string
	Metadata map[string]any
}

// NewFormattedError builds a FormattedError condition.
func NewFormattedError(text string, metadata map[string]any) *FormattedError {
	return &FormattedError{Text: text, Metadata: metadata}
}

// Error implements the error interface.
func (e *FormattedError) Error() string { return e.Text }

// ErrorFormatter renders error conditions into message text and metadata
// before they enter a conversation as error messages.
type ErrorFormatter interface {
	FormatError(err error) *FormattedError
}

// ErrorFormatterFunc adapts a function to the ErrorFormatter interface.
type ErrorFormatterFunc func(err error) *FormattedError

// FormatError implements ErrorFormatter.
func (fn ErrorFormatterFunc) FormatError(err error) *FormattedError { return fn(err) }

// DefaultErrorFormatter renders the error's own text and records the concrete
// error type in metadata. Conditions that are already formatted pass through
// unchanged, so an error message forwarded between conversations keeps its
// original rendering.
func DefaultErrorFormatter() ErrorFormatter {
	return ErrorFormatterFunc(func(err error) *FormattedError {
		var formatted *FormattedError
		if errors.As(err, &formatted) {
			return formatted
		}
		return &FormattedError{
			Text:     err.Error(),
			Metadata: map[string]any{"error_type": fmt.Sprintf("%T", err)},
		}
	})
}
