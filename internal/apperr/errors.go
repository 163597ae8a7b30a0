// Package apperr defines the error taxonomy shared across the engine layers.
// Callers classify with errors.Is/As and must never see raw store errors.
package apperr

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound marks an unknown grant or diagnosis id.
	ErrNotFound = errors.New("not found")
	// ErrAuth marks a missing or invalid identity on an identity-scoped action.
	ErrAuth = errors.New("authentication required")
	// ErrStore marks an underlying data access failure. The original cause is
	// logged server-side; callers get a generic retry message.
	ErrStore = errors.New("store failure")
)

// ValidationError reports malformed or missing input with field-level detail.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validation builds a field-scoped validation error.
func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Store wraps an underlying data-access error into the StoreError class while
// keeping the cause for logging.
func Store(err error, msg string) error {
	return eris.Wrap(fmt.Errorf("%w: %v", ErrStore, err), msg)
}

// NotFound wraps ErrNotFound with the entity description.
func NotFound(what string) error {
	return eris.Wrap(ErrNotFound, what)
}
