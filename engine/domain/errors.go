package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the retrieval core.
var (
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// InvalidArgument is shorthand for a ValidationError wrapping ErrInvalidArgument.
func InvalidArgument(field, value string) *ValidationError {
	return NewValidationError(field, value, ErrInvalidArgument)
}
