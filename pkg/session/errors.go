package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTranscripts is returned when a question arrives before any
	// transcript has been ingested, or none of the requested ids resolve.
	ErrNoTranscripts = errors.New("no transcripts loaded")

	// ErrNoDataset is returned when discovery or dataset-info runs before
	// a dataset has been loaded.
	ErrNoDataset = errors.New("no dataset loaded")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
