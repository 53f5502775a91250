// Package services contains the durable-store services for projects, threads,
// messages and agent runs. Services issue raw SQL through the shared pgx pool
// and translate storage conditions into the error taxonomy the API maps to
// HTTP statuses.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrAccessDenied is returned when the caller does not own the entity and
	// it is not public
	ErrAccessDenied = errors.New("access denied")

	// ErrTerminalRun is returned when attempting a state transition on a run
	// already in a terminal state
	ErrTerminalRun = errors.New("run is in a terminal state")
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
