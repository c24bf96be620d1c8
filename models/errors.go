package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ValidationError is returned for malformed input. It never touches shared state.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// InvalidTransitionError is returned when a moderation item cannot move
// from its current status to the requested one.
type InvalidTransitionError struct {
	ID   string
	From ModerationStatus
	To   ModerationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("moderation item %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInvalidTransition(err error) bool {
	var t *InvalidTransitionError
	return errors.As(err, &t)
}
