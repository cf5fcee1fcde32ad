package model

import "errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrGone            = errors.New("session deleted")
	ErrForbidden       = errors.New("session belongs to another user")
	ErrUpstream        = errors.New("generation backend failed")
	ErrConcurrentSend  = errors.New("a reply is already streaming for this session")
	ErrConflict        = errors.New("message already finalized")
	ErrUnauthenticated = errors.New("caller identity missing")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
