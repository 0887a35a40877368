package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations. Contention is never reported through
// these; it is returned as a result value.
var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInstanceDisconnected = errors.New("instance is disconnected")
	ErrValidation           = errors.New("validation failed")
)

// ValidationError reports a caller-supplied value that cannot be accepted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func validationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a task or instance not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrInstanceNotFound)
}
