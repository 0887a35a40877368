package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/conductor/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidJSON   = errors.New("invalid json")
	ErrNotFound      = errors.New("resource not found")
	ErrLockNotHeld   = errors.New("lock not held by this instance")
	ErrNoSuchRequest = errors.New("no request is waiting for this reply")
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusFor maps an operation error to an HTTP status. Contention never
// reaches this function; handlers turn it into 409 bodies themselves.
func statusFor(err error) int {
	var ve *store.ValidationError
	switch {
	case errors.Is(err, ErrInvalidJSON):
		return http.StatusBadRequest
	case store.IsNotFound(err), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrLockNotHeld), errors.Is(err, ErrNoSuchRequest):
		return http.StatusNotFound
	case errors.As(err, &ve), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInstanceDisconnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	body := ErrorResponse{Error: err.Error()}
	var ve *store.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	return body
}
