package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound          = errors.New("entity not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthenticated   = errors.New("user not authenticated")
	ErrInvalidTransition = errors.New("invalid registration step transition")
	ErrPaymentConflict   = errors.New("payment cannot be both complete and pending")
	ErrPollingTimeout    = errors.New("polling exceeded max duration")
	ErrOperationFailed   = errors.New("operation failed")
)

// RemoteError is a structured failure returned by the remote registration
// backend (non-2xx with an error payload). Transport-level failures are NOT
// RemoteErrors; those surface as wrapped net/url errors.
type RemoteError struct {
	Op      string // remote operation, e.g. "create-registration-order"
	Status  int    // HTTP status
	Code    string // machine-readable error code, may be empty
	Message string // human-readable message from the backend
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote error %d (%s): %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: remote error %d: %s", e.Op, e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying: server-side
// trouble or throttling, not a rejected request.
func (e *RemoteError) Transient() bool {
	return e.Status >= 500 || e.Status == 429
}
