package session

import (
	"errors"
	"fmt"

	"wablast/internal/store"
)

var (
	ErrNotFound       = errors.New("session not found")
	errManagerStopped = errors.New("session manager is stopped")
)

// NotReadyError is returned by Send when the session is not PAIRED. The
// dispatch layer treats it as "leave the item PENDING", never as a failure.
type NotReadyError struct {
	ID     string
	Status store.SessionStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session %s not ready (status %s)", e.ID, e.Status)
}

// ConnectionError wraps a failure to establish or resume the underlying
// connection.
type ConnectionError struct {
	ID  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session %s: connect: %v", e.ID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
