package session

import "errors"

var (
	// ErrNotReady is returned when a command is submitted while no healthy
	// connection exists. Callers may retry after the supervisor reconnects.
	ErrNotReady = errors.New("session: connection not ready")

	// ErrCancelled is returned for calls that were queued or waiting when
	// the session was torn down or the caller's context expired.
	ErrCancelled = errors.New("session: cancelled")
)

// TransportError wraps the socket fault that killed a command mid-flight.
// The session is unusable afterwards; the supervisor rebuilds it.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "session: transport fault: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
