package chat

import "errors"

// ErrStopped is returned once the manager's event loop has exited.
var ErrStopped = errors.New("chat: manager stopped")

// ValidationError reports a send payload the relay refused. Its text is
// returned to the sender in the ack.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(reason string) error { return &ValidationError{Reason: reason} }
