package engine

import "errors"

var (
	// ErrInvalidTransition indicates the requested operation is not legal
	// from the session's current state
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrNotDue indicates an expiration attempt on a countdown session
	// that still has budget remaining
	ErrNotDue = errors.New("session not due for expiration")
)
