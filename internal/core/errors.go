package core

import "errors"

var (
	// ErrNotFound: the session id no longer resolves; callers should drop
	// local state and treat the room as absent.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition: the operation is illegal in the current state.
	// State is left untouched.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrPersistence: the completion hand-off to the task collaborator
	// failed. The session stays completed; the estimate itself is not lost.
	ErrPersistence = errors.New("estimate persistence failed")
)
