package domain

import "errors"

var (
	// ErrValidation marks malformed input that is rejected and never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup for an alert or attempt that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a write that lost against concurrent state.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition marks an illegal alert state change.
	ErrInvalidTransition = errors.New("invalid transition")
)
