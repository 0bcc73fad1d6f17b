// Package fault defines the error taxonomy shared across the service.
// Callers classify failures with errors.Is and wrap with %w to add context.
package fault

import "errors"

var (
	// ErrInvalidArgument marks malformed input, rejected before any mutation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks an unknown session or user. No side effect occurred.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an operation that clashes with current state, such as
	// a duplicate concurrent session or a commit on a non-completed session.
	// The caller may retry after resolving the conflicting state.
	ErrConflict = errors.New("conflict")

	// ErrInternal marks a storage or infrastructure failure.
	ErrInternal = errors.New("internal error")
)
