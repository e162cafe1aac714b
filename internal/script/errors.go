package script

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("script: lua state is closed")

	// ErrThreadFailed is returned when a thread raised an error.
	ErrThreadFailed = errors.New("script: thread failed")
)
