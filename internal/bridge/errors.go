package bridge

import "errors"

// Sentinel errors for bridge operations.
var (
	// ErrConnection indicates the transport failed to open or closed while opening.
	ErrConnection = errors.New("bridge: connection failed")

	// ErrNotConnected indicates an operation needed an open connection.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrRequestFailed indicates the transport reported an error for a request.
	ErrRequestFailed = errors.New("bridge: request failed")

	// ErrNoContextMessage indicates payload or reply was used with no message bound.
	ErrNoContextMessage = errors.New("bridge: no message in context")

	// ErrCancelled indicates a pending request was abandoned by a disconnect.
	ErrCancelled = errors.New("bridge: request cancelled")

	// ErrRequestTimeout indicates no reply arrived within the request timeout.
	ErrRequestTimeout = errors.New("bridge: request timed out")

	// ErrNoReplyAddress indicates the bound message cannot be replied to.
	ErrNoReplyAddress = errors.New("bridge: message has no reply address")

	// ErrAlreadyReplied indicates the bound message was already replied to.
	ErrAlreadyReplied = errors.New("bridge: message already replied")

	// ErrPending is returned by Future.Result before the future settles.
	ErrPending = errors.New("bridge: result pending")
)

// ConnectionError describes a failed connection attempt.
type ConnectionError struct {
	// Address is the event-bus address that was dialed.
	Address string

	// Err is the transport error, or nil when the handle closed while opening.
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "bridge: connection to " + e.Address + " failed"
	}
	return "bridge: connection to " + e.Address + " failed: " + e.Err.Error()
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to match ConnectionError with ErrConnection.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// RequestError describes a request the transport failed.
type RequestError struct {
	// Address the request was sent to.
	Address string

	// Err is the transport error.
	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err == nil {
		return "bridge: request to " + e.Address + " failed"
	}
	return "bridge: request to " + e.Address + " failed: " + e.Err.Error()
}

// Unwrap returns the underlying transport error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to match RequestError with ErrRequestFailed.
func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}
