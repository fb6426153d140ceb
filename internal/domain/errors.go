package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind categorizes a client-visible failure.
type ErrorKind string

const (
	// ErrorKindAuthenticationRequired means no auth token was available when
	// a connection had to be established.
	ErrorKindAuthenticationRequired ErrorKind = "authentication_required"

	// ErrorKindTransportUnavailable means the streaming transport is not
	// configured, could not be dialed, or was lost mid-request.
	ErrorKindTransportUnavailable ErrorKind = "transport_unavailable"

	// ErrorKindSendFailed means a frame could not be transmitted.
	ErrorKindSendFailed ErrorKind = "send_failed"

	// ErrorKindRequestTimedOut means no terminal frame arrived in time.
	ErrorKindRequestTimedOut ErrorKind = "request_timed_out"

	// ErrorKindPeerReported carries an error message reported by the peer
	// for a specific request, verbatim.
	ErrorKindPeerReported ErrorKind = "peer_reported"

	// ErrorKindEmptyResponse means a stream completed without producing any
	// text.
	ErrorKindEmptyResponse ErrorKind = "empty_response"

	// ErrorKindHTTP means the fallback call returned a non-2xx status.
	ErrorKindHTTP ErrorKind = "http_error"
)

// AssistError is the canonical error returned through result streams and
// from the facade. Errors are always delivered through the result channel
// for expected failure modes, never panicked.
type AssistError struct {
	Kind    ErrorKind
	Message string

	// StatusCode is set for ErrorKindHTTP.
	StatusCode int
}

// Error implements the error interface.
func (e *AssistError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the error kind, or "" for a foreign error.
func KindOf(err error) ErrorKind {
	var ae *AssistError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Convenience constructors for the common failures.

// ErrAuthenticationRequired creates the missing-token error.
func ErrAuthenticationRequired() *AssistError {
	return &AssistError{Kind: ErrorKindAuthenticationRequired, Message: "auth token not set"}
}

// ErrTransportUnavailable creates a transport-level error.
func ErrTransportUnavailable(message string) *AssistError {
	return &AssistError{Kind: ErrorKindTransportUnavailable, Message: message}
}

// ErrSendFailed wraps a frame transmission failure.
func ErrSendFailed(err error) *AssistError {
	return &AssistError{Kind: ErrorKindSendFailed, Message: err.Error()}
}

// ErrRequestTimedOut creates a timeout error for the given duration.
func ErrRequestTimedOut(timeout time.Duration) *AssistError {
	return &AssistError{Kind: ErrorKindRequestTimedOut, Message: fmt.Sprintf("no response within %s", timeout)}
}

// ErrPeerReported carries the peer's message verbatim.
func ErrPeerReported(message string) *AssistError {
	return &AssistError{Kind: ErrorKindPeerReported, Message: message}
}

// ErrEmptyResponse creates the empty-aggregate error.
func ErrEmptyResponse() *AssistError {
	return &AssistError{Kind: ErrorKindEmptyResponse, Message: "stream produced no text"}
}

// ErrHTTP creates a fallback-call error. message may be the server-provided
// error string or empty for a generic status error.
func ErrHTTP(status int, message string) *AssistError {
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", status)
	}
	return &AssistError{Kind: ErrorKindHTTP, Message: message, StatusCode: status}
}
