// Package coreerr defines the error taxonomy surfaced at the core's boundary
// (spec.md §7): typed errors that (G) maps to an HTTP status and JSON-RPC error code
// with one errors.As switch over any error returned by (D)/(E)/(F). ClientError carries
// its own status and code; for the other types (G) supplies them — the same shape as
// the teacher's streaminghttp/handler.go mapping auth.ErrUnauthorized /
// auth.ErrInsufficientScope to 401/403.
package coreerr

import "fmt"

// ClientError: malformed request, oversized body, unknown/closed session. Reported to
// the HTTP client verbatim; not retried; not circuit-tracked.
type ClientError struct {
	HTTPStatus    int
	JSONRPCCode   int
	Msg           string
}

func (e *ClientError) Error() string { return e.Msg }

func NewClientError(httpStatus, jsonrpcCode int, msg string) *ClientError {
	return &ClientError{HTTPStatus: httpStatus, JSONRPCCode: jsonrpcCode, Msg: msg}
}

// TransientBackendError: storage.ErrUnavailable that survived retry + breaker. Surfaced
// as 503 with a retriable JSON-RPC error.
type TransientBackendError struct {
	Cause error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("backend temporarily unavailable: %v", e.Cause)
}
func (e *TransientBackendError) Unwrap() error { return e.Cause }

// ConflictError: a CAS conflict that could not be resolved within the session
// manager's retry budget. Surfaced as 500 (spec.md §7 — an exhausted internal retry is
// treated as an internal error, not a client error, since the client did nothing
// wrong).
type ConflictError struct {
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("exceeded CAS retry budget for session %s", e.SessionID)
}

// IllegalTransition: a status transition attempt that violates I2. Internal bug or
// race; logged at error level; surfaced as 500; no state change occurs.
type IllegalTransition struct {
	SessionID        string
	From, To         string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition for session %s: %s -> %s", e.SessionID, e.From, e.To)
}

// UpstreamError wraps any failure returned by the upstream MCP handler. Passed through
// unchanged; the interceptor records it as an ERROR event if the request had a known
// session id.
type UpstreamError struct {
	Cause error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream error: %v", e.Cause) }
func (e *UpstreamError) Unwrap() error  { return e.Cause }
