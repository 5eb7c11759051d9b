package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the server, store and client packages.
// Callers match these with [errors.Is] and map them to transport-level
// status codes at the edges.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing or invalid secret key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrResourceConflict indicates a subdomain or port is already held
	// by a non-closed connection.
	ErrResourceConflict = errors.New("resource conflict")

	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTunnelUnavailable indicates no live control channel serves the
	// requested subdomain or port.
	ErrTunnelUnavailable = errors.New("tunnel unavailable")

	// ErrUpstreamTimeout indicates the tunneled client did not respond
	// within the request deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrTransportClosed indicates the control channel went away while a
	// request or stream was in flight.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRateLimited indicates the caller exceeded the registration
	// rate limit.
	ErrRateLimited = errors.New("rate limited")
)

// ConnectionError annotates an error with the operation and the
// connection it happened on.
type ConnectionError struct {
	Op           string
	ConnectionID string
	Err          error
}

func (e *ConnectionError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: connection %s: %v", e.Op, e.ConnectionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError wraps err with op and connection context.
func NewConnectionError(op, connectionID string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{Op: op, ConnectionID: connectionID, Err: err}
}
