package client

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSuppressed rejects a send whose fingerprint is already
	// in flight (double-tap guard). Not user-visible.
	ErrDuplicateSuppressed = errors.New("client: duplicate send suppressed")

	// ErrAuthRequired means no valid credential was accepted for the attempt.
	ErrAuthRequired = errors.New("client: authentication required")

	// ErrCancelled reports that the abort signal fired; the partial result
	// was discarded.
	ErrCancelled = errors.New("client: send cancelled")
)

// SessionCreateError aborts a send: without a session id nothing may be
// submitted.
type SessionCreateError struct {
	Err error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("client: session create failed: %v", e.Err)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }

// StreamTransportError marks the stream as unreadable or invalid before
// completion. The caller may retry with a buffered send reusing the same
// client id; any partial content received is preserved for diagnostics.
type StreamTransportError struct {
	Partial string
	Err     error
}

func (e *StreamTransportError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("client: stream transport failed after %d chars: %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("client: stream transport failed: %v", e.Err)
}

func (e *StreamTransportError) Unwrap() error { return e.Err }

// APIError is a server-reported failure (error envelope or error stream
// event). It is terminal for the attempt; no fallback applies.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: api error status=%d code=%d: %s", e.Status, e.Code, e.Message)
}
