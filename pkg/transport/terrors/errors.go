// Package terrors defines the typed transport failures Only1MCP's Transport
// implementations return, grounded on the teacher's
// pkg/transport/errors package: one sentinel error per distinct kind,
// composable with errors.Is/errors.Join rather than a single generic
// transport error type.
package terrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Classification into retriable/non-retriable (spec §4.1,
// §7) is carried by TransportError.Retriable, not by which sentinel is
// wrapped, since the same underlying cause (e.g. a dial timeout) can be
// retriable for one method and not another depending on policy.
var (
	// ErrClosed is returned to every outstanding waiter when a Stdio child
	// process exits before responding (spec §4.1).
	ErrClosed = errors.New("transport: closed")
	// ErrBackpressure is returned when a bounded submission queue is full
	// (spec §5 Backpressure).
	ErrBackpressure = errors.New("transport: backpressure")
	// ErrTimeout is returned when a per-call deadline elapses.
	ErrTimeout = errors.New("transport: timeout")
	// ErrDial is returned when the transport cannot establish a connection
	// to its backend at all (process spawn failure, connection refused).
	ErrDial = errors.New("transport: dial failed")
	// ErrProtocol is returned when a backend's response cannot be parsed as
	// a well-formed JSON-RPC document.
	ErrProtocol = errors.New("transport: protocol error")
	// ErrSessionLost is returned by StreamableHTTP when the backend rejects
	// the current mcp-session-id (spec §4.1). StreamableHTTP.Dispatch first
	// retries once with a fresh session, so callers see it only when that
	// retry is rejected too.
	ErrSessionLost = errors.New("transport: session lost")
	// ErrUnsupportedTransport mirrors the teacher's sentinel of the same
	// name for an unrecognized TransportSpec variant.
	ErrUnsupportedTransport = errors.New("transport: unsupported transport type")
)

// Kind classifies a TransportError for metrics labels and retry policy
// decisions.
type Kind string

const (
	KindClosed      Kind = "closed"
	KindBackpressure Kind = "backpressure"
	KindTimeout     Kind = "timeout"
	KindDial        Kind = "dial"
	KindProtocol    Kind = "protocol"
	KindSessionLost Kind = "session_lost"
)

// TransportError is the error shape every Transport.Dispatch returns on
// failure (spec §4.1: "a failure returns a typed TransportError {kind,
// retriable?, cause}").
type TransportError struct {
	Kind      Kind
	Retriable bool
	Cause     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s, retriable=%v): %v", e.Kind, e.Retriable, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// New builds a TransportError, deriving Kind from cause when cause wraps one
// of the sentinels above.
func New(cause error, retriable bool) *TransportError {
	return &TransportError{Kind: kindOf(cause), Retriable: retriable, Cause: cause}
}

func kindOf(cause error) Kind {
	switch {
	case errors.Is(cause, ErrClosed):
		return KindClosed
	case errors.Is(cause, ErrBackpressure):
		return KindBackpressure
	case errors.Is(cause, ErrTimeout):
		return KindTimeout
	case errors.Is(cause, ErrDial):
		return KindDial
	case errors.Is(cause, ErrSessionLost):
		return KindSessionLost
	default:
		return KindProtocol
	}
}
