// Package transport implements the three backend transports spec §4.1
// describes: Stdio (child process over newline-delimited JSON-RPC), HTTP
// (pooled client, retry policy), and StreamableHTTP (HTTP plus SSE and
// mcp-session-id affinity). All three satisfy the same Transport interface
// so the rest of the data plane (registry, load balancer, circuit breaker,
// handler) never branches on transport kind.
package transport

import (
	"context"
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
)

// Transport speaks one backend's wire protocol. Every variant implements
// both Dispatch and Probe; Stdio, HTTP and StreamableHTTP each carry their
// own Probe.
type Transport interface {
	// Dispatch sends req and waits for its matching response, honoring
	// ctx's deadline/cancellation. A successful call returns a Response
	// whose ID equals req.ID; a failure returns a *terrors.TransportError.
	Dispatch(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// Probe performs a lightweight liveness/health check, independent of
	// any in-flight Dispatch calls, for HealthChecker (spec §4.3).
	Probe(ctx context.Context) error

	// Close tears down the transport: for Stdio this sends SIGTERM then,
	// after a grace period, SIGKILL to the child; for HTTP/StreamableHTTP
	// it drops the connection pool (spec §4.5).
	Close(ctx context.Context) error
}

// Diagnostics is implemented by transports that expose additional
// operational detail beyond Dispatch/Probe — currently only Stdio's
// captured stderr ring buffer (spec §4.1, SPEC_FULL.md supplemented
// features).
type Diagnostics interface {
	// Stderr returns the most recent captured stderr bytes, oldest first.
	Stderr() []byte
}

// DispatchTimeout is the default per-call timeout applied when a caller's
// context carries no deadline of its own.
const DispatchTimeout = 30 * time.Second

// withDefaultTimeout returns ctx unchanged if it already has a deadline,
// otherwise a child context bounded by DispatchTimeout.
func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DispatchTimeout)
}
