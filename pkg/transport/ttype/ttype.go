// Package ttype enumerates the transport variants Only1MCP speaks to
// backends (spec §3 TransportSpec), grounded on the teacher's
// pkg/transport/types.TransportType (String/ParseTransportType tested in
// pkg/transport/types/transport_test.go).
package ttype

import (
	"fmt"
	"strings"
)

// TransportType identifies which wire protocol a Backend's transport speaks.
type TransportType string

const (
	// Stdio spawns a child process and speaks newline-delimited JSON-RPC
	// over its stdin/stdout.
	Stdio TransportType = "stdio"
	// HTTP issues a plain HTTP POST of the JSON-RPC document per call.
	HTTP TransportType = "http"
	// StreamableHTTP is HTTP plus SSE response streaming and session
	// affinity via mcp-session-id (spec §4.1).
	StreamableHTTP TransportType = "streamable-http"
)

// String implements fmt.Stringer.
func (t TransportType) String() string { return string(t) }

// Parse normalizes a case-insensitive configuration value into a
// TransportType, rejecting anything not in {stdio, http, streamable-http}.
func Parse(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio":
		return Stdio, nil
	case "http":
		return HTTP, nil
	case "streamable-http", "streamablehttp", "streamable_http":
		return StreamableHTTP, nil
	default:
		return "", fmt.Errorf("ttype: unrecognized transport type %q", s)
	}
}
