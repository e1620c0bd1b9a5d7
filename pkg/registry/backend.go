// Package registry holds the live set of backends behind an atomic
// pointer (spec §4.5, §3 RegistryGeneration), and owns the per-backend
// transport lifecycle: spawning on publish, graceful teardown on removal.
// Grounded on the teacher's pkg/vmcp composition (backends keyed by id,
// immutable generation snapshots) and spec §3's invariant that a reader's
// RegistryGeneration reference never observes a half-updated set.
package registry

import (
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/transport"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/ttype"
)

// TransportSpec is the tagged variant spec §3 describes: exactly one of
// Stdio, HTTP, StreamableHTTP is populated, selected by Type.
type TransportSpec struct {
	Type           ttype.TransportType
	Stdio          transport.StdioConfig
	HTTP           transport.HTTPConfig
	StreamableHTTP transport.StreamableHTTPConfig
}

// HealthCheckPolicy configures active probing for one backend (spec §4.3).
type HealthCheckPolicy struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// CircuitBreakerTuning overrides health.DefaultConfig per backend (spec
// §4.2), zero value meaning "use defaults".
type CircuitBreakerTuning struct {
	FailureThreshold    int
	SuccessThreshold    int
	OpenDuration        time.Duration
	HalfOpenMaxInflight int
	Window              time.Duration
}

// BackendID is an opaque, stable identifier, unique within a generation
// (spec §3).
type BackendID string

// Backend is one MCP-speaking server definition, owned by the Registry
// (spec §3).
type Backend struct {
	ID          BackendID
	DisplayName string
	Transport   TransportSpec
	Weight      int
	HealthCheck HealthCheckPolicy
	Enabled     bool
	Breaker     CircuitBreakerTuning
	// Methods, if non-empty, restricts this backend's capability set for
	// the method-capability index (spec §4.5); empty means "any method".
	Methods []string
}
