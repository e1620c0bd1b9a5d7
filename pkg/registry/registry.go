package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/health"
	"github.com/doublegate/Only1MCP-sub003/pkg/logger"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/ttype"
)

// connection is everything the Registry owns per live BackendId: the
// transport handle, its CircuitBreaker, and (if active probing is
// enabled) its HealthChecker. None of this is part of a Generation
// snapshot — it is keyed by BackendId and looked up during dispatch
// (spec §4.5).
type connection struct {
	backend Backend
	tr      transport.Transport
	breaker *health.CircuitBreaker
	checker *health.Checker

	inFlight atomic.Int64
}

// Registry holds the current Generation behind an atomic pointer plus the
// live connection set keyed by BackendId (spec §4.5). current() is a
// lock-free load; Publish installs a new Generation and reconciles
// connections: backends no longer present are torn down, new ones are
// spawned, unchanged ones are left alone so in-flight requests against
// them are undisturbed.
type Registry struct {
	gen atomic.Pointer[Generation]

	mu          sync.Mutex
	connections map[BackendID]*connection
	onVerdict   func(BackendID, health.Verdict)
}

// New constructs an empty Registry. onVerdict, if non-nil, is called after
// every active health probe across every backend (the application wires it
// to the backend_health_status metric).
func New(onVerdict func(BackendID, health.Verdict)) *Registry {
	return &Registry{connections: make(map[BackendID]*connection), onVerdict: onVerdict}
}

// Current returns the live Generation. Callers should hold the returned
// reference for the duration of one request; backends referenced by it
// remain dispatchable even after a concurrent Publish (spec §4.5, §5
// invariant 4).
func (r *Registry) Current() *Generation {
	return r.gen.Load()
}

// Publish installs gen as the current Generation, spawning transports for
// new/changed backends and scheduling teardown for removed ones. It never
// leaves the atomic pointer referencing a half-updated set (spec §5
// invariant 4): the store happens after every new connection is built, so
// Current() either returns the prior generation or the fully-constructed
// new one.
func (r *Registry) Publish(ctx context.Context, gen *Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[BackendID]*connection, len(gen.backends))
	for id, b := range gen.backends {
		if existing, ok := r.connections[id]; ok && transportSpecEqual(existing.backend.Transport, b.Transport) {
			existing.backend = b
			next[id] = existing
			continue
		}
		conn, err := r.buildConnection(b)
		if err != nil {
			// Tear down the connections built for this attempt; reused
			// ones still belong to the old generation, which stays live.
			for nid, c := range next {
				if r.connections[nid] != c {
					r.teardown(c)
				}
			}
			return fmt.Errorf("registry: build backend %q: %w", id, err)
		}
		next[id] = conn
		if b.HealthCheck.Enabled {
			conn.checker.Start(ctx)
		}
	}

	stale := r.connections
	r.connections = next
	r.gen.Store(gen)

	for id, c := range stale {
		if _, kept := next[id]; !kept {
			r.teardown(c)
		}
	}
	return nil
}

func (r *Registry) buildConnection(b Backend) (*connection, error) {
	tr, err := newTransport(b.Transport)
	if err != nil {
		return nil, err
	}

	cfg := health.Config{
		FailureThreshold:    b.Breaker.FailureThreshold,
		SuccessThreshold:    b.Breaker.SuccessThreshold,
		OpenDuration:        b.Breaker.OpenDuration,
		HalfOpenMaxInflight: b.Breaker.HalfOpenMaxInflight,
		Window:              b.Breaker.Window,
	}
	breaker := health.NewCircuitBreakerWithConfig(cfg)

	id := b.ID
	checker := health.NewChecker(
		health.CheckerConfig{BackendID: string(id), Interval: b.HealthCheck.Interval, Timeout: b.HealthCheck.Timeout},
		tr, breaker,
		func(v health.Verdict) {
			if r.onVerdict != nil {
				r.onVerdict(id, v)
			}
		},
	)

	return &connection{backend: b, tr: tr, breaker: breaker, checker: checker}, nil
}

func (r *Registry) teardown(c *connection) {
	c.checker.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.tr.Close(ctx); err != nil {
		logger.Get().Warnw("backend teardown failed", "backend", c.backend.ID, "err", err)
	}
}

// Transport returns the live transport for id, if a connection exists.
func (r *Registry) Transport(id BackendID) (transport.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	return c.tr, true
}

// Breaker returns the live CircuitBreaker for id, if a connection exists.
func (r *Registry) Breaker(id BackendID) (*health.CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	return c.breaker, true
}

// InFlight returns the current in-flight dispatch count for id, used by
// the LeastConnections load-balancer policy.
func (r *Registry) InFlight(id BackendID) int64 {
	r.mu.Lock()
	c, ok := r.connections[id]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return c.inFlight.Load()
}

// Track increments id's in-flight count and returns a function that
// decrements it, for the caller to defer around a dispatch.
func (r *Registry) Track(id BackendID) func() {
	r.mu.Lock()
	c, ok := r.connections[id]
	r.mu.Unlock()
	if !ok {
		return func() {}
	}
	c.inFlight.Add(1)
	return func() { c.inFlight.Add(-1) }
}

// Admissible reports whether id may currently be dispatched to: present,
// enabled in the current generation, and its CircuitState ≠ Open (spec §5
// invariant 1). This is a read-only check (health.CircuitBreaker.Admissible,
// not CanAttempt) — it never reserves a HalfOpen slot, so it is safe to call
// any number of times as a filter predicate. A caller that goes on to
// actually dispatch must still call the breaker's own CanAttempt exactly
// once, immediately before the call.
func (r *Registry) Admissible(id BackendID) bool {
	gen := r.Current()
	if gen == nil {
		return false
	}
	b, ok := gen.Backend(id)
	if !ok || !b.Enabled {
		return false
	}
	breaker, ok := r.Breaker(id)
	if !ok {
		return false
	}
	return breaker.Admissible()
}

// BackendStatus is one backend's point-in-time admissibility picture, used
// to build the /api/v1/admin/health report without leaking the private
// connection map.
type BackendStatus struct {
	ID           BackendID
	Enabled      bool
	CircuitState string
	FailureCount int
	Healthy      bool
	LastProbe    time.Time
	InFlight     int64
}

// Snapshot returns every backend in the current generation's lexicographic
// order together with its live breaker/checker/in-flight state. Backends
// present in the generation but not yet connected (a Publish in progress,
// or a build failure that left the prior generation live) report their
// enabled bit with zero-value circuit/health fields.
func (r *Registry) Snapshot() []BackendStatus {
	gen := r.Current()
	if gen == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	backends := gen.Backends()
	out := make([]BackendStatus, 0, len(backends))
	for _, b := range backends {
		st := BackendStatus{ID: b.ID, Enabled: b.Enabled}
		if c, ok := r.connections[b.ID]; ok {
			st.CircuitState = c.breaker.GetState().String()
			st.FailureCount = c.breaker.GetFailureCount()
			st.InFlight = c.inFlight.Load()
			v := c.checker.LastVerdict()
			st.Healthy = v.Healthy
			st.LastProbe = v.Timestamp
		}
		out = append(out, st)
	}
	return out
}

// Shutdown tears down every live connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := r.connections
	r.connections = nil
	r.mu.Unlock()
	for _, c := range conns {
		r.teardown(c)
	}
}

func newTransport(spec TransportSpec) (transport.Transport, error) {
	switch spec.Type {
	case ttype.Stdio:
		return transport.NewStdio(spec.Stdio)
	case ttype.HTTP:
		return transport.NewHTTP(spec.HTTP), nil
	case ttype.StreamableHTTP:
		return transport.NewStreamableHTTP(spec.StreamableHTTP), nil
	default:
		return nil, fmt.Errorf("registry: unsupported transport type %q", spec.Type)
	}
}

func transportSpecEqual(a, b TransportSpec) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case ttype.Stdio:
		return a.Stdio.Command == b.Stdio.Command && stringSlicesEqual(a.Stdio.Args, b.Stdio.Args)
	case ttype.HTTP:
		return a.HTTP.URL == b.HTTP.URL
	case ttype.StreamableHTTP:
		return a.StreamableHTTP.URL == b.StreamableHTTP.URL
	default:
		return false
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
