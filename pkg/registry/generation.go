package registry

import (
	"sort"

	"github.com/doublegate/Only1MCP-sub003/pkg/loadbalancer"
)

// Generation is an immutable snapshot of {BackendId -> Backend} plus
// derived indices, built once at publish time (spec §3 RegistryGeneration).
// Nothing about a Generation mutates after construction; concurrent
// readers holding the same *Generation observe a single consistent view.
type Generation struct {
	id       uint64
	backends map[BackendID]Backend
	// byMethod indexes backend ids capable of serving a given method;
	// backends with an empty Methods list are capable of everything and
	// are appended to every bucket below.
	byMethod map[string][]BackendID
	// order is the lexicographic BackendId order used for deterministic
	// aggregation merges (spec §5 ordering guarantees).
	order []BackendID
	// unrestricted holds the ids of backends with no Methods restriction,
	// appended to every byMethod bucket.
	unrestricted []BackendID
}

// NewGeneration builds an immutable snapshot from a backend set. id is a
// monotonically increasing generation sequence number, assigned by the
// caller (ConfigLoader).
func NewGeneration(id uint64, backends []Backend) *Generation {
	g := &Generation{
		id:       id,
		backends: make(map[BackendID]Backend, len(backends)),
		byMethod: make(map[string][]BackendID),
	}

	var unrestricted []BackendID
	for _, b := range backends {
		g.backends[b.ID] = b
		g.order = append(g.order, b.ID)
		if len(b.Methods) == 0 {
			unrestricted = append(unrestricted, b.ID)
			continue
		}
		for _, m := range b.Methods {
			g.byMethod[m] = append(g.byMethod[m], b.ID)
		}
	}
	sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })

	for m, ids := range g.byMethod {
		g.byMethod[m] = append(ids, unrestricted...)
	}
	g.unrestricted = unrestricted

	return g
}

// ID returns the generation's sequence number.
func (g *Generation) ID() uint64 { return g.id }

// Backend looks up a backend definition by id.
func (g *Generation) Backend(id BackendID) (Backend, bool) {
	b, ok := g.backends[id]
	return b, ok
}

// Backends returns every backend in lexicographic BackendId order (spec
// §5: "Aggregation preserves a deterministic merge order").
func (g *Generation) Backends() []Backend {
	out := make([]Backend, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.backends[id])
	}
	return out
}

// CapableOf returns the backend ids able to serve method, in
// lexicographic order. A backend with an empty Methods list is capable
// of any method.
func (g *Generation) CapableOf(method string) []BackendID {
	ids := g.byMethod[method]
	if ids == nil {
		ids = g.unrestricted
	}
	out := append([]BackendID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Candidates builds the loadbalancer.Candidate slice for method, using
// inFlight to look up live in-flight counts per backend id (spec §4.4's
// LeastConnections policy needs this; other policies ignore it). Only
// enabled backends are included — circuit/health admissibility is
// applied by the caller, since that state lives outside the generation
// (spec §3: "Circuit states... do not carry over generations").
func (g *Generation) Candidates(method string, inFlight func(BackendID) int64) []loadbalancer.Candidate {
	ids := g.CapableOf(method)
	out := make([]loadbalancer.Candidate, 0, len(ids))
	for _, id := range ids {
		b, ok := g.backends[id]
		if !ok || !b.Enabled {
			continue
		}
		bid := id
		out = append(out, loadbalancer.Candidate{
			BackendID: string(bid),
			Weight:    b.Weight,
			InFlight: func() int64 {
				if inFlight == nil {
					return 0
				}
				return inFlight(bid)
			},
		})
	}
	return out
}
