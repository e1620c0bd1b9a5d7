// Package loadbalancer implements the five backend-selection policies spec
// §4.4 describes. RoundRobin/Random are grounded on
// caddyserver/caddy's modules/caddyhttp/reverseproxy/upstream.go
// (admissibility-gated iteration over upstreams, TypeBalanceRoundRobin /
// TypeBalanceRandom constants); WeightedRandom, ConsistentHash and
// LeastConnections follow
// spec §4.4/§9 directly, using cespare/xxhash for ring-node hashing the way
// the teacher's go.mod depends on it.
package loadbalancer

import (
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ErrNoBackendAvailable is returned when the admissible set is empty (spec
// §4.4).
var ErrNoBackendAvailable = errors.New("loadbalancer: no backend available")

// Policy selects a Policy implementation by configuration name (spec §6
// proxy.load_balancer.algorithm).
type Policy string

const (
	RoundRobin       Policy = "round_robin"
	LeastConnections Policy = "least_connections"
	ConsistentHash   Policy = "consistent_hash"
	WeightedRandom   Policy = "weighted_random"
	Random           Policy = "random"
)

// Candidate is one backend offered to the LoadBalancer. Select treats
// every candidate it is given as eligible; it does not itself check
// enablement, circuit state or health.
type Candidate struct {
	BackendID string
	Weight    int
	// InFlight is the current in-flight request count, used by
	// LeastConnections' power-of-two-choices sampling.
	InFlight func() int64
}

// Selector picks one candidate from an admissible set for a (method,
// session) pair.
type Selector interface {
	Select(candidates []Candidate, sessionKey string) (string, error)
}

// New constructs the Selector for policy, with virtualNodesPerWeight used
// only by ConsistentHash (spec §4.4 default 150).
func New(policy Policy, virtualNodesPerWeight int) Selector {
	switch policy {
	case LeastConnections:
		return &leastConnections{}
	case ConsistentHash:
		if virtualNodesPerWeight <= 0 {
			virtualNodesPerWeight = 150
		}
		return &consistentHash{virtualNodesPerWeight: virtualNodesPerWeight}
	case WeightedRandom:
		return &weightedRandom{}
	case Random:
		return &random{}
	default:
		return &roundRobin{}
	}
}

// roundRobin implements Policy RoundRobin: atomic counter modulo admissible
// count, O(1) (spec §4.4.1).
type roundRobin struct {
	counter atomic.Uint64
}

func (r *roundRobin) Select(candidates []Candidate, _ string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoBackendAvailable
	}
	idx := r.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))].BackendID, nil
}

// random implements Policy Random: uniform over the admissible set (spec
// §4.4.5).
type random struct{}

func (*random) Select(candidates []Candidate, _ string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoBackendAvailable
	}
	return candidates[rand.Intn(len(candidates))].BackendID, nil
}

// leastConnections implements Policy LeastConnections via power-of-two
// choices: sample two admissible backends at random, return the one with
// lower in-flight count (spec §4.4.2, GLOSSARY).
type leastConnections struct{}

func (*leastConnections) Select(candidates []Candidate, _ string) (string, error) {
	n := len(candidates)
	if n == 0 {
		return "", ErrNoBackendAvailable
	}
	if n == 1 {
		return candidates[0].BackendID, nil
	}
	i, j := rand.Intn(n), rand.Intn(n-1)
	if j >= i {
		j++
	}
	a, b := candidates[i], candidates[j]
	if loadOf(a) <= loadOf(b) {
		return a.BackendID, nil
	}
	return b.BackendID, nil
}

func loadOf(c Candidate) int64 {
	if c.InFlight == nil {
		return 0
	}
	return c.InFlight()
}

// weightedRandom implements Policy WeightedRandom via the alias method,
// O(1) per draw (spec §4.4.4).
type weightedRandom struct {
	mu    sync.Mutex
	alias *aliasTable
	key   string // cache invalidation key derived from candidate set
}

func (w *weightedRandom) Select(candidates []Candidate, _ string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoBackendAvailable
	}
	key := candidateSetKey(candidates)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.alias == nil || w.key != key {
		w.alias = newAliasTable(candidates)
		w.key = key
	}
	return w.alias.draw(), nil
}

func candidateSetKey(candidates []Candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.BackendID
	}
	sort.Strings(ids)
	var b []byte
	for _, id := range ids {
		b = append(b, id...)
		b = append(b, ',')
	}
	return string(b)
}

// aliasTable implements Vose's alias method for O(1) weighted sampling.
type aliasTable struct {
	ids   []string
	prob  []float64
	alias []int
}

func newAliasTable(candidates []Candidate) *aliasTable {
	n := len(candidates)
	ids := make([]string, n)
	weights := make([]float64, n)
	total := 0.0
	for i, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		ids[i] = c.BackendID
		weights[i] = float64(w)
		total += float64(w)
	}

	scaled := make([]float64, n)
	for i, w := range weights {
		scaled[i] = w * float64(n) / total
	}

	prob := make([]float64, n)
	alias := make([]int, n)

	var small, large []int
	for i, p := range scaled {
		if p < 1.0 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]

		prob[s] = scaled[s]
		alias[s] = l

		scaled[l] = scaled[l] + scaled[s] - 1.0
		if scaled[l] < 1.0 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}
	for _, l := range large {
		prob[l] = 1.0
	}
	for _, s := range small {
		prob[s] = 1.0
	}

	return &aliasTable{ids: ids, prob: prob, alias: alias}
}

func (t *aliasTable) draw() string {
	n := len(t.ids)
	i := rand.Intn(n)
	if rand.Float64() < t.prob[i] {
		return t.ids[i]
	}
	return t.ids[t.alias[i]]
}

// consistentHash implements Policy ConsistentHash: a hash ring with
// virtualNodesPerWeight virtual nodes per backend weight unit; a session
// key (or, absent one, the request id) selects the primary, falling
// forward to the next admissible ring position otherwise (spec §4.4).
// The ring is rebuilt once per distinct candidate set (spec §4.4/§9: the
// Registry rebuilds it on each generation publish, not on every lookup)
// and cached by the same candidate-set key weightedRandom's alias table
// uses, so repeated Selects over an unchanged generation are a single
// O(log N) sort.Search instead of an O(N·virtualNodesPerWeight) rebuild.
type consistentHash struct {
	virtualNodesPerWeight int

	mu   sync.Mutex
	ring []ringEntry
	key  string
}

type ringEntry struct {
	hash      uint64
	backendID string
}

func (c *consistentHash) Select(candidates []Candidate, sessionKey string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoBackendAvailable
	}
	ring := c.ringFor(candidates)
	target := xxhash.Sum64String(sessionKey)

	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= target })
	admissible := make(map[string]bool, len(candidates))
	for _, cd := range candidates {
		admissible[cd.BackendID] = true
	}
	for i := 0; i < len(ring); i++ {
		e := ring[(idx+i)%len(ring)]
		if admissible[e.backendID] {
			return e.backendID, nil
		}
	}
	return "", ErrNoBackendAvailable
}

func (c *consistentHash) ringFor(candidates []Candidate) []ringEntry {
	key := candidateSetKey(candidates)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil || c.key != key {
		c.ring = buildRing(candidates, c.virtualNodesPerWeight)
		c.key = key
	}
	return c.ring
}

func buildRing(candidates []Candidate, virtualNodesPerWeight int) []ringEntry {
	var ring []ringEntry
	for _, c := range candidates {
		weight := c.Weight
		if weight <= 0 {
			weight = 1
		}
		vnodes := weight * virtualNodesPerWeight
		for v := 0; v < vnodes; v++ {
			key := c.BackendID + "#" + strconv.Itoa(v)
			ring = append(ring, ringEntry{hash: xxhash.Sum64String(key), backendID: c.BackendID})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	return ring
}
