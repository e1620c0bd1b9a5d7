// Package batcher coalesces concurrent, fingerprint-identical requests
// against the same (BackendId, method) pair inside a short window (spec
// §4.7). It is grounded on golang.org/x/sync/singleflight's
// single-in-flight-call-per-key shape — the same package
// giantswarm/muster's pkg/oauth/client.go uses to coalesce concurrent
// token refreshes — adapted here to fan results out to every *attached*
// waiter rather than just the callers blocked on one singleflight.Do, since
// the spec additionally requires a deadline/max-size flush trigger and
// per-submitter response slots that singleflight alone doesn't model.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/fingerprint"
	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
)

// Key identifies a batch slot: one backend, one method.
type Key struct {
	BackendID string
	Method    string
}

// Config tunes coalescing (spec §4.7 defaults).
type Config struct {
	Window       time.Duration
	MaxBatchSize int
	// Allowlist restricts coalescing to these methods; nil/empty falls
	// back to DefaultConfig's list-style defaults.
	Allowlist map[string]bool
}

// DefaultConfig returns spec §4.7's documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:       100 * time.Millisecond,
		MaxBatchSize: 10,
		Allowlist: map[string]bool{
			"tools/list":     true,
			"resources/list": true,
			"prompts/list":   true,
		},
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if len(c.Allowlist) == 0 {
		c.Allowlist = d.Allowlist
	}
}

// DispatchFunc performs the actual backend call for one canonical request
// against backendID, typically resolving a transport.Transport by id and
// calling its Dispatch.
type DispatchFunc func(ctx context.Context, backendID string, req *jsonrpc.Request) (*jsonrpc.Response, error)

// Metrics receives batch lifecycle observations (spec §4.7: batch_size,
// batch_wait_seconds histograms, batches_flushed_total{trigger}).
type Metrics interface {
	ObserveBatchSize(n int)
	ObserveBatchWait(d time.Duration)
	IncBatchesFlushed(trigger string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveBatchSize(int)          {}
func (noopMetrics) ObserveBatchWait(time.Duration) {}
func (noopMetrics) IncBatchesFlushed(string)       {}

// ErrFanoutUndeliverable is returned to attached slots when the canonical
// dispatch produced a response that could not be cloned out to them (spec
// §4.7's BatchFanoutError) — Only1MCP's responses are plain JSON-RPC
// envelopes, always safely cloneable by value copy, so this is currently
// unreachable; it is kept as the documented escape hatch the spec
// requires for non-cloneable payload types.
type ErrFanoutUndeliverable struct{ Cause error }

func (e *ErrFanoutUndeliverable) Error() string { return "batcher: fanout undeliverable: " + e.Cause.Error() }
func (e *ErrFanoutUndeliverable) Unwrap() error  { return e.Cause }

type slot struct {
	id     uint64
	result chan result
}

type result struct {
	resp *jsonrpc.Response
	err  error
}

type batch struct {
	key       Key
	fp        fingerprint.Fingerprint
	canonical *jsonrpc.Request
	createdAt time.Time

	mu      sync.Mutex
	slots   map[uint64]*slot
	flushed bool
	timer   *time.Timer
}

// Batcher coalesces submissions per spec §4.7.
type Batcher struct {
	cfg      Config
	dispatch DispatchFunc
	metrics  Metrics

	mu      sync.Mutex
	batches map[Key]*batch
	nextID  uint64
}

// New constructs a Batcher. metrics may be nil (observations are dropped).
func New(cfg Config, dispatch DispatchFunc, metrics Metrics) *Batcher {
	cfg.setDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Batcher{cfg: cfg, dispatch: dispatch, metrics: metrics, batches: make(map[Key]*batch)}
}

// Submit coalesces req (identified by fp) into the batch for
// (backendID, req.Method) if that method is on the allow-list, otherwise
// dispatching it directly. It blocks until the batch flushes or ctx is
// cancelled; on cancellation it detaches its slot without disturbing other
// attachers (spec §5 "Cancellation").
func (b *Batcher) Submit(ctx context.Context, backendID string, req *jsonrpc.Request, fp fingerprint.Fingerprint) (*jsonrpc.Response, error) {
	if !b.cfg.Allowlist[req.Method] {
		return b.dispatch(ctx, backendID, req)
	}

	key := Key{BackendID: backendID, Method: req.Method}
	s, bt, isNew, direct := b.attach(key, req, fp)
	if direct {
		return b.dispatch(ctx, backendID, req)
	}
	if isNew {
		go b.runTimer(bt)
	}

	select {
	case r := <-s.result:
		return r.resp, r.err
	case <-ctx.Done():
		bt.detach(s.id)
		return nil, ctx.Err()
	}
}

// attach finds or creates the batch for key+fp and registers a new slot on
// it. If this submission reaches max_batch_size, the batch is removed from
// the index before the batcher lock is released (so later submissions open
// a new batch) and its flush runs on a new goroutine. If a
// batch already occupies key for a different fingerprint, attach reports
// direct=true: spec §4.7 requires distinct parameter sets to open distinct
// batches, but the index is keyed by (BackendId, method) alone, so a second
// fingerprint under the same key cannot be given its own indexed, timed
// batch without colliding with the first — it dispatches directly instead.
func (b *Batcher) attach(key Key, req *jsonrpc.Request, fp fingerprint.Fingerprint) (s *slot, bt *batch, isNew, direct bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.batches[key]
	if ok {
		existing.mu.Lock()
		sameFP := existing.fp == fp && !existing.flushed
		if sameFP {
			s := b.newSlotLocked(existing)
			full := len(existing.slots) >= b.cfg.MaxBatchSize
			existing.mu.Unlock()
			if full {
				delete(b.batches, key)
				go b.flush(existing, "size")
			}
			return s, existing, false, false
		}
		existing.mu.Unlock()
		return nil, nil, false, true
	}

	newBt := &batch{key: key, fp: fp, canonical: req, createdAt: time.Now(), slots: make(map[uint64]*slot)}
	newSlot := b.newSlotLocked(newBt)
	b.batches[key] = newBt
	return newSlot, newBt, true, false
}

func (b *Batcher) newSlotLocked(bt *batch) *slot {
	b.nextID++
	s := &slot{id: b.nextID, result: make(chan result, 1)}
	bt.mu.Lock()
	bt.slots[s.id] = s
	bt.mu.Unlock()
	return s
}

func (bt *batch) detach(id uint64) {
	bt.mu.Lock()
	delete(bt.slots, id)
	bt.mu.Unlock()
}

func (b *Batcher) runTimer(bt *batch) {
	time.Sleep(b.cfg.Window)
	b.flush(bt, "timer")
}

// flush removes bt from the index (if still present under that key),
// dispatches the canonical request once, and fans the result out to every
// still-attached slot. Calling flush twice on the same batch (timer race
// with a size-triggered flush) is safe: the second call observes flushed
// already true and returns immediately.
func (b *Batcher) flush(bt *batch, trigger string) {
	b.mu.Lock()
	bt.mu.Lock()
	if bt.flushed {
		bt.mu.Unlock()
		b.mu.Unlock()
		return
	}
	bt.flushed = true
	if cur, ok := b.batches[bt.key]; ok && cur == bt {
		delete(b.batches, bt.key)
	}
	slots := make([]*slot, 0, len(bt.slots))
	for _, s := range bt.slots {
		slots = append(slots, s)
	}
	bt.mu.Unlock()
	b.mu.Unlock()

	b.metrics.ObserveBatchSize(len(slots))
	b.metrics.ObserveBatchWait(time.Since(bt.createdAt))
	b.metrics.IncBatchesFlushed(trigger)

	if len(slots) == 0 {
		return
	}

	resp, err := b.dispatch(context.Background(), bt.key.BackendID, bt.canonical)
	for _, s := range slots {
		s.result <- cloneResult(resp, err)
	}
}

// cloneResult copies resp by value so every attached slot gets an
// independent Response it may mutate (e.g. rewriting id) without racing
// other slots (spec §4.7's "cloning to every attached slot"). JSON-RPC
// envelopes here are plain values/slices of bytes, always safely
// cloneable — ErrFanoutUndeliverable is reserved for payload kinds this
// package does not carry.
func cloneResult(resp *jsonrpc.Response, err error) result {
	if resp == nil {
		return result{resp: nil, err: err}
	}
	clone := *resp
	return result{resp: &clone, err: err}
}
