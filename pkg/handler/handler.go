// Package handler implements the JSON-RPC dispatch/aggregation glue spec
// §4.8 describes: parse, fingerprint, cache/batch/select/admit/dispatch,
// aggregate, respond. Grounded on envoyproxy/ai-gateway's
// internal/mcpproxy/mcpproxy.go (method-keyed dispatch over a single
// entrypoint, request-scoped plumbing through one struct) and spec §4.8's
// six numbered steps.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doublegate/Only1MCP-sub003/pkg/batcher"
	"github.com/doublegate/Only1MCP-sub003/pkg/cache"
	"github.com/doublegate/Only1MCP-sub003/pkg/fingerprint"
	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
	"github.com/doublegate/Only1MCP-sub003/pkg/loadbalancer"
	"github.com/doublegate/Only1MCP-sub003/pkg/ocode"
	"github.com/doublegate/Only1MCP-sub003/pkg/registry"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/terrors"
)

// Metrics receives per-request observations (spec §4.8 step 6).
type Metrics interface {
	ObserveRequest(method, status string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, string, time.Duration) {}

// AggregationPolicy controls how step 3c handles partial backend failure.
type AggregationPolicy struct {
	// FailOnPartialError, when true, makes the whole aggregate a single
	// error response if any backend errored instead of the default
	// succeed-with-"_errors"-side-channel behavior spec §4.8 documents.
	FailOnPartialError bool
}

// Config tunes the Handler (spec §4.8 defaults).
type Config struct {
	AggregationMethods  map[string]bool
	AggregationDeadline time.Duration
	FailoverAttempts    int
	AggregationPolicy    AggregationPolicy
}

func (c *Config) setDefaults() {
	if len(c.AggregationMethods) == 0 {
		c.AggregationMethods = map[string]bool{
			"tools/list":     true,
			"resources/list": true,
			"prompts/list":   true,
		}
	}
	if c.AggregationDeadline <= 0 {
		c.AggregationDeadline = 10 * time.Second
	}
	if c.FailoverAttempts <= 0 {
		c.FailoverAttempts = 3
	}
}

// Handler ties the Registry, LoadBalancer, Cache, and Batcher together
// into the request pipeline spec §4.8 describes.
type Handler struct {
	cfg     Config
	reg     *registry.Registry
	lb      loadbalancer.Selector
	ch      *cache.Cache
	batch   *batcher.Batcher
	metrics Metrics
}

// New constructs a Handler. metrics may be nil (observations are dropped).
func New(cfg Config, reg *registry.Registry, lb loadbalancer.Selector, ch *cache.Cache, batch *batcher.Batcher, metrics Metrics) *Handler {
	cfg.setDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Handler{cfg: cfg, reg: reg, lb: lb, ch: ch, batch: batch, metrics: metrics}
}

// HandleDocument processes one parsed Document, returning the responses to
// serialize back (notifications produce none). Each request in a batch is
// handled independently; nothing about one request's failure affects
// siblings (spec §4.8's per-request pipeline).
func (h *Handler) HandleDocument(ctx context.Context, doc *jsonrpc.Document) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, 0, len(doc.Requests))
	for _, req := range doc.Requests {
		resp := h.HandleRequest(ctx, req)
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	return responses
}

// HandleRequest runs one request through the full pipeline (spec §4.8
// steps 2-6), returning nil for notifications.
func (h *Handler) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	status := "ok"

	resp := h.dispatchOne(ctx, req)
	if resp != nil && resp.Error != nil {
		status = "error"
	}
	h.metrics.ObserveRequest(req.Method, status, time.Since(start))

	if req.IsNotification() {
		return nil
	}
	return resp
}

func (h *Handler) dispatchOne(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if h.cfg.AggregationMethods[req.Method] {
		return h.handleAggregation(ctx, req)
	}

	tier, cacheable := cacheTierFor(req.Method)
	if cacheable {
		return h.handleCacheable(ctx, req, tier)
	}
	return h.handleUncached(ctx, req)
}

// handleAggregation implements spec §4.8 step 3.
func (h *Handler) handleAggregation(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	fp, err := fingerprint.Compute(req.Method, req.Params, fingerprint.AggregateTarget)
	if err != nil {
		return errorResponse(req.ID, ocode.ErrInternal)
	}
	tier, _ := cacheTierFor(req.Method)

	if payload, ok := h.ch.Get(tier, fp); ok {
		return jsonrpc.NewResultResponse(req.ID, payload)
	}

	gen := h.reg.Current()
	if gen == nil {
		return errorResponse(req.ID, ocode.ErrNoBackend)
	}

	backends := gen.Candidates(req.Method, h.reg.InFlight)
	var admissible []string
	for _, c := range backends {
		if h.reg.Admissible(registry.BackendID(c.BackendID)) {
			admissible = append(admissible, c.BackendID)
		}
	}
	sort.Strings(admissible)

	aggCtx, cancel := context.WithTimeout(ctx, h.cfg.AggregationDeadline)
	defer cancel()

	results := make([]aggregatePartial, len(admissible))
	g, gCtx := errgroup.WithContext(aggCtx)
	for i, id := range admissible {
		i, id := i, id
		g.Go(func() error {
			resp, err := h.batchedDispatch(gCtx, registry.BackendID(id), req, fp)
			results[i] = aggregatePartial{backendID: id, resp: resp, err: err}
			// A per-backend dispatch failure is a partial-aggregation outcome,
			// not a fan-out abort: it is recorded in results, never returned
			// here, so one slow/failing backend's siblings are never canceled.
			return nil
		})
	}
	_ = g.Wait()

	field, merged, errs, successes := mergeAggregateResults(req.Method, admissible, results)
	if successes == 0 {
		return errorResponse(req.ID, ocode.ErrNoBackend)
	}
	if len(errs) > 0 && h.cfg.AggregationPolicy.FailOnPartialError {
		return errorResponse(req.ID, ocode.ErrBackend)
	}

	payload, err := encodeAggregate(field, merged, errs)
	if err != nil {
		return errorResponse(req.ID, ocode.ErrInternal)
	}

	h.ch.Put(tier, fp, payload, admissible...)
	return jsonrpc.NewResultResponse(req.ID, payload)
}

func (h *Handler) batchedDispatch(ctx context.Context, id registry.BackendID, req *jsonrpc.Request, fp fingerprint.Fingerprint) (*jsonrpc.Response, error) {
	done := h.reg.Track(id)
	defer done()

	breaker, ok := h.reg.Breaker(id)
	if !ok {
		return nil, ocode.ErrNoBackend
	}
	if !breaker.CanAttempt() {
		return nil, ocode.ErrCircuitOpen
	}

	resp, err := h.batch.Submit(ctx, string(id), req, fp)
	if err != nil {
		breaker.RecordFailure()
		return nil, classify(err)
	}
	breaker.RecordSuccess()
	return resp, nil
}

// handleCacheable implements spec §4.8 step 4.
func (h *Handler) handleCacheable(ctx context.Context, req *jsonrpc.Request, tier cache.Tier) *jsonrpc.Response {
	gen := h.reg.Current()
	if gen == nil {
		return errorResponse(req.ID, ocode.ErrNoBackend)
	}

	attempts := h.cfg.FailoverAttempts
	var lastErr error
	excluded := map[string]bool{}

	for attempt := 0; attempt < attempts; attempt++ {
		candidates := filterExcluded(gen.Candidates(req.Method, h.reg.InFlight), excluded)
		if len(candidates) == 0 {
			return errorResponse(req.ID, ocode.ErrNoBackend)
		}

		backendID, err := h.lb.Select(candidates, sessionKeyOf(req))
		if err != nil {
			return errorResponse(req.ID, ocode.ErrNoBackend)
		}

		if !h.reg.Admissible(registry.BackendID(backendID)) {
			excluded[backendID] = true
			lastErr = ocode.ErrCircuitOpen
			continue
		}

		fp, err := fingerprint.Compute(req.Method, req.Params, backendID)
		if err != nil {
			return errorResponse(req.ID, ocode.ErrInternal)
		}
		if payload, ok := h.ch.Get(tier, fp); ok {
			return jsonrpc.NewResultResponse(req.ID, payload)
		}

		resp, err := h.dispatchAndRecord(ctx, registry.BackendID(backendID), req, fp)
		if err != nil {
			if isRetriable(err) {
				excluded[backendID] = true
				lastErr = err
				continue
			}
			return errorResponse(req.ID, err)
		}
		if resp.Error == nil {
			h.ch.Put(tier, fp, resp.Result, backendID)
		}
		return resp
	}
	if lastErr != nil {
		return errorResponse(req.ID, lastErr)
	}
	return errorResponse(req.ID, ocode.ErrNoBackend)
}

// handleUncached implements spec §4.8 step 5: select -> admit -> dispatch
// -> record, no caching or batching.
func (h *Handler) handleUncached(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	gen := h.reg.Current()
	if gen == nil {
		return errorResponse(req.ID, ocode.ErrNoBackend)
	}

	attempts := h.cfg.FailoverAttempts
	excluded := map[string]bool{}
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		candidates := filterExcluded(gen.Candidates(req.Method, h.reg.InFlight), excluded)
		if len(candidates) == 0 {
			break
		}
		backendID, err := h.lb.Select(candidates, sessionKeyOf(req))
		if err != nil {
			break
		}
		if !h.reg.Admissible(registry.BackendID(backendID)) {
			excluded[backendID] = true
			lastErr = ocode.ErrCircuitOpen
			continue
		}

		resp, err := h.dispatchAndRecordDirect(ctx, registry.BackendID(backendID), req)
		if err != nil {
			if isRetriable(err) {
				excluded[backendID] = true
				lastErr = err
				continue
			}
			return errorResponse(req.ID, err)
		}
		return resp
	}
	if lastErr != nil {
		return errorResponse(req.ID, lastErr)
	}
	return errorResponse(req.ID, ocode.ErrNoBackend)
}

func (h *Handler) dispatchAndRecord(ctx context.Context, id registry.BackendID, req *jsonrpc.Request, fp fingerprint.Fingerprint) (*jsonrpc.Response, error) {
	done := h.reg.Track(id)
	defer done()

	breaker, ok := h.reg.Breaker(id)
	if !ok {
		return nil, ocode.ErrNoBackend
	}
	if !breaker.CanAttempt() {
		return nil, ocode.ErrCircuitOpen
	}

	resp, err := h.batch.Submit(ctx, string(id), req, fp)
	if err != nil {
		breaker.RecordFailure()
		return nil, classify(err)
	}
	breaker.RecordSuccess()
	return withRewrittenID(resp, req.ID), nil
}

func (h *Handler) dispatchAndRecordDirect(ctx context.Context, id registry.BackendID, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	done := h.reg.Track(id)
	defer done()

	tr, ok := h.reg.Transport(id)
	if !ok {
		return nil, ocode.ErrNoBackend
	}
	breaker, ok := h.reg.Breaker(id)
	if !ok {
		return nil, ocode.ErrNoBackend
	}
	if !breaker.CanAttempt() {
		return nil, ocode.ErrCircuitOpen
	}

	resp, err := tr.Dispatch(ctx, req)
	if err != nil {
		breaker.RecordFailure()
		return nil, classify(err)
	}
	breaker.RecordSuccess()
	return withRewrittenID(resp, req.ID), nil
}

func withRewrittenID(resp *jsonrpc.Response, id jsonrpc.ID) *jsonrpc.Response {
	if resp == nil {
		return resp
	}
	clone := *resp
	clone.ID = id
	return &clone
}

func filterExcluded(candidates []loadbalancer.Candidate, excluded map[string]bool) []loadbalancer.Candidate {
	if len(excluded) == 0 {
		return candidates
	}
	out := make([]loadbalancer.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !excluded[c.BackendID] {
			out = append(out, c)
		}
	}
	return out
}

func sessionKeyOf(req *jsonrpc.Request) string {
	if req.ID.IsNil() {
		return req.Method
	}
	return req.Method + ":" + idString(req.ID)
}

func idString(id jsonrpc.ID) string {
	v := id.Value()
	if v == nil {
		return ""
	}
	return strings.TrimSpace(toString(v))
}

func toString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func classify(err error) error {
	var te *terrors.TransportError
	if errors.As(err, &te) {
		switch te.Kind {
		case terrors.KindTimeout:
			return ocode.ErrTimeout
		default:
			return ocode.ErrTransport
		}
	}
	return ocode.ErrTransport
}

func isRetriable(err error) bool {
	var te *terrors.TransportError
	if errors.As(err, &te) {
		return te.Retriable
	}
	return errors.Is(err, ocode.ErrCircuitOpen)
}

func errorResponse(id jsonrpc.ID, err error) *jsonrpc.Response {
	code := ocode.ToCode(err)
	return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(code, ""))
}

func cacheTierFor(method string) (cache.Tier, bool) {
	tier, ok := cache.TierForMethod(method)
	if !ok {
		return 0, false
	}
	idx := strings.LastIndex(method, "/")
	if idx < 0 {
		return tier, false
	}
	switch method[idx+1:] {
	case "get", "read":
		return tier, true
	default:
		return tier, false
	}
}

// NewBatcherDispatch adapts a Registry into a batcher.DispatchFunc, looking
// up the live transport for backendID on every call (so a mid-flight
// generation swap is reflected on the next flush, not frozen at batch
// creation time).
func NewBatcherDispatch(reg *registry.Registry) func(ctx context.Context, backendID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return func(ctx context.Context, backendID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
		tr, ok := reg.Transport(registry.BackendID(backendID))
		if !ok {
			return nil, ocode.ErrNoBackend
		}
		return tr.Dispatch(ctx, req)
	}
}
