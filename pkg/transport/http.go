package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/terrors"
)

// RetryPolicy governs HTTP's retry behavior (spec §3 TransportSpec.Http).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// IdempotentPrefixes lists prefixes matched against the last
	// '/'-separated segment of a method name to make it eligible for retry
	// on transport error; defaults to {"list", "get", "read"}, so e.g.
	// tools/list, resources/read and prompts/get qualify.
	IdempotentPrefixes []string
}

func (p *RetryPolicy) setDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if len(p.IdempotentPrefixes) == 0 {
		p.IdempotentPrefixes = []string{"list", "get", "read"}
	}
}

// isIdempotent reports whether method qualifies for retry per policy (spec
// §4.1: "by default any list/get/read method").
func (p *RetryPolicy) isIdempotent(method string) bool {
	suffix := method
	if i := strings.LastIndexByte(method, '/'); i >= 0 {
		suffix = method[i+1:]
	}
	for _, prefix := range p.IdempotentPrefixes {
		if strings.HasPrefix(suffix, prefix) {
			return true
		}
	}
	return false
}

// HTTPConfig configures an HTTP transport (spec §3 TransportSpec.Http).
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Retry   RetryPolicy

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration

	// HealthPath overrides the URL Probe GETs; defaults to URL itself.
	HealthPath string
}

func (c *HTTPConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 100
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 10
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	c.Retry.setDefaults()
}

// HTTP is a pooled HTTP/1.1+HTTP/2 transport (spec §4.1): "the client MUST
// reuse connections; a cold dispatch amortizes to a single round trip."
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP constructs an HTTP transport with a dedicated connection pool.
func NewHTTP(cfg HTTPConfig) *HTTP {
	cfg.setDefaults()
	tr := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Transport: tr, Timeout: cfg.Timeout},
	}
}

// Dispatch implements Transport: POST the JSON-RPC document, retrying
// idempotent methods per RetryPolicy on transport errors and on 5xx with
// Retry-After honored; 4xx are never retried (spec §4.1).
func (h *HTTP) Dispatch(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, terrors.New(fmt.Errorf("%w: %v", terrors.ErrProtocol, err), false)
	}

	if !h.cfg.Retry.isIdempotent(req.Method) {
		return h.doOnce(ctx, body, req.ID)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.cfg.Retry.BaseDelay
	policy.MaxInterval = h.cfg.Retry.MaxDelay
	policy.Multiplier = h.cfg.Retry.Multiplier

	return backoff.Retry(ctx, func() (*jsonrpc.Response, error) {
		resp, err := h.doOnce(ctx, body, req.ID)
		if err == nil {
			return resp, nil
		}
		var te *terrors.TransportError
		if asTransportError(err, &te) && !te.Retriable {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(h.cfg.Retry.MaxAttempts)))
}

func asTransportError(err error, target **terrors.TransportError) bool {
	te, ok := err.(*terrors.TransportError)
	if ok {
		*target = te
	}
	return ok
}

func (h *HTTP) doOnce(ctx context.Context, body []byte, id jsonrpc.ID) (*jsonrpc.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, terrors.New(terrors.ErrTimeout, false)
		}
		return nil, terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				select {
				case <-time.After(time.Duration(secs) * time.Second):
				case <-ctx.Done():
					return nil, terrors.New(terrors.ErrTimeout, false)
				}
			}
		}
		return nil, terrors.New(fmt.Errorf("%w: backend returned %d", terrors.ErrProtocol, resp.StatusCode), true)
	}
	if resp.StatusCode >= 400 {
		return nil, terrors.New(fmt.Errorf("%w: backend returned %d", terrors.ErrProtocol, resp.StatusCode), false)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, terrors.New(fmt.Errorf("%w: %v", terrors.ErrProtocol, err), true)
	}

	var out jsonrpc.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, terrors.New(fmt.Errorf("%w: %v", terrors.ErrProtocol, err), false)
	}
	out.ID = id
	return &out, nil
}

// Probe implements Transport by GETting the configured health path and
// asserting a 2xx status (spec §4.3).
func (h *HTTP) Probe(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.healthURL(), nil)
	if err != nil {
		return terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), false)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), true)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return terrors.New(fmt.Errorf("%w: health check returned %d", terrors.ErrProtocol, resp.StatusCode), true)
	}
	return nil
}

func (h *HTTP) healthURL() string {
	if h.cfg.HealthPath != "" {
		return h.cfg.HealthPath
	}
	return h.cfg.URL
}

// Close implements Transport by dropping the connection pool, letting idle
// connections close (spec §4.5).
func (h *HTTP) Close(_ context.Context) error {
	h.client.CloseIdleConnections()
	return nil
}
