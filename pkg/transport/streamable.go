package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/terrors"
)

const sessionHeader = "mcp-session-id"

// StreamableHTTPConfig configures a StreamableHTTP transport (spec §3
// TransportSpec.StreamableHttp).
type StreamableHTTPConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

func (c *StreamableHTTPConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// StreamableHTTP is HTTP plus (a) Accept: application/json, text/event-stream,
// (b) mcp-session-id tracking, (c) single-JSON-or-SSE response bodies (spec
// §4.1).
type StreamableHTTP struct {
	cfg    StreamableHTTPConfig
	client *http.Client

	sessionID atomic.Value // string

	mu sync.Mutex
}

// NewStreamableHTTP constructs a StreamableHTTP transport.
func NewStreamableHTTP(cfg StreamableHTTPConfig) *StreamableHTTP {
	cfg.setDefaults()
	s := &StreamableHTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
	s.sessionID.Store("")
	return s
}

// Dispatch implements Transport.
func (s *StreamableHTTP) Dispatch(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, lostSession, err := s.doOnce(ctx, req)
	if lostSession {
		// Session rejected: discard and retry once with a fresh session,
		// transparently to the caller (spec §4.1).
		s.sessionID.Store("")
		resp, _, err = s.doOnce(ctx, req)
	}
	return resp, err
}

func (s *StreamableHTTP) doOnce(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, terrors.New(fmt.Errorf("%w: %v", terrors.ErrProtocol, err), false)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if sid, _ := s.sessionID.Load().(string); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, terrors.New(terrors.ErrTimeout, false)
		}
		return nil, false, terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), true)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		s.sessionID.Store(sid)
	}

	if resp.StatusCode >= 400 {
		lostSession := resp.StatusCode < 500 && isInvalidSession(resp)
		retriable := resp.StatusCode >= 500
		cause := terrors.ErrProtocol
		if lostSession {
			cause = terrors.ErrSessionLost
		}
		return nil, lostSession, terrors.New(fmt.Errorf("%w: backend returned %d", cause, resp.StatusCode), retriable)
	}

	out, err := decodeResponseBody(resp)
	if err != nil {
		return nil, false, terrors.New(fmt.Errorf("%w: %v", terrors.ErrProtocol, err), false)
	}
	out.ID = req.ID
	return out, false, nil
}

// isInvalidSession checks for the "invalid session" signal spec §4.1
// describes in loose terms ("a 4xx with 'invalid session' is observed").
func isInvalidSession(resp *http.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header.Get("X-Session-Error")), "invalid session")
}

// decodeResponseBody accepts either a single JSON document or an SSE stream
// whose data: lines concatenate to exactly one JSON document (spec §4.1).
func decodeResponseBody(resp *http.Response) (*jsonrpc.Response, error) {
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/event-stream") {
		return decodeSSE(resp.Body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out jsonrpc.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeSSE(r io.Reader) (*jsonrpc.Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	var out jsonrpc.Response
	if err := json.Unmarshal([]byte(data.String()), &out); err != nil {
		return nil, fmt.Errorf("decode SSE payload: %w", err)
	}
	return &out, nil
}

// Probe reuses the same health semantics as HTTP (spec §4.3 only
// distinguishes Stdio probing; HTTP-family transports share a GET-based
// check).
func (s *StreamableHTTP) Probe(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), false)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return terrors.New(fmt.Errorf("%w: %v", terrors.ErrDial, err), true)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return terrors.New(fmt.Errorf("%w: health check returned %d", terrors.ErrProtocol, resp.StatusCode), true)
	}
	return nil
}

// Close drops the connection pool (spec §4.5).
func (s *StreamableHTTP) Close(_ context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
