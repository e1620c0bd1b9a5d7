package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
)

func TestStreamableHTTP_SessionAffinity(t *testing.T) {
	t.Parallel()

	var seenSession string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		seenSession = r.Header.Get(sessionHeader)
		w.Header().Set(sessionHeader, "sess-123")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	s := NewStreamableHTTP(StreamableHTTPConfig{URL: srv.URL})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: jsonrpc.NewID(float64(1)), Method: "tools/list"}

	_, err := s.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "", seenSession, "first request carries no session id")

	_, err = s.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "sess-123", seenSession, "second request echoes the session id")
	assert.Equal(t, 2, calls)
}

func TestStreamableHTTP_SSEBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":" + "\n"))
		_, _ = w.Write([]byte("data: {\"ok\":true}}\n\n"))
	}))
	defer srv.Close()

	s := NewStreamableHTTP(StreamableHTTPConfig{URL: srv.URL})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: jsonrpc.NewID(float64(1)), Method: "tools/list"}

	resp, err := s.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestStreamableHTTP_InvalidSessionRetriesWithFreshSession(t *testing.T) {
	t.Parallel()

	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.Header().Set("X-Session-Error", "invalid session")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	s := NewStreamableHTTP(StreamableHTTPConfig{URL: srv.URL})
	s.sessionID.Store("stale-session")
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: jsonrpc.NewID(float64(1)), Method: "tools/list"}

	resp, err := s.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, 2, attempt)
}
