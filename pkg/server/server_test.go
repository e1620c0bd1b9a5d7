package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub003/pkg/batcher"
	"github.com/doublegate/Only1MCP-sub003/pkg/cache"
	"github.com/doublegate/Only1MCP-sub003/pkg/handler"
	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
	"github.com/doublegate/Only1MCP-sub003/pkg/loadbalancer"
	"github.com/doublegate/Only1MCP-sub003/pkg/registry"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/ttype"
)

func newBackendRegistry(t *testing.T, body string) *registry.Registry {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var req jsonrpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		b, _ := json.Marshal(req.ID)
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(b) + `,"result":` + body + `}`))
	}))
	t.Cleanup(srv.Close)

	reg := registry.New(nil)
	t.Cleanup(reg.Shutdown)
	def := registry.Backend{
		ID: "b1", Weight: 1, Enabled: true,
		Transport:   registry.TransportSpec{Type: ttype.HTTP, HTTP: transport.HTTPConfig{URL: srv.URL}},
		HealthCheck: registry.HealthCheckPolicy{Interval: time.Hour, Timeout: time.Second},
	}
	require.NoError(t, reg.Publish(context.Background(), registry.NewGeneration(1, []registry.Backend{def})))
	return reg
}

func newTestServer(t *testing.T, reg *registry.Registry) *Server {
	t.Helper()
	ch := cache.New(nil)
	b := batcher.New(batcher.DefaultConfig(), handler.NewBatcherDispatch(reg), nil)
	lb := loadbalancer.New(loadbalancer.RoundRobin, 0)
	h := handler.New(handler.Config{}, reg, lb, ch, b, nil)
	promReg := prometheus.NewRegistry()
	return New(Config{Version: "test"}, h, reg, promReg)
}

func TestServer_HandlesDocumentOnRootAndMCP(t *testing.T) {
	t.Parallel()

	reg := newBackendRegistry(t, `{"contents":[{"uri":"file:///a"}]}`)
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for _, path := range []string{"/", "/mcp", "/resources/read"} {
		body := `{"jsonrpc":"2.0","id":"1","method":"resources/read"}`
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var parsed jsonrpc.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
		assert.Nil(t, parsed.Error)
	}
}

func TestServer_HealthReportsAdmissibleBackend(t *testing.T) {
	t.Parallel()

	reg := newBackendRegistry(t, `{}`)
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Len(t, body.Servers, 1)
}

func TestServer_HealthReturns503WithNoBackends(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	t.Cleanup(reg.Shutdown)
	require.NoError(t, reg.Publish(context.Background(), registry.NewGeneration(1, nil)))
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_AdminMetricsExposesPrometheusText(t *testing.T) {
	t.Parallel()

	reg := newBackendRegistry(t, `{}`)
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/admin/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AdminHealthReportsCircuitState(t *testing.T) {
	t.Parallel()

	reg := newBackendRegistry(t, `{}`)
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/admin/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []adminStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "closed", statuses[0].CircuitState)
}

func TestServer_WebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	reg := newBackendRegistry(t, `{"contents":[{"uri":"file:///a"}]}`)
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":"1","method":"resources/read"}`)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(msg, &resp))
	assert.Nil(t, resp.Error)
}

func TestServer_RateLimitRejectsBurstOverCapacity(t *testing.T) {
	t.Parallel()

	reg := newBackendRegistry(t, `{}`)
	ch := cache.New(nil)
	b := batcher.New(batcher.DefaultConfig(), handler.NewBatcherDispatch(reg), nil)
	lb := loadbalancer.New(loadbalancer.RoundRobin, 0)
	h := handler.New(handler.Config{}, reg, lb, ch, b, nil)
	promReg := prometheus.NewRegistry()
	srv := New(Config{Version: "test", RateLimitRPS: 1, RateLimitBurst: 1}, h, reg, promReg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body := `{"jsonrpc":"2.0","id":"1","method":"resources/read"}`
	first, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

