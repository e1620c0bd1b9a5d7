package batcher

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
)

func req(method string) *jsonrpc.Request {
	return &jsonrpc.Request{JSONRPC: "2.0", ID: jsonrpc.NewID(1), Method: method}
}

func TestBatcher_CoalescesIdenticalRequests(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	dispatch := func(ctx context.Context, backendID string, r *jsonrpc.Request) (*jsonrpc.Response, error) {
		calls.Add(1)
		return jsonrpc.NewResultResponse(r.ID, json.RawMessage(`{"tools":[]}`)), nil
	}

	cfg := Config{Window: 30 * time.Millisecond, MaxBatchSize: 10, Allowlist: map[string]bool{"tools/list": true}}
	b := New(cfg, dispatch, nil)

	var wg sync.WaitGroup
	results := make([]*jsonrpc.Response, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			resp, err := b.Submit(context.Background(), "backend-1", req("tools/list"), "fp-a")
			require.NoError(t, err)
			results[idx] = resp
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "all identical concurrent submissions should share one dispatch")
	for _, r := range results {
		require.NotNil(t, r)
		assert.JSONEq(t, `{"tools":[]}`, string(r.Result))
	}
}

func TestBatcher_DistinctFingerprintsOpenDistinctBatches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	dispatch := func(ctx context.Context, backendID string, r *jsonrpc.Request) (*jsonrpc.Response, error) {
		calls.Add(1)
		return jsonrpc.NewResultResponse(r.ID, json.RawMessage(`{}`)), nil
	}

	cfg := Config{Window: 20 * time.Millisecond, MaxBatchSize: 10, Allowlist: map[string]bool{"tools/list": true}}
	b := New(cfg, dispatch, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := b.Submit(context.Background(), "backend-1", req("tools/list"), "fp-a")
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := b.Submit(context.Background(), "backend-1", req("tools/list"), "fp-b")
		require.NoError(t, err)
	}()
	wg.Wait()

	assert.EqualValues(t, 2, calls.Load())
}

func TestBatcher_BypassesNonAllowlistedMethods(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	dispatch := func(ctx context.Context, backendID string, r *jsonrpc.Request) (*jsonrpc.Response, error) {
		calls.Add(1)
		return jsonrpc.NewResultResponse(r.ID, json.RawMessage(`{}`)), nil
	}

	cfg := Config{Window: time.Second, MaxBatchSize: 10, Allowlist: map[string]bool{"tools/list": true}}
	b := New(cfg, dispatch, nil)

	_, err := b.Submit(context.Background(), "backend-1", req("tools/call"), "fp-a")
	require.NoError(t, err)
	_, err = b.Submit(context.Background(), "backend-1", req("tools/call"), "fp-a")
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load(), "non-allowlisted methods dispatch directly, uncoalesced")
}

func TestBatcher_FlushesOnMaxBatchSize(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	dispatch := func(ctx context.Context, backendID string, r *jsonrpc.Request) (*jsonrpc.Response, error) {
		calls.Add(1)
		return jsonrpc.NewResultResponse(r.ID, json.RawMessage(`{}`)), nil
	}

	cfg := Config{Window: time.Hour, MaxBatchSize: 3, Allowlist: map[string]bool{"tools/list": true}}
	b := New(cfg, dispatch, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Submit(context.Background(), "backend-1", req("tools/list"), "fp-a")
			require.NoError(t, err)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batch did not flush on reaching max_batch_size despite a one-hour window")
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestBatcher_CancelledSubmitterDetachesWithoutBlockingOthers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	dispatch := func(ctx context.Context, backendID string, r *jsonrpc.Request) (*jsonrpc.Response, error) {
		<-release
		return jsonrpc.NewResultResponse(r.ID, json.RawMessage(`{}`)), nil
	}

	cfg := Config{Window: 10 * time.Millisecond, MaxBatchSize: 10, Allowlist: map[string]bool{"tools/list": true}}
	b := New(cfg, dispatch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, "backend-1", req("tools/list"), "fp-a")
		errCh <- err
	}()

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.Submit(context.Background(), "backend-1", req("tools/list"), "fp-a")
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, <-resultCh)
}
