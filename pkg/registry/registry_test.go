package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub003/pkg/transport"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/ttype"
)

func newTestBackend(id, url string) Backend {
	return Backend{
		ID:      BackendID(id),
		Weight:  1,
		Enabled: true,
		Transport: TransportSpec{
			Type: ttype.HTTP,
			HTTP: transport.HTTPConfig{URL: url},
		},
		HealthCheck: HealthCheckPolicy{Interval: time.Hour, Timeout: time.Second},
	}
}

func TestGeneration_CandidatesExcludesDisabled(t *testing.T) {
	t.Parallel()

	gen := NewGeneration(1, []Backend{
		{ID: "a", Weight: 1, Enabled: true},
		{ID: "b", Weight: 1, Enabled: false},
	})

	cands := gen.Candidates("tools/list", nil)
	require.Len(t, cands, 1)
	assert.Equal(t, "a", cands[0].BackendID)
}

func TestGeneration_CapableOfRestrictsByMethod(t *testing.T) {
	t.Parallel()

	gen := NewGeneration(1, []Backend{
		{ID: "specialist", Weight: 1, Enabled: true, Methods: []string{"tools/call"}},
		{ID: "generalist", Weight: 1, Enabled: true},
	})

	ids := gen.CapableOf("tools/call")
	assert.ElementsMatch(t, []BackendID{"specialist", "generalist"}, ids)

	ids = gen.CapableOf("resources/read")
	assert.Equal(t, []BackendID{"generalist"}, ids)
}

func TestGeneration_BackendsLexicographicOrder(t *testing.T) {
	t.Parallel()

	gen := NewGeneration(1, []Backend{{ID: "zeta"}, {ID: "alpha"}, {ID: "mid"}})
	var ids []string
	for _, b := range gen.Backends() {
		ids = append(ids, string(b.ID))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestRegistry_PublishAndAdmissible(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := New(nil)
	gen := NewGeneration(1, []Backend{newTestBackend("b1", srv.URL)})

	require.NoError(t, reg.Publish(context.Background(), gen))
	defer reg.Shutdown()

	assert.True(t, reg.Admissible("b1"))
	assert.False(t, reg.Admissible("missing"))
	assert.Equal(t, gen, reg.Current())
}

func TestRegistry_PublishTearsDownRemovedBackend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := New(nil)
	gen1 := NewGeneration(1, []Backend{newTestBackend("b1", srv.URL)})
	require.NoError(t, reg.Publish(context.Background(), gen1))

	gen2 := NewGeneration(2, nil)
	require.NoError(t, reg.Publish(context.Background(), gen2))
	defer reg.Shutdown()

	_, ok := reg.Transport("b1")
	assert.False(t, ok)
}

func TestRegistry_TrackInFlight(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := New(nil)
	gen := NewGeneration(1, []Backend{newTestBackend("b1", srv.URL)})
	require.NoError(t, reg.Publish(context.Background(), gen))
	defer reg.Shutdown()

	done := reg.Track("b1")
	assert.EqualValues(t, 1, reg.InFlight("b1"))
	done()
	assert.EqualValues(t, 0, reg.InFlight("b1"))
}
