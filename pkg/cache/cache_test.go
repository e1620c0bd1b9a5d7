package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/Only1MCP-sub003/pkg/fingerprint"
)

func TestTierForMethod(t *testing.T) {
	t.Parallel()

	tier, ok := TierForMethod("tools/call")
	require.True(t, ok)
	assert.Equal(t, TierTools, tier)

	tier, ok = TierForMethod("resources/read")
	require.True(t, ok)
	assert.Equal(t, TierResources, tier)

	tier, ok = TierForMethod("prompts/get")
	require.True(t, ok)
	assert.Equal(t, TierPrompts, tier)

	_, ok = TierForMethod("sampling/createMessage")
	assert.False(t, ok)
}

func TestCache_GetPutRoundTrip(t *testing.T) {
	t.Parallel()

	c := New(nil)
	fp := fingerprint.Fingerprint("fp-1")

	_, ok := c.Get(TierTools, fp)
	assert.False(t, ok)

	c.Put(TierTools, fp, []byte(`{"ok":true}`), "b1")
	payload, ok := c.Get(TierTools, fp)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"ok":true}`), payload)
}

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	c := New(map[Tier]TierConfig{TierTools: {TTL: 10 * time.Millisecond, Capacity: 10}})
	fp := fingerprint.Fingerprint("fp-expiring")
	c.Put(TierTools, fp, []byte("v"), "b1")

	_, ok := c.Get(TierTools, fp)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(TierTools, fp)
	assert.False(t, ok, "expired entry must be lazily reclaimed on touch")
}

func TestCache_InvalidateBackend(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.Put(TierTools, "fp-a", []byte("a"), "b1")
	c.Put(TierTools, "fp-b", []byte("b"), "b2")

	c.InvalidateBackend("b1")

	_, ok := c.Get(TierTools, "fp-a")
	assert.False(t, ok)
	_, ok = c.Get(TierTools, "fp-b")
	assert.True(t, ok)
}

// TestCache_InvalidateBackendEvictsAggregateEntry guards an aggregate
// entry (one tagged with every contributing backend, not a single one)
// against surviving InvalidateBackend for any one of its contributors.
func TestCache_InvalidateBackendEvictsAggregateEntry(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.Put(TierTools, "fp-agg", []byte("merged"), "b1", "b2", "b3")

	c.InvalidateBackend("b2")

	_, ok := c.Get(TierTools, "fp-agg")
	assert.False(t, ok, "aggregate entry must be evicted when any one contributor is invalidated")
}

func TestCache_AdmissionProtectsHotEntries(t *testing.T) {
	t.Parallel()

	c := New(map[Tier]TierConfig{TierTools: {TTL: time.Hour, Capacity: 4}})

	hot := fingerprint.Fingerprint("hot")
	c.Put(TierTools, hot, []byte("hot-payload"), "b1")
	for i := 0; i < 50; i++ {
		c.Get(TierTools, hot)
	}

	for i := 0; i < 3; i++ {
		c.Put(TierTools, fingerprint.Fingerprint(fmt.Sprintf("warm-%d", i)), []byte("v"), "b1")
	}

	for i := 0; i < 20; i++ {
		c.Put(TierTools, fingerprint.Fingerprint(fmt.Sprintf("coldwave-%d", i)), []byte("v"), "b1")
	}

	_, ok := c.Get(TierTools, hot)
	assert.True(t, ok, "frequently-read entry should survive low-frequency admission pressure")
}

func TestCache_SweepExpiredReclaimsEagerly(t *testing.T) {
	t.Parallel()

	c := New(map[Tier]TierConfig{TierTools: {TTL: 5 * time.Millisecond, Capacity: 10}})
	c.Put(TierTools, "fp-1", []byte("v"), "b1")

	stop := make(chan struct{})
	c.StartMaintenance(stop, 5*time.Millisecond)
	defer close(stop)

	require.Eventually(t, func() bool {
		c.tiers[TierTools].mu.RLock()
		n := len(c.tiers[TierTools].items)
		c.tiers[TierTools].mu.RUnlock()
		return n == 0
	}, time.Second, 5*time.Millisecond)
}
