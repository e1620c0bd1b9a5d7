package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (f *fakeProber) Probe(context.Context) error {
	f.calls.Add(1)
	if f.healthy.Load() {
		return nil
	}
	return errors.New("unhealthy")
}

func TestChecker_FeedsCircuitBreaker(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{}
	breaker := NewCircuitBreaker(3, time.Minute)

	var verdicts atomic.Int32
	c := NewChecker(CheckerConfig{BackendID: "b1", Interval: 5 * time.Millisecond, Timeout: time.Second}, prober, breaker, func(Verdict) {
		verdicts.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return breaker.GetState() == CircuitOpen
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.GreaterOrEqual(t, verdicts.Load(), int32(3))
}

func TestChecker_RecoversAfterHealthyProbes(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{}
	breaker := NewCircuitBreaker(2, 20*time.Millisecond)
	c := NewChecker(CheckerConfig{BackendID: "b1", Interval: 5 * time.Millisecond, Timeout: time.Second}, prober, breaker, nil)

	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool { return breaker.GetState() == CircuitOpen }, time.Second, 5*time.Millisecond)

	prober.healthy.Store(true)

	require.Eventually(t, func() bool { return breaker.GetState() == CircuitClosed }, time.Second, 5*time.Millisecond)
}
