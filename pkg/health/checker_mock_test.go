package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/doublegate/Only1MCP-sub003/pkg/transport/mocks"
)

// TestChecker_FeedsCircuitBreakerViaMockTransport exercises Checker against
// a gomock MockTransport instead of the hand-rolled fakeProber in
// checker_test.go, using
// gomock's call-matching (MinTimes) in place of an atomic call counter.
func TestChecker_FeedsCircuitBreakerViaMockTransport(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockTransport := mocks.NewMockTransport(ctrl)
	mockTransport.EXPECT().Probe(gomock.Any()).Return(errors.New("connection refused")).MinTimes(3)

	breaker := NewCircuitBreaker(3, time.Minute)
	c := NewChecker(CheckerConfig{BackendID: "b1", Interval: 10 * time.Millisecond, Timeout: time.Second}, mockTransport, breaker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	require.Eventually(t, func() bool {
		return breaker.GetState() == CircuitOpen
	}, time.Second, 5*time.Millisecond)

	cancel()
	c.Stop()
}
