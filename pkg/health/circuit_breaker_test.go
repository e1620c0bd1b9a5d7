package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(5, 60*time.Second)

	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetFailureCount())
	assert.True(t, cb.CanAttempt())
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()

	threshold := 3
	cb := NewCircuitBreaker(threshold, 60*time.Second)

	for i := 0; i < threshold-1; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.GetState())
		assert.True(t, cb.CanAttempt())
	}

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.Equal(t, threshold, cb.GetFailureCount())
	assert.False(t, cb.CanAttempt())
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	t.Parallel()

	timeout := 100 * time.Millisecond
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: timeout, HalfOpenMaxInflight: 1, Window: time.Minute}
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.CanAttempt())

	time.Sleep(timeout + 10*time.Millisecond)

	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	// HalfOpenMaxInflight=1: the single admitted probe slot is taken.
	assert.False(t, cb.CanAttempt())
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()

	timeout := 50 * time.Millisecond
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: timeout, HalfOpenMaxInflight: 3, Window: time.Minute}
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(timeout + 10*time.Millisecond)
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.GetState(), "one success below success_threshold stays half-open")
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetFailureCount())
	assert.True(t, cb.CanAttempt())
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()

	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(3, timeout)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(timeout + 10*time.Millisecond)
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.CanAttempt())
}

func TestCircuitBreaker_ResetOnSuccess(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(5, 60*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, 2, cb.GetFailureCount())

	cb.RecordSuccess()
	assert.Equal(t, 0, cb.GetFailureCount())
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenInflightQuota(t *testing.T) {
	t.Parallel()

	timeout := 20 * time.Millisecond
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 5, OpenDuration: timeout, HalfOpenMaxInflight: 2, Window: time.Minute}
	cb := NewCircuitBreakerWithConfig(cfg)

	cb.RecordFailure()
	time.Sleep(timeout + 10*time.Millisecond)

	assert.True(t, cb.CanAttempt())
	assert.True(t, cb.CanAttempt())
	assert.False(t, cb.CanAttempt(), "third concurrent probe exceeds half_open_max_inflight")
}

// TestCircuitBreaker_AdmissibleDoesNotReserveSlot guards against
// regressing CanAttempt's HalfOpen slot-reservation side effect onto
// Admissible: calling Admissible any number of times as a pure filter
// must never itself exhaust half_open_max_inflight, only an actual
// CanAttempt call may.
func TestCircuitBreaker_AdmissibleDoesNotReserveSlot(t *testing.T) {
	t.Parallel()

	timeout := 20 * time.Millisecond
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 5, OpenDuration: timeout, HalfOpenMaxInflight: 1, Window: time.Minute}
	cb := NewCircuitBreakerWithConfig(cfg)

	cb.RecordFailure()
	time.Sleep(timeout + 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		assert.True(t, cb.Admissible(), "read-only Admissible must not consume the single half-open slot")
	}

	assert.True(t, cb.CanAttempt(), "the slot must still be available for the real attempt")
	assert.False(t, cb.CanAttempt(), "and only that one attempt may reserve it")
}
