// Package health implements the per-backend CircuitBreaker (spec §4.2) and
// the active HealthChecker probe scheduler (spec §4.3) that feeds it.
//
// CircuitBreaker is grounded directly on the teacher's
// pkg/vmcp/health/circuit_breaker_test.go (NewCircuitBreaker, CanAttempt,
// RecordSuccess, RecordFailure, GetState, GetFailureCount), extended with
// the success_threshold and half_open_max_inflight knobs spec §4.2 adds on
// top of the teacher's simpler two-state-transition breaker.
package health

import (
	"sync"
	"time"
)

// CircuitState is one of Closed, Open, or HalfOpen (spec §3 CircuitState).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a CircuitBreaker (spec §4.2 defaults).
type Config struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenDuration       time.Duration
	HalfOpenMaxInflight int
	Window             time.Duration
}

// DefaultConfig returns spec §4.2's documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxInflight: 3,
		Window:              60 * time.Second,
	}
}

// CircuitBreaker isolates a single backend's failures (spec §4.2). Reads
// (CanAttempt, GetState, GetFailureCount) and state transitions all take
// the same single mutex, for simplicity, since the teacher's own
// breaker (circuit_breaker_test.go) does the same and the critical section
// is a handful of field accesses, not an I/O call.
type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	windowStart     time.Time
	openUntil       time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
}

// NewCircuitBreaker constructs a breaker with the given failure threshold
// and open duration, matching the teacher's two-argument constructor; the
// remaining knobs take spec §4.2 defaults. Use NewCircuitBreakerWithConfig
// for full control.
func NewCircuitBreaker(failureThreshold int, openDuration time.Duration) *CircuitBreaker {
	cfg := DefaultConfig()
	cfg.FailureThreshold = failureThreshold
	cfg.OpenDuration = openDuration
	return NewCircuitBreakerWithConfig(cfg)
}

// NewCircuitBreakerWithConfig constructs a breaker with every spec §4.2 knob
// explicit.
func NewCircuitBreakerWithConfig(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	if cfg.HalfOpenMaxInflight <= 0 {
		cfg.HalfOpenMaxInflight = DefaultConfig().HalfOpenMaxInflight
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailureCount returns the consecutive failure count in the current
// window. Opening the circuit does not clear it, so while Open it still
// reports the count that tripped the breaker.
func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// CanAttempt reports whether a dispatch may proceed, performing the
// Open->HalfOpen time-driven transition if due (spec §4.2, §9 "circuit
// breaker fairness"). In HalfOpen it admits at most HalfOpenMaxInflight
// concurrent probes.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canAttemptLocked()
}

// Admissible reports whether a dispatch would currently be allowed,
// without reserving a HalfOpen slot the way CanAttempt does. Use this for
// read-only filtering (candidate selection, health reporting); a caller
// that is about to actually dispatch must call CanAttempt itself,
// immediately before the call, so a HalfOpen slot is reserved exactly
// once per attempt. Calling Admissible does not perform the time-driven
// Open->HalfOpen transition CanAttempt performs as a side effect — an
// Open breaker past its openUntil deadline reports admissible here, but
// the state transition itself only happens inside CanAttempt.
func (cb *CircuitBreaker) Admissible() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return !time.Now().Before(cb.openUntil)
	case CircuitHalfOpen:
		return cb.halfOpenInFlight < cb.cfg.HalfOpenMaxInflight
	default:
		return false
	}
}

func (cb *CircuitBreaker) canAttemptLocked() bool {
	now := time.Now()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Before(cb.openUntil) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
		fallthrough
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxInflight {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful dispatch, resetting the consecutive
// failure count in Closed, or accruing toward success_threshold in
// HalfOpen (spec §4.2).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if cb.halfOpenSuccess >= cb.cfg.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.halfOpenSuccess = 0
			cb.halfOpenInFlight = 0
		}
	}
}

// RecordFailure records a failed dispatch, opening the breaker when the
// failure threshold is reached within Window (Closed), or immediately
// reopening from HalfOpen (spec §4.2).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case CircuitClosed:
		if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.cfg.Window {
			cb.windowStart = now
			cb.failureCount = 0
		}
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.open(now)
		}
	case CircuitHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.open(now)
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = CircuitOpen
	cb.openUntil = now.Add(cb.cfg.OpenDuration)
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
}
