package health

import (
	"context"
	"sync"
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/logger"
)

// Prober is anything a HealthChecker can probe — satisfied by
// transport.Transport.
type Prober interface {
	Probe(ctx context.Context) error
}

// Verdict is a single probe's outcome (spec §3 HealthVerdict).
type Verdict struct {
	BackendID string
	Timestamp time.Time
	Healthy   bool
	Latency   time.Duration
}

// CheckerConfig tunes one backend's active probing (spec §4.3 defaults).
type CheckerConfig struct {
	BackendID string
	Interval  time.Duration
	Timeout   time.Duration
}

func (c *CheckerConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Checker periodically probes one backend and feeds its CircuitBreaker
// RecordSuccess/RecordFailure directly, reusing the breaker's own
// consecutive-failure-threshold semantics so "a flaky backend does not
// flap" (spec §4.3: "identical to the breaker's own"). A time.Ticker
// naturally drops ticks the consumer doesn't drain in time, giving
// MissedTickBehavior: skip for free — no extra bookkeeping is required to
// implement that requirement.
type Checker struct {
	cfg     CheckerConfig
	prober  Prober
	breaker *CircuitBreaker

	onVerdict func(Verdict)

	mu          sync.Mutex
	lastVerdict Verdict

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker constructs a Checker. onVerdict, if non-nil, is called after
// every probe with that probe's Verdict.
func NewChecker(cfg CheckerConfig, prober Prober, breaker *CircuitBreaker, onVerdict func(Verdict)) *Checker {
	cfg.setDefaults()
	return &Checker{cfg: cfg, prober: prober, breaker: breaker, onVerdict: onVerdict}
}

// Start launches the periodic probe loop. Calling Start twice without an
// intervening Stop is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx)
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Active probing runs regardless of circuit state — it's the mechanism
	// that drives Open's time-based transition to HalfOpen (spec §4.2); the
	// return value is irrelevant here since the probe always proceeds.
	c.breaker.CanAttempt()

	start := time.Now()
	err := c.prober.Probe(probeCtx)
	latency := time.Since(start)

	verdict := Verdict{BackendID: c.cfg.BackendID, Timestamp: start, Healthy: err == nil, Latency: latency}

	if err == nil {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
		logger.Get().Debugw("health probe failed", "backend", c.cfg.BackendID, "err", err)
	}

	c.mu.Lock()
	c.lastVerdict = verdict
	c.mu.Unlock()

	if c.onVerdict != nil {
		c.onVerdict(verdict)
	}
}

// LastVerdict returns the most recent probe outcome.
func (c *Checker) LastVerdict() Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastVerdict
}
