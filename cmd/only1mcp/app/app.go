// Package app assembles every Only1MCP component into a running process.
// Run is the single entrypoint cmd/only1mcp's main.go calls after parsing
// flags; everything about wiring order (config before registry before
// handler before server) lives here, grounded on
// stacklok-toolhive/cmd/vmcp/app and cmd/thv-registry-api/app's
// command-to-server handoff shape.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doublegate/Only1MCP-sub003/pkg/batcher"
	"github.com/doublegate/Only1MCP-sub003/pkg/cache"
	"github.com/doublegate/Only1MCP-sub003/pkg/config"
	"github.com/doublegate/Only1MCP-sub003/pkg/handler"
	"github.com/doublegate/Only1MCP-sub003/pkg/health"
	"github.com/doublegate/Only1MCP-sub003/pkg/loadbalancer"
	"github.com/doublegate/Only1MCP-sub003/pkg/logger"
	"github.com/doublegate/Only1MCP-sub003/pkg/metrics"
	"github.com/doublegate/Only1MCP-sub003/pkg/registry"
	"github.com/doublegate/Only1MCP-sub003/pkg/server"
)

// Options carries the handful of process-level settings
// cmd/only1mcp.main's flag package parses (CLI argument parsing beyond
// this is an explicit Non-goal).
type Options struct {
	ConfigPath           string
	ListenOverride       string
	AllowedStdioCommands map[string]bool
}

// ErrKind distinguishes the two startup failure modes spec §6's exit codes
// name: config error (2) vs. bind error (3).
type ErrKind int

const (
	ErrKindNone ErrKind = iota
	ErrKindConfig
	ErrKindBind
)

// RunError wraps a Run failure with the ErrKind main.go maps to an exit
// code.
type RunError struct {
	Kind ErrKind
	Err  error
}

func (e *RunError) Error() string { return e.Err.Error() }
func (e *RunError) Unwrap() error { return e.Err }

// Run wires every component together and blocks until ctx is canceled,
// then drains in flight requests before returning (spec §6 graceful
// shutdown).
func Run(ctx context.Context, opts Options) error {
	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)

	reg := registry.New(func(id registry.BackendID, v health.Verdict) {
		metricsReg.RecordBackendHealth(string(id), v.Healthy)
	})
	defer reg.Shutdown()

	loader := config.New(config.Options{
		Path:                 opts.ConfigPath,
		AllowedStdioCommands: opts.AllowedStdioCommands,
		Metrics:              metrics.ConfigAdapter{R: metricsReg},
	}, reg)

	if err := loader.Load(ctx); err != nil {
		return &RunError{Kind: ErrKindConfig, Err: fmt.Errorf("initial config load: %w", err)}
	}
	if err := loader.Start(ctx); err != nil {
		return &RunError{Kind: ErrKindConfig, Err: fmt.Errorf("start config watcher: %w", err)}
	}
	defer loader.Stop()

	settings := loader.Settings()
	if err := logger.Initialize(logger.Options{
		Level:  settings.Observability.Logging.Level,
		Format: logger.Format(stringOr(settings.Observability.Logging.Format, string(logger.FormatConsole))),
	}); err != nil {
		return &RunError{Kind: ErrKindConfig, Err: fmt.Errorf("initialize logger: %w", err)}
	}

	ch := buildCache(settings.ContextOptimization.Cache)
	stopMaintenance := make(chan struct{})
	go ch.StartMaintenance(stopMaintenance, time.Minute)
	defer close(stopMaintenance)

	b := batcher.New(buildBatcherConfig(settings.ContextOptimization.Batching), handler.NewBatcherDispatch(reg), metrics.BatcherAdapter{R: metricsReg})

	lb := loadbalancer.New(resolvePolicy(settings.Proxy.LoadBalancer.Algorithm), settings.Proxy.LoadBalancer.VirtualNodes)

	h := handler.New(handler.Config{
		FailoverAttempts: settings.Proxy.LoadBalancer.FailoverAttempts,
	}, reg, lb, ch, b, metrics.HandlerAdapter{R: metricsReg})

	listenAddr := opts.ListenOverride
	if listenAddr == "" {
		listenAddr = settings.ListenAddr
	}
	srv := server.New(server.Config{
		ListenAddr: listenAddr,
		Version:    version,
	}, h, reg, promReg)

	logger.Get().Infow("only1mcp starting", "listen_addr", listenAddr, "config", opts.ConfigPath)
	if err := srv.Run(ctx); err != nil {
		return &RunError{Kind: ErrKindBind, Err: err}
	}
	return nil
}

// version is overridden at build time via -ldflags; the zero value is
// reported as-is rather than guessed at.
var version = "dev"

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func resolvePolicy(algorithm string) loadbalancer.Policy {
	if algorithm == "" {
		return loadbalancer.RoundRobin
	}
	return loadbalancer.Policy(algorithm)
}

func buildCache(spec config.CacheSpec) *cache.Cache {
	cfgs := map[cache.Tier]cache.TierConfig{
		cache.TierTools:     tierConfigOrDefault(cache.TierTools, spec.Tools),
		cache.TierResources: tierConfigOrDefault(cache.TierResources, spec.Resources),
		cache.TierPrompts:   tierConfigOrDefault(cache.TierPrompts, spec.Prompts),
	}
	return cache.New(cfgs)
}

func tierConfigOrDefault(tier cache.Tier, spec config.TierSpec) cache.TierConfig {
	cfg := cache.DefaultTierConfig(tier)
	if spec.TTLSeconds > 0 {
		cfg.TTL = time.Duration(spec.TTLSeconds) * time.Second
	}
	if spec.MaxEntries > 0 {
		cfg.Capacity = spec.MaxEntries
	}
	return cfg
}

func buildBatcherConfig(spec config.BatchingSpec) batcher.Config {
	cfg := batcher.DefaultConfig()
	if spec.WindowMS > 0 {
		cfg.Window = time.Duration(spec.WindowMS) * time.Millisecond
	}
	if spec.MaxBatchSize > 0 {
		cfg.MaxBatchSize = spec.MaxBatchSize
	}
	if len(spec.Methods) > 0 {
		allow := make(map[string]bool, len(spec.Methods))
		for _, m := range spec.Methods {
			allow[m] = true
		}
		cfg.Allowlist = allow
	}
	return cfg
}
