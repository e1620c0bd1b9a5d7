// Package config loads Only1MCP's backend set from a file on disk,
// watches it for changes, and republishes the pkg/registry.Registry on
// every valid edit (spec §4.9 ConfigLoader). Grounded on
// giantswarm/muster's internal/reconciler.FilesystemDetector for the
// fsnotify-plus-debounce shape, and Sentinel-Gate/Sentinelgate for
// go-playground/validator-based schema validation.
package config

import (
	"fmt"
	"time"

	"github.com/doublegate/Only1MCP-sub003/pkg/registry"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport"
	"github.com/doublegate/Only1MCP-sub003/pkg/transport/ttype"
)

// File is the on-disk shape of a config file, decoded from YAML, TOML, or
// JSON depending on extension (spec §4.9). Struct tags carry both the
// decode key and the validator rule; mapstructure-style snake_case keys
// match the teacher's own config file convention.
type File struct {
	// ListenAddr and TLS are read once at startup; editing them in a
	// running config file has no effect until the process restarts (spec
	// §4.9's "non-reloadable" fields).
	ListenAddr string     `yaml:"listen_addr" toml:"listen_addr" json:"listen_addr"`
	TLS        *TLSConfig `yaml:"tls,omitempty" toml:"tls,omitempty" json:"tls,omitempty"`

	Backends []BackendSpec `yaml:"backends" toml:"backends" json:"backends" validate:"required,min=1,dive"`

	// Proxy, ContextOptimization, and Observability are the remaining
	// top-level config sections spec §6 names (`proxy.load_balancer`,
	// `context_optimization.cache`/`.batching`, `observability.logging`).
	// Like ListenAddr/TLS, these are read once at startup; editing them
	// in a running config file has no effect until restart.
	Proxy               ProxySpec               `yaml:"proxy" toml:"proxy" json:"proxy"`
	ContextOptimization ContextOptimizationSpec  `yaml:"context_optimization" toml:"context_optimization" json:"context_optimization"`
	Observability       ObservabilitySpec        `yaml:"observability" toml:"observability" json:"observability"`
}

// ProxySpec configures request routing (spec §6 `proxy.*`).
type ProxySpec struct {
	LoadBalancer LoadBalancerSpec `yaml:"load_balancer" toml:"load_balancer" json:"load_balancer"`
}

// LoadBalancerSpec selects and tunes one of spec §4.4's five policies.
type LoadBalancerSpec struct {
	Algorithm        string `yaml:"algorithm" toml:"algorithm" json:"algorithm" validate:"omitempty,oneof=round_robin least_connections consistent_hash weighted_random random"`
	VirtualNodes     int    `yaml:"virtual_nodes" toml:"virtual_nodes" json:"virtual_nodes" validate:"gte=0"`
	FailoverAttempts int    `yaml:"failover_attempts" toml:"failover_attempts" json:"failover_attempts" validate:"gte=0"`
}

// ContextOptimizationSpec configures the cache and batcher (spec §6
// `context_optimization.*`).
type ContextOptimizationSpec struct {
	Cache    CacheSpec    `yaml:"cache" toml:"cache" json:"cache"`
	Batching BatchingSpec `yaml:"batching" toml:"batching" json:"batching"`
}

// CacheSpec tunes pkg/cache's three tiers (spec §4.6); a zero TierSpec
// leaves that tier at cache.DefaultTierConfig.
type CacheSpec struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Tools     TierSpec `yaml:"tools" toml:"tools" json:"tools"`
	Resources TierSpec `yaml:"resources" toml:"resources" json:"resources"`
	Prompts   TierSpec `yaml:"prompts" toml:"prompts" json:"prompts"`
}

// TierSpec is one cache tier's TTL/capacity override.
type TierSpec struct {
	TTLSeconds int `yaml:"ttl_seconds" toml:"ttl_seconds" json:"ttl_seconds" validate:"gte=0"`
	MaxEntries int `yaml:"max_entries" toml:"max_entries" json:"max_entries" validate:"gte=0"`
}

// BatchingSpec tunes pkg/batcher (spec §4.7); a zero WindowMS/MaxBatchSize
// leaves batcher.DefaultConfig in effect.
type BatchingSpec struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	WindowMS     int      `yaml:"window_ms" toml:"window_ms" json:"window_ms" validate:"gte=0"`
	MaxBatchSize int      `yaml:"max_batch_size" toml:"max_batch_size" json:"max_batch_size" validate:"gte=0"`
	Methods      []string `yaml:"methods" toml:"methods" json:"methods"`
}

// ObservabilitySpec configures logging (spec §6 `observability.logging`).
type ObservabilitySpec struct {
	Logging LoggingSpec `yaml:"logging" toml:"logging" json:"logging"`
}

// LoggingSpec selects pkg/logger's level/format.
type LoggingSpec struct {
	Level  string `yaml:"level" toml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" json:"format" validate:"omitempty,oneof=console json"`
}

// TLSConfig is non-reloadable per spec §4.9.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" toml:"cert_file" json:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" toml:"key_file" json:"key_file" validate:"required_with=CertFile"`
}

// BackendSpec is one backend's on-disk definition.
type BackendSpec struct {
	ID          string   `yaml:"id" toml:"id" json:"id" validate:"required"`
	DisplayName string   `yaml:"display_name" toml:"display_name" json:"display_name"`
	Type        string   `yaml:"type" toml:"type" json:"type" validate:"required,oneof=stdio http streamable-http"`
	Weight      int      `yaml:"weight" toml:"weight" json:"weight" validate:"gte=0"`
	Enabled     *bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	Methods     []string `yaml:"methods" toml:"methods" json:"methods"`

	Stdio          *StdioSpec          `yaml:"stdio,omitempty" toml:"stdio,omitempty" json:"stdio,omitempty"`
	HTTP           *HTTPSpec           `yaml:"http,omitempty" toml:"http,omitempty" json:"http,omitempty"`
	StreamableHTTP *HTTPSpec           `yaml:"streamable_http,omitempty" toml:"streamable_http,omitempty" json:"streamable_http,omitempty"`
	HealthCheck    HealthCheckSpec     `yaml:"health_check" toml:"health_check" json:"health_check"`
	Breaker        CircuitBreakerSpec  `yaml:"circuit_breaker" toml:"circuit_breaker" json:"circuit_breaker"`
}

// StdioSpec is validated against an allow-list of permitted commands (spec
// §4.9's "allow-listed commands" cross-field rule), supplied by the caller
// since the set is deployment-specific.
type StdioSpec struct {
	Command string   `yaml:"command" toml:"command" json:"command" validate:"required"`
	Args    []string `yaml:"args" toml:"args" json:"args"`
	Env     []string `yaml:"env" toml:"env" json:"env"`
	Dir     string   `yaml:"dir" toml:"dir" json:"dir"`
}

// HTTPSpec covers both the http and streamable-http transport variants;
// which one applies is selected by BackendSpec.Type/the field it's nested
// under.
type HTTPSpec struct {
	URL            string            `yaml:"url" toml:"url" json:"url" validate:"required,url"`
	Headers        map[string]string `yaml:"headers" toml:"headers" json:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
}

// HealthCheckSpec configures active probing (spec §4.3).
type HealthCheckSpec struct {
	Enabled         bool `yaml:"enabled" toml:"enabled" json:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds" toml:"interval_seconds" json:"interval_seconds" validate:"gte=0"`
	TimeoutSeconds  int  `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
}

// CircuitBreakerSpec overrides health.DefaultConfig per backend (spec
// §4.2); zero values mean "use defaults".
type CircuitBreakerSpec struct {
	FailureThreshold    int `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	SuccessThreshold    int `yaml:"success_threshold" toml:"success_threshold" json:"success_threshold" validate:"gte=0"`
	OpenSeconds         int `yaml:"open_seconds" toml:"open_seconds" json:"open_seconds" validate:"gte=0"`
	HalfOpenMaxInflight int `yaml:"half_open_max_inflight" toml:"half_open_max_inflight" json:"half_open_max_inflight" validate:"gte=0"`
	WindowSeconds       int `yaml:"window_seconds" toml:"window_seconds" json:"window_seconds" validate:"gte=0"`
}

// toBackends converts a validated File into the registry.Backend slice a
// new RegistryGeneration is built from. allowedCommands, if non-empty,
// restricts which stdio Command values are accepted (spec §4.9); a
// command not on the list fails with an error naming it, which the caller
// surfaces the same way any other validation failure is surfaced (old
// generation stays live, config_reload_errors_total increments).
func (f *File) toBackends(allowedCommands map[string]bool) ([]registry.Backend, error) {
	seen := make(map[string]bool, len(f.Backends))
	out := make([]registry.Backend, 0, len(f.Backends))

	for _, b := range f.Backends {
		if seen[b.ID] {
			return nil, fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true

		typ, err := ttype.Parse(b.Type)
		if err != nil {
			return nil, fmt.Errorf("config: backend %q: %w", b.ID, err)
		}

		spec := registry.TransportSpec{Type: typ}
		switch typ {
		case ttype.Stdio:
			if b.Stdio == nil {
				return nil, fmt.Errorf("config: backend %q: type stdio requires a stdio block", b.ID)
			}
			if len(allowedCommands) > 0 && !allowedCommands[b.Stdio.Command] {
				return nil, fmt.Errorf("config: backend %q: command %q is not allow-listed", b.ID, b.Stdio.Command)
			}
			spec.Stdio = transport.StdioConfig{
				Command: b.Stdio.Command,
				Args:    b.Stdio.Args,
				Env:     b.Stdio.Env,
				Dir:     b.Stdio.Dir,
			}
		case ttype.HTTP:
			if b.HTTP == nil {
				return nil, fmt.Errorf("config: backend %q: type http requires an http block", b.ID)
			}
			spec.HTTP = transport.HTTPConfig{
				URL:     b.HTTP.URL,
				Headers: b.HTTP.Headers,
				Timeout: time.Duration(b.HTTP.TimeoutSeconds) * time.Second,
			}
		case ttype.StreamableHTTP:
			if b.StreamableHTTP == nil {
				return nil, fmt.Errorf("config: backend %q: type streamable-http requires a streamable_http block", b.ID)
			}
			spec.StreamableHTTP = transport.StreamableHTTPConfig{
				URL:     b.StreamableHTTP.URL,
				Headers: b.StreamableHTTP.Headers,
				Timeout: time.Duration(b.StreamableHTTP.TimeoutSeconds) * time.Second,
			}
		}

		enabled := true
		if b.Enabled != nil {
			enabled = *b.Enabled
		}
		weight := b.Weight
		if weight == 0 {
			weight = 1
		}

		out = append(out, registry.Backend{
			ID:          registry.BackendID(b.ID),
			DisplayName: b.DisplayName,
			Transport:   spec,
			Weight:      weight,
			Enabled:     enabled,
			Methods:     b.Methods,
			HealthCheck: registry.HealthCheckPolicy{
				Enabled:  b.HealthCheck.Enabled,
				Interval: time.Duration(b.HealthCheck.IntervalSeconds) * time.Second,
				Timeout:  time.Duration(b.HealthCheck.TimeoutSeconds) * time.Second,
			},
			Breaker: registry.CircuitBreakerTuning{
				FailureThreshold:    b.Breaker.FailureThreshold,
				SuccessThreshold:    b.Breaker.SuccessThreshold,
				OpenDuration:        time.Duration(b.Breaker.OpenSeconds) * time.Second,
				HalfOpenMaxInflight: b.Breaker.HalfOpenMaxInflight,
				Window:              time.Duration(b.Breaker.WindowSeconds) * time.Second,
			},
		})
	}
	return out, nil
}
