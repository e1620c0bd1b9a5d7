// Package metrics implements the opaque MetricsSink spec §4.10 describes
// (counter_inc/gauge_set/histogram_observe) and a default Prometheus-backed
// Registry satisfying it, grounded on
// Sentinel-Gate/Sentinelgate's internal/adapter/inbound/http/metrics.go
// (one promauto-registered *prometheus.CounterVec/HistogramVec/Gauge per
// named metric, constructed once at startup).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is the opaque interface spec §4.10 specifies: the core only ever
// increments counters, sets gauges, and observes histogram samples. It
// never depends on the wire format those become (Prometheus text
// exposition, by default, via Registry below).
type Sink interface {
	CounterInc(name string, labels map[string]string, delta float64)
	GaugeSet(name string, labels map[string]string, value float64)
	HistogramObserve(name string, labels map[string]string, value float64)
}

// Registry is the default Sink: every metric name spec.md's component
// sections name is pre-registered at construction time so CounterInc et
// al. never need a runtime registration path.
type Registry struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	batchSize              prometheus.Histogram
	batchWaitSeconds       prometheus.Histogram
	batchesFlushedTotal    *prometheus.CounterVec
	configReloadTotal      prometheus.Counter
	configReloadErrorTotal prometheus.Counter
	circuitStateChanges    *prometheus.CounterVec
	backendHealthStatus    *prometheus.GaugeVec
}

// NewRegistry constructs and registers every metric with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return &Registry{
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "only1mcp",
			Name:      "mcp_requests_total",
			Help:      "Total MCP requests handled, by method and outcome.",
		}, []string{"method", "status"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "only1mcp",
			Name:      "mcp_request_duration_seconds",
			Help:      "MCP request handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		batchSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "only1mcp",
			Name:      "batch_size",
			Help:      "Number of requests coalesced into a flushed batch.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		}),
		batchWaitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "only1mcp",
			Name:      "batch_wait_seconds",
			Help:      "Time a batch spent open before flushing.",
			Buckets:   prometheus.DefBuckets,
		}),
		batchesFlushedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "only1mcp",
			Name:      "batches_flushed_total",
			Help:      "Flushed batches, by flush trigger (timer|size).",
		}, []string{"trigger"}),
		configReloadTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "only1mcp",
			Name:      "config_reload_total",
			Help:      "Successful config reloads.",
		}),
		configReloadErrorTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "only1mcp",
			Name:      "config_reload_errors_total",
			Help:      "Config reloads rejected by validation, old generation kept.",
		}),
		circuitStateChanges: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "only1mcp",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Circuit breaker transitions, by backend and destination state.",
		}, []string{"backend", "to"}),
		backendHealthStatus: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "only1mcp",
			Name:      "backend_health_status",
			Help:      "1 if the backend's last health probe succeeded, else 0.",
		}, []string{"backend"}),
	}
}

// CounterInc implements Sink for metric names not covered by a typed
// helper method below; labels must match the registered metric's label
// names exactly or the underlying client_golang call panics, matching
// Prometheus's own fail-fast contract for mismatched label sets.
func (r *Registry) CounterInc(name string, labels map[string]string, delta float64) {
	switch name {
	case "config_reload_total":
		r.configReloadTotal.Add(delta)
	case "config_reload_errors_total":
		r.configReloadErrorTotal.Add(delta)
	case "mcp_requests_total":
		r.requestsTotal.With(labels).Add(delta)
	case "batches_flushed_total":
		r.batchesFlushedTotal.With(labels).Add(delta)
	case "circuit_breaker_state_changes_total":
		r.circuitStateChanges.With(labels).Add(delta)
	}
}

// GaugeSet implements Sink.
func (r *Registry) GaugeSet(name string, labels map[string]string, value float64) {
	switch name {
	case "backend_health_status":
		r.backendHealthStatus.With(labels).Set(value)
	}
}

// HistogramObserve implements Sink.
func (r *Registry) HistogramObserve(name string, labels map[string]string, value float64) {
	switch name {
	case "mcp_request_duration_seconds":
		r.requestDuration.With(labels).Observe(value)
	case "batch_size":
		r.batchSize.Observe(value)
	case "batch_wait_seconds":
		r.batchWaitSeconds.Observe(value)
	}
}

// HandlerAdapter satisfies pkg/handler.Metrics.
type HandlerAdapter struct{ R *Registry }

func (a HandlerAdapter) ObserveRequest(method, status string, d time.Duration) {
	a.R.requestsTotal.WithLabelValues(method, status).Inc()
	a.R.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// BatcherAdapter satisfies pkg/batcher.Metrics.
type BatcherAdapter struct{ R *Registry }

func (a BatcherAdapter) ObserveBatchSize(n int)            { a.R.batchSize.Observe(float64(n)) }
func (a BatcherAdapter) ObserveBatchWait(d time.Duration)  { a.R.batchWaitSeconds.Observe(d.Seconds()) }
func (a BatcherAdapter) IncBatchesFlushed(trigger string)  { a.R.batchesFlushedTotal.WithLabelValues(trigger).Inc() }

// ConfigAdapter satisfies pkg/config.Metrics.
type ConfigAdapter struct{ R *Registry }

func (a ConfigAdapter) IncReloadTotal()  { a.R.configReloadTotal.Inc() }
func (a ConfigAdapter) IncReloadErrors() { a.R.configReloadErrorTotal.Inc() }

// RecordCircuitTransition records a breaker state change (spec.md's
// circuit_breaker_state_changes_total{backend,to}). Nothing in this module
// calls it outside tests; breaker transitions are not reported to it.
func (r *Registry) RecordCircuitTransition(backend, to string) {
	r.circuitStateChanges.WithLabelValues(backend, to).Inc()
}

// RecordBackendHealth records the latest probe outcome (spec.md's
// backend_health_status gauge).
func (r *Registry) RecordBackendHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.backendHealthStatus.WithLabelValues(backend).Set(v)
}
