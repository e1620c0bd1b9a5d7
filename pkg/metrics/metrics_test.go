package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	return pb.GetCounter().GetValue()
}

func TestRegistry_HandlerAdapterRecordsRequest(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	adapter := HandlerAdapter{R: r}

	adapter.ObserveRequest("tools/list", "ok", 5*time.Millisecond)

	assert.Equal(t, float64(1), counterValue(t, r.requestsTotal.WithLabelValues("tools/list", "ok")))
}

func TestRegistry_BatcherAdapterRecordsFlush(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	adapter := BatcherAdapter{R: r}

	adapter.ObserveBatchSize(5)
	adapter.ObserveBatchWait(10 * time.Millisecond)
	adapter.IncBatchesFlushed("timer")

	assert.Equal(t, float64(1), counterValue(t, r.batchesFlushedTotal.WithLabelValues("timer")))
}

func TestRegistry_ConfigAdapterRecordsReload(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	adapter := ConfigAdapter{R: r}

	adapter.IncReloadTotal()
	adapter.IncReloadErrors()

	assert.Equal(t, float64(1), counterValue(t, r.configReloadTotal))
	assert.Equal(t, float64(1), counterValue(t, r.configReloadErrorTotal))
}

func TestRegistry_CircuitTransitionAndHealthGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.RecordCircuitTransition("b1", "open")
	r.RecordBackendHealth("b1", false)

	assert.Equal(t, float64(1), counterValue(t, r.circuitStateChanges.WithLabelValues("b1", "open")))

	var g dto.Metric
	require.NoError(t, r.backendHealthStatus.WithLabelValues("b1").Write(&g))
	assert.Equal(t, float64(0), g.GetGauge().GetValue())
}

func TestRegistry_SinkDispatchesByName(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	var sink Sink = r

	sink.CounterInc("config_reload_total", nil, 1)
	sink.GaugeSet("backend_health_status", map[string]string{"backend": "b1"}, 1)
	sink.HistogramObserve("batch_size", nil, 7)

	assert.Equal(t, float64(1), counterValue(t, r.configReloadTotal))
}
