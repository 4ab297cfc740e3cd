package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromObsMetrics(t *testing.T) {
	obs := NewPromObs()

	obs.IncCounter(PointsStored, 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(obs.counters[PointsStored]))

	obs.IncCounter(HistorianDropped, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.counters[HistorianDropped]))

	obs.SetGauge(WALSize, 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(obs.gauges[WALSize]))

	obs.ObserveLatency(SinkLatency, 0.5)
	h := obs.histos[SinkLatency].(prometheus.Collector)
	assert.Equal(t, 1, testutil.CollectAndCount(h))

	assert.NotPanics(t, func() {
		obs.IncCounter("unknown_metric", 1)
		obs.SetConnGauge("unknown_metric", "c", 1)
	})
}

func TestPromObsConnectionSeries(t *testing.T) {
	obs := NewPromObs()

	obs.IncConnCounter(ConnSamples, "plc-1", 3)
	obs.IncConnCounter(ConnSamples, "plc-2", 1)
	obs.SetConnGauge(ConnUp, "plc-1", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(obs.connCounters[ConnSamples].WithLabelValues("plc-1")))
	assert.Equal(t, 2, testutil.CollectAndCount(obs.connCounters[ConnSamples]))

	obs.ForgetConnection("plc-1")
	assert.Equal(t, 1, testutil.CollectAndCount(obs.connCounters[ConnSamples]))
	assert.Zero(t, testutil.CollectAndCount(obs.connGauges[ConnUp]))
}

func TestPromObsHandler(t *testing.T) {
	obs := NewPromObs()
	obs.IncConnCounter(ConnSamples, "plc-1", 1)

	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `df_connectivity_samples_total{connection_id="plc-1"} 1`)
}
