// Package observability exposes gateway metrics to Prometheus.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dataforeman/connectivity/internal/ports"
)

// Process-wide metric names.
const (
	PointsStored       = "df_connectivity_points_stored_total"
	HistorianDropped   = "df_connectivity_historian_dropped_total"
	ReconcileRuns      = "df_connectivity_reconcile_runs_total"
	ReconcileRemoved   = "df_connectivity_reconcile_removed_total"
	DiscoveryThrottled = "df_connectivity_discovery_throttled_total"
	SupervisorPanics   = "df_connectivity_supervisor_panics_total"
	PublishErrors      = "df_connectivity_publish_errors_total"
	WALSize            = "df_connectivity_wal_size_bytes"
	QueueLength        = "df_connectivity_queue_length"
	ActiveConnections  = "df_connectivity_active_connections"
	SinkLatency        = "df_connectivity_sink_latency_seconds"
	ReconcileDuration  = "df_connectivity_reconcile_duration_seconds"
	RequestLatency     = "df_connectivity_request_duration_seconds"
)

// Per-connection metric names, labelled by connection_id.
const (
	ConnSamples           = "df_connectivity_samples_total"
	ConnBytes             = "df_connectivity_bytes_total"
	ConnErrors            = "df_connectivity_errors_total"
	ConnOverflow          = "df_connectivity_overflow_total"
	ConnReconcileFailures = "df_connectivity_reconcile_failures_total"
	ConnRate              = "df_connectivity_samples_per_second"
	ConnActiveTags        = "df_connectivity_active_tags"
	ConnUp                = "df_connectivity_connection_up"
	ConnBatchFill         = "df_connectivity_avg_batch_fill"
	ConnFailureStreak     = "df_connectivity_reconcile_failure_streak"
)

const connLabel = "connection_id"

// PromObs keeps its collectors on a private registry.
type PromObs struct {
	reg *prometheus.Registry

	counters     map[string]prometheus.Counter
	gauges       map[string]prometheus.Gauge
	histos       map[string]prometheus.Observer
	connCounters map[string]*prometheus.CounterVec
	connGauges   map[string]*prometheus.GaugeVec
}

func NewPromObs() *PromObs {
	p := &PromObs{
		reg:          prometheus.NewRegistry(),
		counters:     map[string]prometheus.Counter{},
		gauges:       map[string]prometheus.Gauge{},
		histos:       map[string]prometheus.Observer{},
		connCounters: map[string]*prometheus.CounterVec{},
		connGauges:   map[string]*prometheus.GaugeVec{},
	}
	p.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p.counter(PointsStored, "Points written to the historian sink.")
	p.counter(HistorianDropped, "Points dropped by historian backpressure policies.")
	p.counter(ReconcileRuns, "Completed reconciliation passes.")
	p.counter(ReconcileRemoved, "Orphaned tags removed by reconciliation.")
	p.counter(DiscoveryThrottled, "Discovery requests rejected by the rate limiter.")
	p.counter(SupervisorPanics, "Panics recovered from driver operations.")
	p.counter(PublishErrors, "Bus publish failures.")

	p.gauge(WALSize, "Historian WAL size on disk.")
	p.gauge(QueueLength, "Points buffered between WAL and sink.")
	p.gauge(ActiveConnections, "Connections with a live driver.")

	p.histogram(SinkLatency, "Time to write one batch to the sink.", prometheus.ExponentialBuckets(0.001, 2, 12))
	p.histogram(ReconcileDuration, "Duration of one reconciliation pass.", prometheus.ExponentialBuckets(0.005, 2, 12))
	p.histogram(RequestLatency, "Request handler latency.", prometheus.ExponentialBuckets(0.001, 2, 14))

	p.connCounter(ConnSamples, "Samples published per connection.")
	p.connCounter(ConnBytes, "Raw telemetry bytes published per connection.")
	p.connCounter(ConnErrors, "Driver errors per connection.")
	p.connCounter(ConnOverflow, "Observations dropped on a full driver channel.")
	p.connCounter(ConnReconcileFailures, "Failed reconciliation steps per connection.")

	p.connGauge(ConnRate, "Samples per second over the last rate window.")
	p.connGauge(ConnActiveTags, "Tags scheduled by the driver.")
	p.connGauge(ConnUp, "1 when the device session is live.")
	p.connGauge(ConnBatchFill, "Average batch fill ratio of the scheduler.")
	p.connGauge(ConnFailureStreak, "Consecutive reconciliation failures.")
	return p
}

func (p *PromObs) counter(name, help string) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	p.reg.MustRegister(c)
	p.counters[name] = c
}

func (p *PromObs) gauge(name, help string) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	p.reg.MustRegister(g)
	p.gauges[name] = g
}

func (p *PromObs) histogram(name, help string, buckets []float64) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	p.reg.MustRegister(h)
	p.histos[name] = h
}

func (p *PromObs) connCounter(name, help string) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{connLabel})
	p.reg.MustRegister(c)
	p.connCounters[name] = c
}

func (p *PromObs) connGauge(name, help string) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{connLabel})
	p.reg.MustRegister(g)
	p.connGauges[name] = g
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) IncConnCounter(name, connectionID string, v float64) {
	if c, ok := p.connCounters[name]; ok {
		c.WithLabelValues(connectionID).Add(v)
	}
}

func (p *PromObs) SetConnGauge(name, connectionID string, v float64) {
	if g, ok := p.connGauges[name]; ok {
		g.WithLabelValues(connectionID).Set(v)
	}
}

// ForgetConnection drops every series of a torn-down connection.
func (p *PromObs) ForgetConnection(connectionID string) {
	for _, c := range p.connCounters {
		c.DeleteLabelValues(connectionID)
	}
	for _, g := range p.connGauges {
		g.DeleteLabelValues(connectionID)
	}
}

func (p *PromObs) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus exposition format.
func (p *PromObs) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Nop discards every metric.
type Nop struct{}

func (Nop) IncCounter(string, float64)             {}
func (Nop) ObserveLatency(string, float64)         {}
func (Nop) SetGauge(string, float64)               {}
func (Nop) IncConnCounter(string, string, float64) {}
func (Nop) SetConnGauge(string, string, float64)   {}
func (Nop) ForgetConnection(string)                {}

var (
	_ ports.Observability = (*PromObs)(nil)
	_ ports.Observability = Nop{}
)
