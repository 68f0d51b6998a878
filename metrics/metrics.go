// Package metrics instruments the coordination core with Prometheus collectors,
// mirroring the predefined metric set in original_source/monitoring/metrics.py
// (mcp_session_total, mcp_storage_latency_seconds, mcp_cache_hit_ratio,
// mcp_wrapper_overhead_seconds) and exposing the same IncCounter/ObserveHistogram shape
// the teacher's internal/sessioncore.MetricsSink uses, so existing components can take a
// Sink without knowing it's backed by Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the instrumentation seam every component accepts, matching the teacher's
// internal/sessioncore.MetricsSink shape so the same optional-metrics pattern threads
// through this package's new components too.
type Sink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// NoopSink discards everything. Components that accept a sink
// (sessionmanager.Config.Metrics, resilience.Wrapper.WithMetrics) fall back to their own
// package-local no-op sink when none is given, so metrics remain strictly optional.
type NoopSink struct{}

func (NoopSink) IncCounter(string, map[string]string)            {}
func (NoopSink) ObserveHistogram(string, float64, map[string]string) {}

// Registry wires the predefined metric set into a *prometheus.Registry and implements
// Sink over it, tagging every series with a single "label" tag value (Prometheus vecs need
// a fixed label set, unlike the original's free-form kwargs).
type Registry struct {
	sessionTotal     *prometheus.CounterVec
	storageLatency   *prometheus.HistogramVec
	cacheHitRatio    *prometheus.CounterVec
	wrapperOverhead  *prometheus.HistogramVec
	eventStoreGrowth *prometheus.CounterVec
}

// NewRegistry registers the predefined collectors on reg and returns a Sink backed by
// them.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{
		sessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_session_total",
			Help: "Total sessions by status",
		}, []string{"label"}),
		storageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_storage_latency_seconds",
			Help:    "Storage operation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"label"}),
		cacheHitRatio: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_cache_hit_ratio",
			Help: "Cache hits vs misses",
		}, []string{"label"}),
		wrapperOverhead: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_wrapper_overhead_seconds",
			Help:    "Wrapper processing overhead",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02},
		}, []string{"label"}),
		eventStoreGrowth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_event_store_size_bytes",
			Help: "Event store growth (approx)",
		}, []string{"label"}),
	}
	reg.MustRegister(r.sessionTotal, r.storageLatency, r.cacheHitRatio, r.wrapperOverhead, r.eventStoreGrowth)
	return r
}

func tagLabel(tags map[string]string) string {
	if v, ok := tags["label"]; ok {
		return v
	}
	return ""
}

// IncCounter routes name to the matching CounterVec; unknown names are ignored rather
// than registered on the fly, since Prometheus collectors must be declared up front.
func (r *Registry) IncCounter(name string, tags map[string]string) {
	label := tagLabel(tags)
	switch name {
	case "mcp_session_total":
		r.sessionTotal.WithLabelValues(label).Inc()
	case "mcp_cache_hit_ratio":
		r.cacheHitRatio.WithLabelValues(label).Inc()
	case "mcp_event_store_size_bytes":
		r.eventStoreGrowth.WithLabelValues(label).Inc()
	}
}

// ObserveHistogram routes name to the matching HistogramVec.
func (r *Registry) ObserveHistogram(name string, value float64, tags map[string]string) {
	label := tagLabel(tags)
	switch name {
	case "mcp_storage_latency_seconds":
		r.storageLatency.WithLabelValues(label).Observe(value)
	case "mcp_wrapper_overhead_seconds":
		r.wrapperOverhead.WithLabelValues(label).Observe(value)
	}
}
