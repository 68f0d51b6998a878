package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestIncCounterIncrementsNamedSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.IncCounter("mcp_session_total", map[string]string{"label": "created"})
	r.IncCounter("mcp_session_total", map[string]string{"label": "created"})
	r.IncCounter("unknown_metric_name", nil)

	mf, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := findMetricFamily(mf, "mcp_session_total")
	if found == nil {
		t.Fatal("expected mcp_session_total to be registered")
	}
	if got := found.Metric[0].Counter.GetValue(); got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}
}

func TestObserveHistogramRecordsSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveHistogram("mcp_storage_latency_seconds", 0.02, map[string]string{"label": "get_session"})

	mf, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := findMetricFamily(mf, "mcp_storage_latency_seconds")
	if found == nil {
		t.Fatal("expected mcp_storage_latency_seconds to be registered")
	}
	if got := found.Metric[0].Histogram.GetSampleCount(); got != 1 {
		t.Fatalf("expected 1 sample, got %d", got)
	}
}

func findMetricFamily(mf []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range mf {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}
