package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("writing gauge metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestWorkflowStartedFinishedTracksInflightGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.WorkflowStarted()
	m.WorkflowStarted()
	if got := gaugeValue(t, m.inflightWorkflows); got != 2 {
		t.Errorf("inflight gauge = %v after two starts, want 2", got)
	}

	m.WorkflowFinished()
	if got := gaugeValue(t, m.inflightWorkflows); got != 1 {
		t.Errorf("inflight gauge = %v after one finish, want 1", got)
	}
}

func TestIncRetryAndIncProjectProgressAreLabeled(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncRetry("parser")
	m.IncRetry("parser")
	m.IncRetry("analysis")

	if got := counterValue(t, m.stageRetries.WithLabelValues("parser")); got != 2 {
		t.Errorf("parser retries = %v, want 2", got)
	}
	if got := counterValue(t, m.stageRetries.WithLabelValues("analysis")); got != 1 {
		t.Errorf("analysis retries = %v, want 1", got)
	}

	m.IncProjectProgress("qa")
	if got := counterValue(t, m.projectProgress.WithLabelValues("qa")); got != 1 {
		t.Errorf("qa progress = %v, want 1", got)
	}
}

func TestObserveStageRecordsIntoTheRightOutcomeBucket(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveStage("compliance", "completed", 2*time.Second)

	var out dto.Metric
	if err := m.stageLatency.WithLabelValues("compliance", "completed").(prometheus.Histogram).Write(&out); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	if out.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", out.GetHistogram().GetSampleCount())
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	// None of these should panic on a nil receiver; the stage runner and
	// scheduler rely on this to make Metrics optional.
	m.WorkflowStarted()
	m.WorkflowFinished()
	m.ObserveStage("parser", "completed", time.Second)
	m.IncRetry("parser")
	m.IncProjectProgress("parser")
}
