// Package telemetry wires the Prometheus and OpenTelemetry dependencies the
// teacher carries (graph/metrics.go's PrometheusMetrics, graph/emit/otel.go's
// OTelEmitter) into the scheduler's and stage runner's observability needs.
// Neither the Event Bus (package eventbus, the typed §6 catalog) nor this
// package overlap: eventbus is the durable, caller-visible event stream;
// telemetry is the operator-visible metrics/tracing surface spec.md §2
// scopes out of the core contract but the ambient-stack rule still expects.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the counters/gauges/histograms the scheduler and stage
// runner update on every workflow and stage transition. Adapted from the
// teacher's PrometheusMetrics: same metric shapes, renamed and re-labeled
// for workflow/stage rather than run/node.
type Metrics struct {
	inflightWorkflows prometheus.Gauge
	stageLatency      *prometheus.HistogramVec
	stageRetries      *prometheus.CounterVec
	projectProgress   *prometheus.CounterVec
}

// NewMetrics registers the metric family on reg and returns the collector.
// Passing prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps unit tests free of cross-test registration collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inflightWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bidflow",
			Name:      "inflight_workflows",
			Help:      "Number of workflows currently being driven by the Graph Executor.",
		}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bidflow",
			Name:      "stage_latency_seconds",
			Help:      "Stage execution duration in seconds, labeled by stage name and outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"stage", "outcome"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidflow",
			Name:      "stage_retries_total",
			Help:      "Cumulative retry attempts per stage.",
		}, []string{"stage"}),
		projectProgress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidflow",
			Name:      "project_stage_completions_total",
			Help:      "Cumulative stage completions per stage, summed across projects; statestore keeps the per-project counts.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.inflightWorkflows, m.stageLatency, m.stageRetries, m.projectProgress)
	return m
}

// WorkflowStarted/WorkflowFinished bracket one Graph Executor invocation.
func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.inflightWorkflows.Inc()
}

func (m *Metrics) WorkflowFinished() {
	if m == nil {
		return
	}
	m.inflightWorkflows.Dec()
}

// ObserveStage records one stage invocation's latency and outcome.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// IncRetry records one retry attempt for stage.
func (m *Metrics) IncRetry(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// IncProjectProgress mirrors the statestore project-progress counter into
// Prometheus so dashboards don't need to poll the State Store directly.
func (m *Metrics) IncProjectProgress(stage string) {
	if m == nil {
		return
	}
	m.projectProgress.WithLabelValues(stage).Inc()
}
