// Package metrics provides Prometheus-based recording of pipeline
// activity and a query service for aggregated views.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records pipeline and stage observations.
type Recorder struct {
	pipelinesTotal   *prometheus.CounterVec
	stagesTotal      *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	staleTasksTotal  prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	activeWorkspaces prometheus.Gauge
	executionBytes   prometheus.Histogram
}

// NewRecorder registers the collectors on the default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith registers the collectors on reg. Tests pass a fresh
// registry so collectors never collide across instances.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		pipelinesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_terminal_total",
				Help: "Pipelines reaching a terminal state, by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		stagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stages_total",
				Help: "Stage executions by stage name and status",
			},
			[]string{"stage", "status"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of stage executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
			},
			[]string{"stage"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_retries_total",
				Help: "Transient-failure retries by stage name",
			},
			[]string{"stage"},
		),
		staleTasksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_stale_tasks_total",
				Help: "Tasks dropped as stale duplicates by the version guard",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Tasks waiting or in flight, by lane",
			},
			[]string{"lane"},
		),
		activeWorkspaces: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workspaces",
				Help: "Workspaces currently provisioned",
			},
		),
		executionBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_workspace_bytes",
				Help:    "Workspace size at the end of an execution",
				Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
			},
		),
	}
}

// ObserveStage records one stage execution.
func (r *Recorder) ObserveStage(stage, status string, duration time.Duration) {
	r.stagesTotal.WithLabelValues(stage, status).Inc()
	r.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveTerminal records a pipeline reaching COMPLETED or FAILED.
func (r *Recorder) ObserveTerminal(service, outcome string) {
	r.pipelinesTotal.WithLabelValues(service, outcome).Inc()
}

// ObserveRetry records one transient-failure retry.
func (r *Recorder) ObserveRetry(stage string) {
	r.retriesTotal.WithLabelValues(stage).Inc()
}

// ObserveStaleTask records a task dropped by the version guard.
func (r *Recorder) ObserveStaleTask() {
	r.staleTasksTotal.Inc()
}

// SetQueueDepth reports the current depth of a lane.
func (r *Recorder) SetQueueDepth(lane string, depth int) {
	r.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetActiveWorkspaces reports current workspace count.
func (r *Recorder) SetActiveWorkspaces(n int) {
	r.activeWorkspaces.Set(float64(n))
}

// ObserveWorkspaceBytes records a finished execution's workspace size.
func (r *Recorder) ObserveWorkspaceBytes(bytes int64) {
	r.executionBytes.Observe(float64(bytes))
}
