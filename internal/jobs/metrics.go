package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go-pointcloud-pipeline/internal/model"
)

// Metrics are the job manager's prometheus collectors.
type Metrics struct {
	JobsSubmitted  prometheus.Counter
	JobsRejected   *prometheus.CounterVec
	JobsFinished   *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	StageDuration  *prometheus.HistogramVec
	StageFailures  *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	RunningJobs    prometheus.Gauge
	JobsEvicted    prometheus.Counter
	ResultsEvicted prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pointcloud_jobs_submitted_total",
			Help: "Total number of accepted pipeline submissions",
		}),
		JobsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pointcloud_jobs_rejected_total",
			Help: "Total number of rejected pipeline submissions",
		}, []string{"reason"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pointcloud_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state",
		}, []string{"state"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pointcloud_job_duration_seconds",
			Help:    "Running time of finished jobs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"state"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pointcloud_stage_duration_seconds",
			Help:    "Duration of stage executions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pointcloud_stage_failures_total",
			Help: "Total number of failed stage executions",
		}, []string{"stage", "code"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pointcloud_jobs_queued",
			Help: "Jobs waiting for an execution slot",
		}),
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pointcloud_jobs_running",
			Help: "Jobs currently executing",
		}),
		JobsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pointcloud_jobs_evicted_total",
			Help: "Terminal jobs removed from the active table",
		}),
		ResultsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pointcloud_results_evicted_total",
			Help: "Results dropped after their retention window",
		}),
	}
}

func (m *Metrics) observeStage(d model.Diagnostic) {
	m.StageDuration.WithLabelValues(d.StageType).Observe(d.Elapsed.Seconds())
	if d.Failed() {
		m.StageFailures.WithLabelValues(d.StageType, d.ErrorCode).Inc()
	}
}

func (m *Metrics) observeFinished(job model.Job) {
	m.JobsFinished.WithLabelValues(string(job.State)).Inc()
	m.JobDuration.WithLabelValues(string(job.State)).Observe(job.Duration().Seconds())
}
