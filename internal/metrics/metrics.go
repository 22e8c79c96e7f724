// Package metrics provides Prometheus instrumentation for the job queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the job queue.
type Metrics struct {
	JobsSubmitted       prometheus.Counter
	JobsFinished        *prometheus.CounterVec
	JobsRepeated        prometheus.Counter
	Processing          prometheus.Gauge
	Capacity            prometheus.Gauge
	JobDuration         *prometheus.HistogramVec
	StatusWriteFailures prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which keeps tests independent of each other.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "castqueue_jobs_submitted_total",
			Help: "Total number of jobs admitted.",
		}),

		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castqueue_jobs_finished_total",
			Help: "Total number of executions that ended, partitioned by final status.",
		}, []string{"status"}),

		JobsRepeated: factory.NewCounter(prometheus.CounterOpts{
			Name: "castqueue_jobs_repeated_total",
			Help: "Total number of jobs resolved as duplicates of a completed job.",
		}),

		Processing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castqueue_jobs_processing",
			Help: "Current number of jobs holding an execution slot.",
		}),

		Capacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castqueue_max_concurrent_jobs",
			Help: "Configured number of execution slots.",
		}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castqueue_job_duration_seconds",
			Help:    "Wall time of an execution, partitioned by final status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),

		StatusWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "castqueue_status_write_failures_total",
			Help: "Terminal status writes that failed after all retries.",
		}),
	}
}
