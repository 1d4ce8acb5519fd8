package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postflow_jobs_scheduled_total",
		Help: "Publish jobs armed, by platform",
	}, []string{"platform"})

	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postflow_jobs_cancelled_total",
		Help: "Publish jobs cancelled before they were claimed",
	})

	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postflow_claim_conflicts_total",
		Help: "Deliveries dropped because the job was already claimed or finished",
	})

	PublishAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postflow_publish_attempts_total",
		Help: "Publish attempts by platform and outcome",
	}, []string{"platform", "outcome"})

	PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postflow_publish_duration_seconds",
		Help:    "Publisher call latency",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"platform"})

	PostTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postflow_post_transitions_total",
		Help: "Aggregate post status changes by target status",
	}, []string{"status"})

	RecurringRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postflow_recurring_runs_total",
		Help: "Recurring task ticks by task and outcome",
	}, []string{"task", "outcome"})

	RecurringDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postflow_recurring_duration_seconds",
		Help:    "Recurring task run time",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
)

// MustRegister registers every collector with registerer.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JobsScheduled,
		JobsCancelled,
		ClaimConflicts,
		PublishAttempts,
		PublishDuration,
		PostTransitions,
		RecurringRuns,
		RecurringDuration,
	)
}

func ObservePublish(platform, outcome string, start time.Time) {
	PublishAttempts.WithLabelValues(platform, outcome).Inc()
	PublishDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

func ObserveRecurring(task, outcome string, start time.Time) {
	RecurringRuns.WithLabelValues(task, outcome).Inc()
	if outcome != "skipped" {
		RecurringDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
	}
}
