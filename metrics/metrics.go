// Package metrics holds the Prometheus collectors shared by the worker,
// the counter engine and the import orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trailpost",
		Name:      "jobs_processed_total",
		Help:      "Jobs handled by the worker, by job name and outcome.",
	}, []string{"name", "outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trailpost",
		Name:      "job_duration_seconds",
		Help:      "Wall time of a single job handler invocation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"name"})

	JobsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trailpost",
		Name:      "jobs_deduplicated_total",
		Help:      "Publishes dropped because a job with the same id was pending.",
	})

	CounterConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trailpost",
		Name:      "counter_cas_conflicts_total",
		Help:      "Compare-and-swap writes that lost a race and were retried.",
	})

	RemoteFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trailpost",
		Name:      "remote_fetches_total",
		Help:      "Outbound ActivityPub fetches by result.",
	}, []string{"result"})

	ImportActivities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trailpost",
		Name:      "import_activities_total",
		Help:      "Archive rows handled by the import orchestrator, by outcome.",
	}, []string{"outcome"})
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		JobsProcessed,
		JobDuration,
		JobsDeduplicated,
		CounterConflicts,
		RemoteFetches,
		ImportActivities,
	)
}
