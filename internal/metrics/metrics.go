package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "codegrade"

var (
	JobsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_accepted_total",
			Help:      "Total number of evaluation requests accepted for grading.",
		},
	)

	JobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of evaluation requests rejected at intake, labeled by reason.",
		},
		[]string{"reason"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of finished evaluation jobs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from job start to completion callback (seconds).",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 900},
		},
		[]string{"outcome"},
	)

	ExecutionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Runtime of the grading program (seconds).",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	CallbackDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_deliveries_total",
			Help:      "Total number of coordinator callbacks, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"scope", "operation"},
	)

	WorkspacesSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspaces_swept_total",
			Help:      "Total number of stale workspace directories removed by the sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsAcceptedTotal,
		JobsRejectedTotal,
		JobsCompletedTotal,
		JobDurationSeconds,
		ExecutionDurationSeconds,
		CallbackDeliveriesTotal,
		RateLimitHitsTotal,
		WorkspacesSweptTotal,
	)
}
