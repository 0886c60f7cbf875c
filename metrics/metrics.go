package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallAttempts counts every remote call attempt by outcome and failure reason.
	CallAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyecho_call_attempts_total",
			Help: "Total number of remote model call attempts",
		},
		[]string{"outcome", "reason"},
	)

	// CallLatency tracks the duration of a single attempt.
	CallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyecho_call_latency_seconds",
			Help:    "Remote model call latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// BackoffSeconds tracks the waits scheduled between attempts.
	BackoffSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyecho_backoff_seconds",
			Help:    "Wait scheduled before the next attempt",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300},
		},
		[]string{"reason"},
	)

	// CallsExhausted counts calls that ran out of attempts.
	CallsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storyecho_calls_exhausted_total",
			Help: "Total number of calls that exhausted every attempt",
		},
	)

	// SessionsStarted counts sessions created through the API or CLI.
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storyecho_sessions_started_total",
			Help: "Total number of story sessions started",
		},
	)

	// SessionsFinished counts sessions reaching a terminal status.
	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyecho_sessions_finished_total",
			Help: "Total number of story sessions by terminal status",
		},
		[]string{"status"},
	)

	// ImagesGenerated counts comic images by result.
	ImagesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyecho_images_generated_total",
			Help: "Total number of comic images requested",
		},
		[]string{"result"},
	)
)
