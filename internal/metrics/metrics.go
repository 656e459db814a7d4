// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "digestbot"

var (
	// AIRequests counts completion attempts.
	// Labels: model, result (success, error, timeout)
	AIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Total number of completion attempts by model and result",
		},
		[]string{"model", "result"},
	)

	// AIRequestDuration tracks attempt latency per model.
	AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "Duration of completion attempts in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 25},
		},
		[]string{"model"},
	)

	// ClassifiedMessages counts messages by terminal state.
	// Labels: outcome (inherited, linked, new_thread, other, failed)
	ClassifiedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "messages_total",
			Help:      "Total number of classified messages by outcome",
		},
		[]string{"outcome"},
	)

	// ClassifierBatches counts batched AI calls.
	// Labels: step (link, classify), result (success, fallback)
	ClassifierBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "batches_total",
			Help:      "Total number of batched AI calls by step and result",
		},
		[]string{"step", "result"},
	)

	// ClassifierRunDuration tracks full engine runs.
	ClassifierRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "run_duration_seconds",
			Help:      "Duration of classification runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// PostsComposed counts composed posts.
	// Labels: kind (announce, digest), result (success, error)
	PostsComposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "posts_total",
			Help:      "Total number of composed posts by kind and result",
		},
		[]string{"kind", "result"},
	)

	// SchedulerJobs counts scheduled job executions.
	// Labels: job, result (success, error, skipped)
	SchedulerJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Total number of scheduler job executions",
		},
		[]string{"job", "result"},
	)

	// IngestedMessages counts messages accepted by the chat transport.
	IngestedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "ingested_messages_total",
			Help:      "Total number of messages saved from source topics",
		},
	)
)
