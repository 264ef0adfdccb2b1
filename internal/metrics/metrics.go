package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedbackSubmitted tracks accepted submissions
	FeedbackSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insightstream_feedback_submitted_total",
			Help: "Total number of feedback items accepted for analysis",
		},
	)

	// StepAttempts tracks step executions by outcome (success, failure)
	StepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightstream_step_attempts_total",
			Help: "Total number of pipeline step attempts",
		},
		[]string{"step", "outcome"},
	)

	// StepSkipped tracks steps reused from a checkpoint on resumption
	StepSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightstream_step_skipped_total",
			Help: "Total number of steps skipped because their output was already checkpointed",
		},
		[]string{"step"},
	)

	// StepLatency tracks step attempt duration
	StepLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insightstream_step_latency_seconds",
			Help:    "Pipeline step attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// RunsCompleted tracks runs that reached PERSISTED
	RunsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insightstream_runs_completed_total",
			Help: "Total number of workflow runs that finished all steps",
		},
	)

	// RunsAbandoned tracks runs that exhausted their retry budget
	RunsAbandoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightstream_runs_abandoned_total",
			Help: "Total number of workflow runs abandoned after exhausting retries",
		},
		[]string{"step"},
	)

	// RunsResumed tracks runs re-enqueued by the resume sweeper
	RunsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insightstream_runs_resumed_total",
			Help: "Total number of workflow runs re-enqueued by the resume sweeper",
		},
	)

	// ActiveRuns tracks runs currently held by a worker
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insightstream_active_runs",
			Help: "Number of workflow runs currently executing",
		},
	)

	// ClassifierFallbacks tracks fallback results by reason
	ClassifierFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightstream_classifier_fallbacks_total",
			Help: "Total number of classifications replaced by the fallback result",
		},
		[]string{"reason"},
	)

	// ClassifierTokens tracks LLM token usage
	ClassifierTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightstream_classifier_tokens_total",
			Help: "Total number of LLM tokens used by the classifier",
		},
		[]string{"provider", "direction"},
	)

	// QueueEnqueueErrors tracks failed enqueue attempts
	QueueEnqueueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insightstream_queue_enqueue_errors_total",
			Help: "Total number of run ids that could not be enqueued",
		},
	)
)
