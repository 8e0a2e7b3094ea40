package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_pipeline_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
		[]string{"workflow_kind"},
	)

	PipelineRunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_pipeline_runs_completed_total",
			Help: "Total number of pipeline runs completed",
		},
		[]string{"workflow_kind", "status", "reason"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_pipeline_duration_seconds",
			Help:    "Total pipeline run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_kind", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_pipeline_stage_duration_seconds",
			Help:    "Per-stage pipeline duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// Supersession metrics
	RunsSuperseded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_runs_superseded_total",
			Help: "Total number of runs abandoned because a newer run took over",
		},
		[]string{"checkpoint"},
	)

	RegistryPollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_registry_poll_errors_total",
			Help: "Total number of liveness poll failures (never abort a run)",
		},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_generation_requests_total",
			Help: "Total number of language model completion requests",
		},
		[]string{"status"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentd_generation_duration_seconds",
			Help:    "Language model completion latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		},
	)

	GenerationRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_generation_repairs_total",
			Help: "Total number of structured output repair attempts",
		},
	)

	FallbackMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_fallback_messages_total",
			Help: "Total number of fallback messages sent when the model forgot to respond",
		},
		[]string{"action"},
	)

	// Message metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_messages_sent_total",
			Help: "Total number of visible messages written to conversation timelines",
		},
		[]string{"source"},
	)

	MessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_messages_deduplicated_total",
			Help: "Total number of sends skipped because the idempotency key already had a row",
		},
	)

	// Heartbeat metrics
	HeartbeatsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_heartbeats_started_total",
			Help: "Total number of typing heartbeats started",
		},
	)

	HeartbeatsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_heartbeats_active",
			Help: "Number of currently running typing heartbeats",
		},
	)

	// Decision metrics
	DecisionsMade = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_decisions_total",
			Help: "Total number of policy decisions",
		},
		[]string{"should_act", "mode"},
	)

	// Trigger ingest metrics
	TriggersAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_triggers_accepted_total",
			Help: "Total number of trigger messages accepted for processing",
		},
	)

	TriggersThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_triggers_throttled_total",
			Help: "Total number of trigger messages rejected by the rate limiter",
		},
	)
)

// RecordRunCompleted records terminal pipeline metrics in one place so the
// counter and histogram always agree on labels.
func RecordRunCompleted(kind, status, reason string, durationSeconds float64) {
	PipelineRunsCompleted.WithLabelValues(kind, status, reason).Inc()
	PipelineDuration.WithLabelValues(kind, status).Observe(durationSeconds)
}

// RecordStage records a single stage duration.
func RecordStage(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}
