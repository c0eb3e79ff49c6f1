package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_workflows_started_total",
			Help: "Total number of research workflows started",
		},
		[]string{"intent"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_workflows_completed_total",
			Help: "Total number of research workflows completed",
		},
		[]string{"intent", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_workflow_duration_seconds",
			Help:    "Research workflow duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"intent"},
	)

	WorkflowsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_workflows_cancelled_total",
			Help: "Total number of workflows cancelled by a superseding user message",
		},
	)

	// Evidence gathering metrics
	GatherCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_gather_calls_total",
			Help: "Total number of collaborator calls issued during gathering",
		},
		[]string{"source", "status"},
	)

	GatherDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_gather_duration_seconds",
			Help:    "Gathering fan-out duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	EvidenceCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_evidence_collected_total",
			Help: "Total evidence records produced by gathering",
		},
		[]string{"entity_type", "source_type"},
	)

	// Conflict metrics
	ConflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_conflicts_detected_total",
			Help: "Total number of conflicts detected",
		},
		[]string{"entity_type"},
	)

	ClarificationsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_clarifications_requested_total",
			Help: "Total number of clarification prompts sent to users",
		},
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_conflicts_resolved_total",
			Help: "Total number of conflicts resolved",
		},
		[]string{"method"},
	)

	// Synthesis metrics
	SectionsSynthesized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_sections_synthesized_total",
			Help: "Total number of plan sections synthesized",
		},
		[]string{"section", "status"},
	)

	SynthesisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_synthesis_duration_seconds",
			Help:    "Full plan synthesis duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// Plan store metrics
	PlanVersionsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_plan_versions_written_total",
			Help: "Total number of plan versions appended",
		},
		[]string{"section"},
	)

	PlanWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_plan_write_failures_total",
			Help: "Total number of failed plan writes",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_sessions_created_total",
			Help: "Total number of research sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_session_cache_size",
			Help: "Current number of sessions in local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_session_cache_evictions_total",
			Help: "Total number of sessions evicted from cache",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_events_published_total",
			Help: "Total number of progress events published",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_events_dropped_total",
			Help: "Total number of events dropped due to slow or absent subscribers",
		},
	)

	// Collaborator metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_llm_requests_total",
			Help: "Total number of LLM completion requests",
		},
		[]string{"agent_id", "status"},
	)

	LLMTokensUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_llm_tokens_total",
			Help: "Total tokens consumed by LLM calls",
		},
	)

	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	WebSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_web_search_total",
			Help: "Total number of web search requests",
		},
		[]string{"status"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)
)

// RecordWorkflowMetrics records metrics for a completed workflow.
func RecordWorkflowMetrics(intent, status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(intent, status).Inc()
	WorkflowDuration.WithLabelValues(intent).Observe(durationSeconds)
}

// RecordGatherCall records the outcome of one collaborator call during gathering.
func RecordGatherCall(source, status string, durationSeconds float64) {
	GatherCalls.WithLabelValues(source, status).Inc()
	if durationSeconds > 0 {
		GatherDuration.WithLabelValues(source).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics.
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordLLMRequest records an LLM completion request and its token usage.
func RecordLLMRequest(agentID, status string, tokens int) {
	LLMRequests.WithLabelValues(agentID, status).Inc()
	if tokens > 0 {
		LLMTokensUsed.Add(float64(tokens))
	}
}
