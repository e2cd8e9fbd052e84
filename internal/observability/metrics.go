package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Chat request throughput by mode (batch, token stream, event stream)
//   - LLM request performance, token consumption, and error rates
//   - Tool execution patterns and latencies, including guard blocks
//   - Graph node visits for recursion diagnostics
//   - Streaming delivery vs. cleanup-path saves
//   - Autonomous execution outcomes and scheduler tick health
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordChatRequest("event_stream", "success")
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
type Metrics struct {
	// ChatRequestCounter counts chat runs.
	// Labels: mode (batch|token_stream|event_stream), status (success|error)
	ChatRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|google|bedrock), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|blocked)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// GraphNodeVisits counts node executions per graph run.
	// Labels: node (plan|chat|tools|check_tool_results)
	GraphNodeVisits *prometheus.CounterVec

	// StreamEventCounter counts emitted stream events.
	// Labels: kind (placeholder|thinking|tool_start|tool_end|token|final)
	StreamEventCounter *prometheus.CounterVec

	// StreamSaveCounter counts assistant message saves by path.
	// Labels: path (consumer|cleanup), outcome (saved|placeholder_deleted)
	StreamSaveCounter *prometheus.CounterVec

	// AgentExecutionCounter counts autonomous runs.
	// Labels: trigger (scheduled|manual|agent_trigger),
	// status (completed|failed|waiting_approval)
	AgentExecutionCounter *prometheus.CounterVec

	// AgentExecutionDuration measures autonomous run time in seconds.
	// Labels: trigger
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s
	AgentExecutionDuration *prometheus.HistogramVec

	// SchedulerTicks counts scheduler evaluations.
	// Labels: status (ok|error)
	SchedulerTicks *prometheus.CounterVec

	// ApprovalCounter tracks approval lifecycle transitions.
	// Labels: status (pending|approved|rejected)
	ApprovalCounter *prometheus.CounterVec

	// CompactionCounter counts conversation compactions.
	// Labels: status (applied|skipped|error)
	CompactionCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and code.
	// Labels: component (gateway|graph|stream|executor|scheduler|store|blob),
	// error_type (the fault code)
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at application startup; the gateway serves them at
// /metrics.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_chat_requests_total",
				Help: "Total number of chat runs by mode and status",
			},
			[]string{"mode", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "braid_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "braid_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		GraphNodeVisits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_graph_node_visits_total",
				Help: "Total number of graph node executions",
			},
			[]string{"node"},
		),

		StreamEventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_stream_events_total",
				Help: "Total number of stream events emitted by kind",
			},
			[]string{"kind"},
		),

		StreamSaveCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_stream_saves_total",
				Help: "Total number of streaming finalizations by path and outcome",
			},
			[]string{"path", "outcome"},
		),

		AgentExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_agent_executions_total",
				Help: "Total number of autonomous executions by trigger and status",
			},
			[]string{"trigger", "status"},
		),

		AgentExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "braid_agent_execution_duration_seconds",
				Help:    "Duration of autonomous executions in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"trigger"},
		),

		SchedulerTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_scheduler_ticks_total",
				Help: "Total number of scheduler evaluations by status",
			},
			[]string{"status"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_approvals_total",
				Help: "Total number of approval request transitions by status",
			},
			[]string{"status"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_compactions_total",
				Help: "Total number of conversation compactions by status",
			},
			[]string{"status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "braid_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "braid_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordChatRequest increments the chat counter for a mode and status.
func (m *Metrics) RecordChatRequest(mode, status string) {
	m.ChatRequestCounter.WithLabelValues(mode, status).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", model, "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordGraphNode counts one node execution.
func (m *Metrics) RecordGraphNode(node string) {
	m.GraphNodeVisits.WithLabelValues(node).Inc()
}

// RecordStreamEvent counts one emitted event.
func (m *Metrics) RecordStreamEvent(kind string) {
	m.StreamEventCounter.WithLabelValues(kind).Inc()
}

// RecordStreamSave records which path finalized a streaming request.
func (m *Metrics) RecordStreamSave(path, outcome string) {
	m.StreamSaveCounter.WithLabelValues(path, outcome).Inc()
}

// RecordAgentExecution records an autonomous run outcome.
func (m *Metrics) RecordAgentExecution(trigger, status string, durationSeconds float64) {
	m.AgentExecutionCounter.WithLabelValues(trigger, status).Inc()
	m.AgentExecutionDuration.WithLabelValues(trigger).Observe(durationSeconds)
}

// RecordSchedulerTick records one scheduler evaluation.
func (m *Metrics) RecordSchedulerTick(status string) {
	m.SchedulerTicks.WithLabelValues(status).Inc()
}

// RecordApproval records an approval transition.
func (m *Metrics) RecordApproval(status string) {
	m.ApprovalCounter.WithLabelValues(status).Inc()
}

// RecordCompaction records a compaction attempt.
func (m *Metrics) RecordCompaction(status string) {
	m.CompactionCounter.WithLabelValues(status).Inc()
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
