// Package observability provides the three pillars of braid's production
// visibility: structured logging, Prometheus metrics, and OpenTelemetry
// tracing.
//
// # Logging
//
// Logging is built on Go's slog package with request correlation and
// sensitive-data redaction:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info(ctx, "message saved", "conversation_id", convID)
//
// Records automatically carry the ambient request id, conversation scope,
// and agent execution id when present in the context. API keys, bearer
// tokens, and JWT-shaped strings are masked before they reach the handler.
//
// # Metrics
//
// Metrics use the Prometheus default registry and are served by the
// gateway's /metrics endpoint:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordLLMRequest("anthropic", model, "success", elapsed.Seconds(), in, out)
//
// # Tracing
//
// Tracing exports OTLP over gRPC when an endpoint is configured and is a
// no-op otherwise:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "braid",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
package observability
