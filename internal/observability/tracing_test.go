package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "braid-test"})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown() error = %v", err)
		}
	}()

	ctx, span := tracer.Start(context.Background(), "test.op")
	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	if span.SpanContext().IsValid() {
		t.Error("no-op tracer produced a recording span")
	}
	span.End()
	if ctx == nil {
		t.Error("Start() returned nil context")
	}
}

func TestTracerHelpersDoNotPanic(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "braid-test"})
	defer shutdown(context.Background())

	ctx := context.Background()
	_, span := tracer.TraceChatRequest(ctx, "event_stream", "conv-1")
	tracer.SetAttributes(span, "tokens", int64(42), "cached", true, "ratio", 0.5)
	tracer.AddEvent(span, "tool_executed", "tool_name", "web_search")
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
	span.End()

	_, llmSpan := tracer.TraceLLMRequest(ctx, "google", "gemini-2.5-flash")
	llmSpan.End()
	_, toolSpan := tracer.TraceToolExecution(ctx, "retrieve_file")
	toolSpan.End()
	_, agentSpan := tracer.TraceAgentExecution(ctx, "ag-1", "scheduled")
	agentSpan.End()
}

func TestStartWithSpanOptions(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "braid-test"})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "custom", SpanOptions{
		Kind: trace.SpanKindProducer,
	})
	span.End()
}
