package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestTraceContext_Scoping(t *testing.T) {
	tc := NewTraceContext("run-1")
	withThread := tc.WithThread("thread-9", "user-1")
	withNode := withThread.WithNode("chat")

	if withThread.ThreadID != "thread-9" || withThread.UserID != "user-1" {
		t.Errorf("unexpected thread scope: %+v", withThread)
	}
	if withNode.Node != "chat" || withNode.RunID != "run-1" {
		t.Errorf("unexpected node scope: %+v", withNode)
	}
	if tc.ThreadID != "" || withThread.Node != "" {
		t.Error("scoping must not modify the receiver")
	}
}

func TestTraceContext_Fields(t *testing.T) {
	fields := NewTraceContext("run-3").WithThread("t-3", "").WithNode("tools").Fields()

	want := map[string]interface{}{"run_id": "run-3", "thread_id": "t-3", "node": "tools"}
	if len(fields) != len(want) {
		t.Fatalf("unexpected fields: %v", fields)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestTraceFromContext(t *testing.T) {
	if TraceFromContext(context.Background()) != nil {
		t.Error("expected nil trace from empty context")
	}
	ctx := ContextWithTrace(context.Background(), NewTraceContext("run-2"))
	if tc := TraceFromContext(ctx); tc == nil || tc.RunID != "run-2" {
		t.Errorf("unexpected trace: %+v", tc)
	}
}

func TestTraceFields_IncludeSpanIDs(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = ContextWithTrace(ctx, NewTraceContext("run-4"))

	fields := traceFields(ctx)
	if fields["trace_id"] != traceID.String() || fields["span_id"] != spanID.String() {
		t.Errorf("span IDs missing: %v", fields)
	}
	if fields["run_id"] != "run-4" {
		t.Errorf("run scope missing: %v", fields)
	}

	if traceFields(context.Background()) != nil {
		t.Error("expected no fields without scope or span")
	}
}

func TestLogger_WithTrace(t *testing.T) {
	logger := NewLogger(false)
	if logger.WithTrace(context.Background()) != logger {
		t.Error("expected the same logger without a trace")
	}
	ctx := ContextWithTrace(context.Background(), NewTraceContext("run-5"))
	if logger.WithTrace(ctx) == logger {
		t.Error("expected a derived logger with a trace")
	}
}
