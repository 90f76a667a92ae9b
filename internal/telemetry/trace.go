package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type traceKey struct{}

// TraceContext is the run scope attached to log lines and spans. Trace and
// span IDs are not stored here; they come from the OpenTelemetry span in
// the same context.
type TraceContext struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

func NewTraceContext(runID string) *TraceContext {
	return &TraceContext{RunID: runID}
}

// WithThread returns a copy scoped to a thread and user.
func (tc *TraceContext) WithThread(threadID, userID string) *TraceContext {
	cp := *tc
	cp.ThreadID = threadID
	cp.UserID = userID
	return &cp
}

// WithNode returns a copy scoped to a graph node.
func (tc *TraceContext) WithNode(node string) *TraceContext {
	cp := *tc
	cp.Node = node
	return &cp
}

// Fields returns the non-empty scope values as log fields.
func (tc *TraceContext) Fields() map[string]interface{} {
	fields := map[string]interface{}{"run_id": tc.RunID}
	for k, v := range map[string]string{"thread_id": tc.ThreadID, "user_id": tc.UserID, "node": tc.Node} {
		if v != "" {
			fields[k] = v
		}
	}
	return fields
}

func ContextWithTrace(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// TraceFromContext returns the scope stored in ctx, or nil.
func TraceFromContext(ctx context.Context) *TraceContext {
	tc, _ := ctx.Value(traceKey{}).(*TraceContext)
	return tc
}

// traceFields merges the run scope with the IDs of a recording span.
func traceFields(ctx context.Context) map[string]interface{} {
	var fields map[string]interface{}
	if tc := TraceFromContext(ctx); tc != nil {
		fields = tc.Fields()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	return fields
}

// WithTrace returns a logger carrying the run scope and span IDs of ctx.
func (l *Logger) WithTrace(ctx context.Context) *Logger {
	fields := traceFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields)
}
