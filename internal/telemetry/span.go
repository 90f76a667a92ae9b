package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mnemo-oss/mnemo"

// StartSpan opens an OpenTelemetry span carrying the trace context's
// correlation IDs as attributes. It uses the global tracer provider, which is
// a no-op unless the host process installs one.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tc := TraceFromContext(ctx); tc != nil {
		attrs = append(attrs,
			attribute.String("mnemo.run_id", tc.RunID),
			attribute.String("mnemo.thread_id", tc.ThreadID),
		)
	}
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
