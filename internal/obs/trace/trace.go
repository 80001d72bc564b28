// Package trace provides a thin wrapper over OpenTelemetry spans,
// mirroring the teacher's common/mopentelemetry helpers.
package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wavelens/gradient-sub000"

// Start begins a span named name, returning the derived context and
// the span. Callers must defer span.End().
func Start(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// HandleSpanError records err on span with message as the event
// description, and marks the span as errored. No-op if err is nil.
func HandleSpanError(span oteltrace.Span, message string, err error) {
	if err == nil {
		return
	}

	span.RecordError(err, oteltrace.WithAttributes(attribute.String("message", message)))
	span.SetStatus(codes.Error, message)
}
