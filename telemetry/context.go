package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span and returns the context with the span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartPhaseSpan starts a span for one step of the migration sequence.
func StartPhaseSpan(ctx context.Context, phase string, details map[string]string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("migration.phase", phase),
	}
	for k, v := range details {
		attrs = append(attrs, attribute.String(k, v))
	}
	return otel.Tracer(tracerName).Start(ctx, fmt.Sprintf("migration.%s", phase), trace.WithAttributes(attrs...))
}

// RecordError records an error in the span and sets the span status to error
func RecordError(span trace.Span, err error, message string) {
	if err != nil {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
		span.SetStatus(codes.Error, message)
	}
}
