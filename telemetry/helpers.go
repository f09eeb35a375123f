package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// TracePhase runs fn inside a phase span, recording its duration and error.
func TracePhase(ctx context.Context, phase string, details map[string]string, fn func(ctx context.Context) error) error {
	ctx, span := StartPhaseSpan(ctx, phase, details)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(
		attribute.Int64("execution_time_ms", time.Since(start).Milliseconds()),
	)
	RecordError(span, err, phase+" failed")
	return err
}
