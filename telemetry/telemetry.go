package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

const tracerName = "migration-sim"

// StdoutEndpoint selects the pretty-printing exporter. Spans go to stderr so they do not
// interleave with the progress bars on stdout.
const StdoutEndpoint = "stdout"

// InitTelemetry sets up OpenTelemetry tracing.
// An empty endpoint leaves the global no-op tracer in place.
func InitTelemetry(ctx context.Context, serviceName string, endpoint string, runID string) (func(), error) {
	if endpoint == "" {
		klog.V(2).Info("Telemetry is disabled (no endpoint)")
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("run.id", runID),
			attribute.String("environment", os.Getenv("ENVIRONMENT")),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	if endpoint != StdoutEndpoint {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		conn, err := grpc.DialContext(dialCtx, endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}

		exporter, err = otlptrace.New(
			dialCtx,
			otlptracegrpc.NewClient(
				otlptracegrpc.WithGRPCConn(conn),
			),
		)
		if err != nil {
			return nil, err
		}
		klog.Infof("Telemetry configured to export to OTLP endpoint: %s", endpoint)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		klog.Info("Telemetry configured to export to stderr")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	klog.Info("Telemetry initialized successfully")

	return func() {
		// Use a short timeout so telemetry never blocks shutdown.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Error shutting down telemetry provider: %v", err)
		} else {
			klog.V(2).Info("Telemetry provider shut down successfully")
		}
	}, nil
}

// GetTracer returns a named tracer
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
