// Package observability initializes distributed tracing for the supervisor.
// Metrics and health live in pkg/observability; this package owns the
// OpenTelemetry tracer lifecycle and span helpers.
package observability

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is the service name reported on traces.
const DefaultServiceName = "leash"

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Config holds tracing configuration
type Config struct {
	// ServiceName is the name of the service (defaults to "leash")
	ServiceName string

	// Enabled controls whether tracing is enabled
	Enabled bool

	// ExporterType specifies the exporter: "otlp", "stdout", or "none"
	ExporterType string

	// OTLPEndpoint is the OTLP endpoint URL
	OTLPEndpoint string

	// OTLPHeaders are additional headers for OTLP requests (e.g., authorization)
	OTLPHeaders map[string]string
}

// Init initializes tracing with the given configuration
func Init(config Config) error {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if !config.Enabled || config.ExporterType == "none" {
		log.Println("Tracing disabled")
		tracer = otel.GetTracerProvider().Tracer(config.ServiceName)
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch config.ExporterType {
	case "otlp":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
		}
		if len(config.OTLPHeaders) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.OTLPHeaders))
		}
		exporter, err = otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		log.Printf("Tracing initialized with OTLP exporter (endpoint: %s)", config.OTLPEndpoint)

	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		log.Println("Tracing initialized with stdout exporter")

	default:
		return fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(config.ServiceName)

	return nil
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	return tracerProvider.Shutdown(ctx)
}

// StartSpan creates a span under the current tracer. Safe to call before
// Init; a noop tracer is used until then.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tr := tracer
	if tr == nil {
		tr = otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr.Start(ctx, name, opts...)
}

// SessionAttributes builds the standard span attributes for session
// operations.
func SessionAttributes(sessionID, adapter string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.adapter", adapter),
	)
}
