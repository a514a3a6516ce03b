package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// tracerName is the name of the tracer used by both servers
	tracerName = "github.com/jjshanks/devserve"

	serviceName = "devserve"
)

// tracer is responsible for managing OpenTelemetry tracing functionality.
// It handles trace provider setup, shutdown, and span creation.
type tracer struct {
	// tracerProvider is the OpenTelemetry trace provider
	tracerProvider *sdktrace.TracerProvider
	// enabled indicates whether tracing is enabled
	enabled bool
	logger  zerolog.Logger
}

// initTracer sets up a trace provider exporting over OTLP/gRPC. An empty
// endpoint disables tracing and returns a no-op tracer.
func initTracer(ctx context.Context, logger zerolog.Logger, serviceVersion, endpoint string, insecure bool) (*tracer, error) {
	if endpoint == "" {
		logger.Debug().Msg("Tracing is disabled (no endpoint configured)")
		return &tracer{enabled: false, logger: logger}, nil
	}

	logger.Info().
		Str("version", serviceVersion).
		Str("endpoint", endpoint).
		Bool("insecure", insecure).
		Msg("Initializing OpenTelemetry tracing")

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
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

	return &tracer{
		tracerProvider: tp,
		enabled:        true,
		logger:         logger,
	}, nil
}

// shutdown flushes pending spans and releases the provider.
func (t *tracer) shutdown(ctx context.Context) error {
	if !t.enabled || t.tracerProvider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	t.logger.Debug().Msg("Shutting down tracer provider")
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// startSpan starts a span carrying the given key-value pairs as string
// attributes. A trailing key without a value is dropped.
func (t *tracer) startSpan(ctx context.Context, operationName string, keyValues ...string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}

	if len(keyValues)%2 != 0 {
		t.logger.Warn().
			Str("operation", operationName).
			Int("attributes_count", len(keyValues)).
			Msg("Odd number of span attributes, dropping the last key")
		keyValues = keyValues[:len(keyValues)-1]
	}

	attrs := make([]attribute.KeyValue, 0, len(keyValues)/2)
	for i := 0; i < len(keyValues); i += 2 {
		attrs = append(attrs, attribute.String(keyValues[i], keyValues[i+1]))
	}

	return otel.Tracer(tracerName).Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// tracingMiddleware creates a span per request, continuing any trace
// context carried in the request headers.
func (t *tracer) tracingMiddleware(server string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ctx := propagation.TraceContext{}.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := t.startSpan(ctx, "http_request",
			"server", server,
			"http.method", r.Method,
			"http.path", r.URL.Path,
		)
		defer span.End()

		if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
			span.SetAttributes(attribute.String("request.id", reqID))
		}

		wrapped := newStatusRecorder(w)
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.status))
	})
}
