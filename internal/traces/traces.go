// Package traces sets up OpenTelemetry tracing for the scoring path.
package traces

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
)

const tracerName = "github.com/HanTheDev/risk-scoring-gateway"

// Init installs a tracer provider exporting to otlpEndpoint.
// With an empty endpoint tracing stays a no-op.
// The returned function flushes and stops the provider.
func Init(ctx context.Context, otlpEndpoint, version string, log *logger.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		log.Info().Msg("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("risk-scoring-gateway"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info().Str("endpoint", otlpEndpoint).Msg("tracing enabled")
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("transaction.id", id)
}

func CallerID(id string) attribute.KeyValue {
	return attribute.String("caller.id", id)
}

func ScoreSource(src string) attribute.KeyValue {
	return attribute.String("score.source", src)
}
