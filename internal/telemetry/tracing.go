// Package telemetry wires OpenTelemetry tracing.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/gyaneshwarpardhi/pulsewire/internal/config"
)

// Setup installs a global tracer provider exporting over OTLP/HTTP.
//
// Tracing is opt-in: with an empty endpoint Setup registers nothing and the
// service spans go to the default no-op provider. The returned shutdown
// flushes pending spans and should be deferred by the caller.
func Setup(ctx context.Context, conf config.TelemetryConf) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	endpoint := strings.TrimSpace(conf.OTLPEndpoint)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(conf.ServiceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
