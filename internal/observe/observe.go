// Package observe wires the relay's telemetry: OpenTelemetry metric
// instruments exported through the Prometheus bridge, a tracer whose trace
// ids double as request correlation ids, and the HTTP middleware that stamps
// both onto every request.
//
// [Init] installs the global providers once at startup. Components hold a
// [*Metrics] value; tests build their own against a private meter provider
// via [NewMetrics] so assertions never race the globals.
package observe

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// scopeName is the instrumentation scope for every relay tracer and meter.
const scopeName = "github.com/relaykit/relay"

// Options configures [Init].
type Options struct {
	// ServiceName is reported as service.name. Empty means "relay".
	ServiceName string

	// Version is reported as service.version. Empty means the main module
	// version from build info.
	Version string

	// SpanExporter receives finished spans. When nil, spans stay in-process:
	// trace ids still flow into logs and correlation headers, nothing is
	// shipped anywhere.
	SpanExporter sdktrace.SpanExporter
}

// Init builds the metric and trace providers, registers them as the OTel
// globals, and installs the W3C trace-context propagator. Metrics surface
// through the Prometheus default registry, which /metrics serves. The
// returned function flushes both providers and must run before exit.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "relay"
	}
	if opts.Version == "" {
		opts.Version = moduleVersion()
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(opts.SpanExporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagatorFor())

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}
	return shutdown, nil
}

// moduleVersion returns the main module version stamped into the binary, or
// "devel" for local builds.
func moduleVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}
