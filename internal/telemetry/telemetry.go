package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	ServiceName string
	Version     string
	Environment string
	Endpoint    string
	Insecure    bool
	// SampleRatio is the share of new traces kept. Spans whose caller
	// already decided follow that decision.
	SampleRatio float64
}

// Setup installs the global tracer provider and W3C propagators. Without an
// endpoint tracing stays on the no-op provider.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) func(context.Context) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		logger.Error("otel exporter error", "error", err)
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attributes(opts)...),
		resource.WithProcess(),
	)
	if err != nil {
		logger.Warn("otel resource error", "error", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	logger.Info("otel tracing enabled", "endpoint", opts.Endpoint, "service", opts.ServiceName, "sample_ratio", opts.SampleRatio)

	return provider.Shutdown
}

func attributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	if opts.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(opts.Environment))
	}
	return attrs
}

func sampler(ratio float64) trace.Sampler {
	switch {
	case ratio >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case ratio <= 0:
		return trace.ParentBased(trace.NeverSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}
