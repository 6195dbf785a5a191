// Package telemetry exports training runs as OpenTelemetry traces.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// EnvEndpoint names the OTLP/HTTP collector URL.
	EnvEndpoint = "GAN_OTEL_ENDPOINT"
	// EnvEnabled turns tracing off when set to "false".
	EnvEnabled = "GAN_OTEL_ENABLED"
	// EnvSampleRatio is the fraction of training runs traced.
	EnvSampleRatio = "GAN_OTEL_SAMPLE_RATIO"
)

// Config describes the traced service and where its spans go. The env
// tags let a caller embed it in a caarlos0/env configuration.
type Config struct {
	Enabled     bool    `env:"GAN_OTEL_ENABLED" envDefault:"true"`
	Endpoint    string  `env:"GAN_OTEL_ENDPOINT"`
	SampleRatio float64 `env:"GAN_OTEL_SAMPLE_RATIO" envDefault:"1"`

	// Service identity is set by the binary, not the environment.
	ServiceName    string
	ServiceVersion string
}

// Validate reports settings Setup cannot use.
func (c Config) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("otel sample ratio must be in [0, 1]: %g", c.SampleRatio)
	}
	if c.Enabled && c.Endpoint != "" && c.ServiceName == "" {
		return fmt.Errorf("otel service name is required")
	}
	return nil
}

// sampler traces whole runs: root spans are sampled by ratio and child
// spans follow their parent.
func (c Config) sampler() sdktrace.Sampler {
	root := sdktrace.TraceIDRatioBased(c.SampleRatio)
	if c.SampleRatio >= 1 {
		root = sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(root)
}

func (c Config) resourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(c.ServiceName)}
	if c.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(c.ServiceVersion))
	}
	return attrs
}

// Setup installs a global tracer provider exporting to cfg.Endpoint.
//
// Tracing is opt-in: with no endpoint, or with Enabled false, Setup
// registers nothing and returns a no-op shutdown function. The returned
// shutdown flushes pending spans and should be deferred by the caller.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if err := cfg.Validate(); err != nil {
		return noop, err
	}
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(cfg.resourceAttributes()...),
	)
	if err != nil {
		return noop, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
