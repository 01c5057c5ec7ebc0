package observability

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer is the interface for distributed tracing
type Tracer interface {
	// Start creates a new span and a context carrying it
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// Shutdown flushes pending spans and releases the exporter
	Shutdown(ctx context.Context) error
}

// TracingConfig contains configuration for tracing
type TracingConfig struct {
	// Enabled determines if tracing is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ServiceName is the name reported on every span
	ServiceName string `json:"service_name" yaml:"service_name" validate:"required_if=Enabled true"`

	// ServiceVersion is the version of the service
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Endpoint is the OTLP collector endpoint
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`

	// Protocol is the OTLP transport (grpc or http)
	Protocol string `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"`

	// Insecure disables TLS towards the collector
	Insecure bool `json:"insecure" yaml:"insecure"`

	// Headers are sent with every export request
	Headers map[string]string `json:"headers" yaml:"headers"`

	// SamplingRate is the sampling rate (0.0 to 1.0)
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"min=0,max=1"`
}

// DefaultTracingConfig returns the default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:      false,
		ServiceName:  "jobsched",
		Protocol:     "grpc",
		Endpoint:     "localhost:4317",
		Insecure:     true,
		SamplingRate: 1.0,
	}
}

type otelTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NoOpTracer returns a tracer whose spans are never recorded
func NoOpTracer() Tracer {
	return noopTracer{tracer: noop.NewTracerProvider().Tracer("")}
}

type noopTracer struct {
	tracer trace.Tracer
}

func (t noopTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func (noopTracer) Shutdown(context.Context) error { return nil }

// NewTracerWithConfig creates an OTLP-exporting tracer, or a no-op tracer when disabled
func NewTracerWithConfig(ctx context.Context, config TracingConfig) (Tracer, error) {
	if !config.Enabled {
		return NoOpTracer(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tracing resource")
	}

	exporter, err := newOTLPExporter(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create span exporter")
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &otelTracer{
		tracer:   provider.Tracer(config.ServiceName, trace.WithInstrumentationVersion(config.ServiceVersion)),
		provider: provider,
	}, nil
}

func newOTLPExporter(ctx context.Context, config TracingConfig) (sdktrace.SpanExporter, error) {
	if config.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(config.Headers))
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
}

func (t *otelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

func (t *otelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// NewTracerFromProvider wraps an existing provider. Shutdown shuts the provider down.
func NewTracerFromProvider(provider *sdktrace.TracerProvider) Tracer {
	return &otelTracer{tracer: provider.Tracer("jobsched"), provider: provider}
}
