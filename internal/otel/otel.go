// Package otel wires OpenTelemetry tracing and metrics for plan executions.
// When disabled every tracer and meter is a no-op.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope for traces and metrics.
	ScopeName = "plangraph"
	// Version is reported as a resource attribute.
	Version = "v0.3.0"
)

// Config holds telemetry settings, loaded from the otel section of
// config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Host describes the process emitting telemetry. Its fields are recorded on
// the resource so spans from a `plangraph serve` daemon and a one-off
// `plangraph run` can be told apart, as can sequential and parallel hosts.
type Host struct {
	// Command is the CLI subcommand, e.g. "serve" or "run".
	Command       string
	ExecutionMode string
	MaxParallel   int
	MaxAttempts   int
	// PlanCount is the number of plans in config.yaml at startup.
	PlanCount int
}

// Resource attribute keys describing the host.
var (
	AttrCommand       = attribute.Key("plangraph.command")
	AttrExecutionMode = attribute.Key("plangraph.execution.mode")
	AttrMaxParallel   = attribute.Key("plangraph.execution.max_parallel")
	AttrMaxAttempts   = attribute.Key("plangraph.execution.max_attempts")
	AttrPlanCount     = attribute.Key("plangraph.config.plans")
)

func (h Host) attributes() []attribute.KeyValue {
	mode := h.ExecutionMode
	if mode == "" {
		mode = "parallel"
	}
	attrs := []attribute.KeyValue{
		AttrExecutionMode.String(mode),
		AttrMaxParallel.Int(h.MaxParallel),
		AttrMaxAttempts.Int(h.MaxAttempts),
		AttrPlanCount.Int(h.PlanCount),
	}
	if h.Command != "" {
		attrs = append(attrs, AttrCommand.String(h.Command))
	}
	return attrs
}

// Provider bundles the tracer and meter handed to the executor.
type Provider struct {
	// Resource is nil for a no-op provider.
	Resource       *resource.Resource
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:         mp.Meter(ScopeName),
		MeterProvider: mp,
		shutdown:      func(context.Context) error { return nil },
	}
}

// Init builds a provider from cfg for the given host. Callers must Shutdown
// it on exit. OTEL_RESOURCE_ATTRIBUTES adds to the resource but cannot
// override the host attributes.
func Init(ctx context.Context, cfg Config, host Host) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = ScopeName
	}
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	}, host.attributes()...)
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		Resource:       res,
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          mp.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
