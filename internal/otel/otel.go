// Package otel wires OpenTelemetry tracing and metrics for the orchestrator
// and scheduler. When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/ontoti/internal/config"
	"go.opentelemetry.io/otel"
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

// ScopeName is the instrumentation scope of every ontoti tracer and meter.
const ScopeName = "github.com/basket/ontoti"

const defaultOTLPEndpoint = "localhost:4318"

// Provider bundles the tracer and meter handed to components.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Noop returns a provider whose tracer and meter record nothing.
func Noop() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:         mp.Meter(ScopeName),
		MeterProvider: mp,
	}
}

// spanExporters maps otel.exporter values to constructors. A nil
// constructor means spans are sampled but not exported.
var spanExporters = map[string]func(context.Context, config.OTelConfig) (sdktrace.SpanExporter, error){
	"otlp-http": newOTLPExporter,
	"otlp":      newOTLPExporter,
	"stdout": func(context.Context, config.OTelConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": nil,
}

// Init builds providers from the otel config section and installs the
// tracer provider globally. version is reported as service.version.
func Init(ctx context.Context, cfg config.OTelConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	name := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if name == "" {
		name = "otlp-http"
	}
	newExporter, ok := spanExporters[name]
	if !ok {
		return nil, fmt.Errorf("unknown exporter %q (supported: %s)", cfg.Exporter, strings.Join(exporterNames(), ", "))
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ontoti"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRate)))),
	}
	if newExporter != nil {
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("otel %s exporter: %w", name, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName, trace.WithInstrumentationVersion(version)),
		Meter:          mp.Meter(ScopeName, metric.WithInstrumentationVersion(version)),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// newOTLPExporter accepts either host:port (plain HTTP) or a full URL.
func newOTLPExporter(ctx context.Context, cfg config.OTelConfig) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	switch {
	case endpoint == "":
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(defaultOTLPEndpoint), otlptracehttp.WithInsecure())
	case strings.Contains(endpoint, "://"):
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	default:
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
}

// sampleRatio treats an unset rate as "sample everything".
func sampleRatio(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1
	}
	return rate
}

func exporterNames() []string {
	names := make([]string, 0, len(spanExporters))
	for n := range spanExporters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
