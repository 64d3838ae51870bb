package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used when none is supplied.
const InstrumentationName = "github.com/GoCodeAlone/deployctl"

// TracingConfig holds configuration for the TracerProvider setup.
type TracingConfig struct {
	// Endpoint is the OTLP HTTP endpoint (e.g., "localhost:4318").
	Endpoint string
	// ServiceName is the service name reported in traces.
	ServiceName string
	// ServiceVersion is the optional service version.
	ServiceVersion string
	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
	// SampleRate is the trace sampling ratio. Values outside (0,1) sample everything.
	SampleRate float64
}

// DefaultTracingConfig returns a TracingConfig pointed at a local collector.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Endpoint:    "localhost:4318",
		ServiceName: "deployctl",
		Insecure:    true,
		SampleRate:  1.0,
	}
}

// Provider wraps an OpenTelemetry TracerProvider and handles lifecycle.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider creates a TracerProvider exporting over OTLP/HTTP and installs
// it as the global provider.
func NewProvider(ctx context.Context, cfg TracingConfig) (*Provider, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "deployctl"
	}
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersionKey.String(cfg.ServiceVersion)))
	}

	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(InstrumentationName),
	}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// TracerProvider returns the underlying SDK TracerProvider.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p != nil && p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}

// Campaign identifies one deployment run for span attributes.
type Campaign struct {
	Project  string
	Env      string
	Strategy string
	Release  string
	DryRun   bool
}

// Tracer creates spans around a deployment campaign, its phases, and
// per-host operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps tracer. If tracer is nil the global provider is used.
func NewTracer(tracer trace.Tracer) *Tracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(InstrumentationName)
	}
	return &Tracer{tracer: tracer}
}

func (t *Tracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.GetTracerProvider().Tracer(InstrumentationName)
	}
	return t.tracer
}

// StartCampaign begins the root span for a deployment. A nil *Tracer uses
// the global provider.
func (t *Tracer) StartCampaign(ctx context.Context, c Campaign) (context.Context, trace.Span) {
	return t.get().Start(ctx, "deploy.campaign",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("deploy.project", c.Project),
			attribute.String("deploy.env", c.Env),
			attribute.String("deploy.strategy", c.Strategy),
			attribute.String("deploy.release", c.Release),
			attribute.Bool("deploy.dry_run", c.DryRun),
		),
	)
}

// StartPhase begins a child span for one lifecycle phase.
func (t *Tracer) StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "deploy.phase."+phase,
		trace.WithAttributes(attribute.String("deploy.phase", phase)),
	)
}

// StartHost begins a span for an operation against a single host.
func (t *Tracer) StartHost(ctx context.Context, operation, host string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "deploy.host."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("deploy.host", host),
			attribute.String("deploy.operation", operation),
		),
	)
}

// End records err on span, if any, sets the status and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
