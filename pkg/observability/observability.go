// Package observability wires OpenTelemetry tracing and metrics for the
// fulfillment workers.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fulfillment-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the domain counters
// the workers report into.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	hydrations      metric.Int64Counter
	transitions     metric.Int64Counter
	queueFailures   metric.Int64Counter
	jobDuration     metric.Float64Histogram
	activeJobs      metric.Int64UpDownCounter
	sessionsBuilt   metric.Int64Counter
	rateChecksDone  metric.Int64Counter
	rateCheckSaving metric.Float64Histogram
}

// New creates a provider. With Enabled false everything becomes a no-op and
// the workers run untelemetered.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("fulfillment-core",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("fulfillment-core",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.hydrations, err = p.meter.Int64Counter("fulfillment.hydrations.total",
		metric.WithDescription("Shipment hydrations completed"),
		metric.WithUnit("{shipment}"))
	if err != nil {
		return err
	}
	p.transitions, err = p.meter.Int64Counter("fulfillment.lifecycle.transitions.total",
		metric.WithDescription("Lifecycle transitions persisted"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return err
	}
	p.queueFailures, err = p.meter.Int64Counter("fulfillment.queue.failures.total",
		metric.WithDescription("Durable queue job failures"),
		metric.WithUnit("{job}"))
	if err != nil {
		return err
	}
	p.jobDuration, err = p.meter.Float64Histogram("fulfillment.job.duration",
		metric.WithDescription("Queue job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0))
	if err != nil {
		return err
	}
	p.activeJobs, err = p.meter.Int64UpDownCounter("fulfillment.jobs.active",
		metric.WithDescription("Queue jobs currently processing"),
		metric.WithUnit("{job}"))
	if err != nil {
		return err
	}
	p.sessionsBuilt, err = p.meter.Int64Counter("fulfillment.sessions.built.total",
		metric.WithDescription("Fulfillment sessions opened by the batcher"),
		metric.WithUnit("{session}"))
	if err != nil {
		return err
	}
	p.rateChecksDone, err = p.meter.Int64Counter("fulfillment.rate_checks.total",
		metric.WithDescription("Rate analyses finished, by status"),
		metric.WithUnit("{analysis}"))
	if err != nil {
		return err
	}
	p.rateCheckSaving, err = p.meter.Float64Histogram("fulfillment.rate_checks.savings",
		metric.WithDescription("Savings found per rate analysis"),
		metric.WithUnit("{currency}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("fulfillment-core")
	}
	return p.tracer
}

// RecordHydration counts one finished hydration with its outcome status.
func (p *Provider) RecordHydration(ctx context.Context, status string) {
	if p.hydrations != nil {
		p.hydrations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordTransition counts one persisted lifecycle transition.
func (p *Provider) RecordTransition(ctx context.Context, phase string) {
	if p.transitions != nil {
		p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
	}
}

// RecordQueueFailure counts one job failure on a named queue.
func (p *Provider) RecordQueueFailure(ctx context.Context, queueName string, rateLimited bool) {
	if p.queueFailures != nil {
		p.queueFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", queueName),
			attribute.Bool("rate_limited", rateLimited)))
	}
}

// RecordSessionsBuilt counts sessions opened in a build pass.
func (p *Provider) RecordSessionsBuilt(ctx context.Context, n int) {
	if p.sessionsBuilt != nil && n > 0 {
		p.sessionsBuilt.Add(ctx, int64(n))
	}
}

// RecordRateCheck counts one finished analysis and its savings.
func (p *Provider) RecordRateCheck(ctx context.Context, status string, savings float64) {
	if p.rateChecksDone != nil {
		p.rateChecksDone.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
	if p.rateCheckSaving != nil && savings > 0 {
		p.rateCheckSaving.Record(ctx, savings)
	}
}

// TrackJob opens a span for one queue job and returns the closer that
// records duration and outcome.
func (p *Provider) TrackJob(ctx context.Context, queueName string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("queue", queueName)}
	ctx, span := p.Tracer().Start(ctx, "queue.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	if p.activeJobs != nil {
		p.activeJobs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		if p.activeJobs != nil {
			p.activeJobs.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.jobDuration != nil {
			p.jobDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
