// Package observability provides OpenTelemetry tracing and metrics for
// dataset freeze and transfer operations.
//
// Every operation gets a span plus the RED trio (count, errors, duration);
// transfers additionally count items by outcome and bytes written. A nil
// *Provider is valid and reports through the global otel providers, which
// are no-ops unless something installed real ones.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

const instrumentationName = "helm-datasets"

// Config configures the OTLP export pipeline.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batching window
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool // plaintext gRPC (dev only)
}

// DefaultConfig returns the defaults. Telemetry is off until enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-datasets",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

type instruments struct {
	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
	items      metric.Int64Counter
	bytes      metric.Int64Counter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.operations, err = m.Int64Counter("dataset.operations.total",
		metric.WithDescription("Dataset operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if in.errors, err = m.Int64Counter("dataset.errors.total",
		metric.WithDescription("Dataset operations that failed, by error code"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if in.duration, err = m.Float64Histogram("dataset.operation.duration",
		metric.WithDescription("Dataset operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	); err != nil {
		return nil, err
	}
	if in.active, err = m.Int64UpDownCounter("dataset.operations.active",
		metric.WithDescription("Dataset operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if in.items, err = m.Int64Counter("dataset.items.transferred",
		metric.WithDescription("Items handled by copy and resume, by outcome"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if in.bytes, err = m.Int64Counter("dataset.bytes.transferred",
		metric.WithDescription("Item bytes written to a destination dataset"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

// Provider owns the tracer and meter used by dataset operations.
type Provider struct {
	config *Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	inst   *instruments

	// set only when New built an export pipeline
	shutdown []func(context.Context) error
}

// New builds a provider. With config.Enabled it installs OTLP trace and
// metric exporters as the global otel providers; otherwise it reports
// through whatever global providers exist.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")

	if !config.Enabled {
		logger.DebugContext(ctx, "observability disabled")
		return &Provider{config: config, logger: logger}, nil
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
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	tp, err := newTracerProvider(ctx, config, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, config, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	p.config = config
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}

	logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders reports through the given providers without touching the
// otel globals. Shutdown does not stop them; their owner does.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	meter := mp.Meter(instrumentationName)
	inst, err := newInstruments(meter)
	if err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	return &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
		tracer: tp.Tracer(instrumentationName),
		meter:  meter,
		inst:   inst,
	}, nil
}

func newTracerProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	interval := config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

// Shutdown flushes and stops the exporters New installed.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, stop := range p.shutdown {
		if err := stop(ctx); err != nil {
			p.logger.ErrorContext(ctx, "observability shutdown", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

func (p *Provider) instruments() *instruments {
	if p == nil {
		return nil
	}
	return p.inst
}

// RecordError counts a failed operation under its errorir code.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	in := p.instruments()
	if in == nil || err == nil {
		return
	}
	all := append(attrs[:len(attrs):len(attrs)], AttrErrorCode.String(errorir.Code(err)))
	in.errors.Add(ctx, 1, metric.WithAttributes(all...))
}

// RecordItemTransferred counts one item handled by a transfer, with its
// outcome and the bytes written to the destination.
func (p *Provider) RecordItemTransferred(ctx context.Context, outcome string, bytes int64, attrs ...attribute.KeyValue) {
	in := p.instruments()
	if in == nil {
		return
	}
	all := append(attrs[:len(attrs):len(attrs)], AttrOutcome.String(outcome))
	in.items.Add(ctx, 1, metric.WithAttributes(all...))
	if bytes > 0 {
		in.bytes.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span named name and returns the function that
// closes it. Pass the operation's error (or nil) to the returned function.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	in := p.instruments()
	opAttrs := metric.WithAttributes(append(attrs[:len(attrs):len(attrs)], AttrOperation.String(name))...)
	if in != nil {
		in.operations.Add(ctx, 1, opAttrs)
		in.active.Add(ctx, 1, opAttrs)
	}

	return ctx, func(err error) {
		if in != nil {
			in.active.Add(ctx, -1, opAttrs)
			in.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errorir.Code(err))
			p.RecordError(ctx, err, append(attrs[:len(attrs):len(attrs)], AttrOperation.String(name))...)
		}
		span.End()
	}
}
