// Package telemetry wires up OpenTelemetry tracing and metrics for the
// broker: an OTLP gRPC exporter when an endpoint is configured, a no-op
// tracer otherwise, plus a helper to instrument a Redis client with
// redisotel the same way the source system's dual-connection consumer
// wants both its blocking and control connections observed.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and where telemetry is exported.
type Config struct {
	Endpoint    string
	ServiceName string
}

// Provider owns the process-lifetime tracer/meter providers and must be
// shut down on exit to flush any buffered spans/metrics.
type Provider struct {
	tp      *sdktrace.TracerProvider
	mp      *metric.MeterProvider
	tracer  trace.Tracer
	enabled bool
}

// Init builds a Provider. With no endpoint configured it returns a
// disabled Provider backed by a no-op tracer, so instrumentation calls
// throughout the broker remain cheap no-ops rather than conditional.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(10*time.Second))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:      tp,
		mp:      mp,
		tracer:  tp.Tracer(cfg.ServiceName),
		enabled: true,
	}, nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }
func (p *Provider) Enabled() bool        { return p.enabled }

// Shutdown flushes and stops both providers; safe to call on a disabled
// Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// InstrumentRedis attaches redisotel's tracing and metrics hooks to
// client, so every command issued over it (BLMOVE, the Lua scripts, the
// heartbeat SET/EXISTS calls) shows up as spans under whatever trace
// caused them.
func InstrumentRedis(client *redis.Client) error {
	if err := redisotel.InstrumentTracing(client); err != nil {
		return fmt.Errorf("failed to instrument redis client for tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		return fmt.Errorf("failed to instrument redis client for metrics: %w", err)
	}
	return nil
}
