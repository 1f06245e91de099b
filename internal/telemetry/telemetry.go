// Package telemetry wires OpenTelemetry traces and metrics for the request
// pipeline and container lifecycle. Configuration comes from the standard
// OTEL_EXPORTER_OTLP_* environment variables.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/fred-drake/carapace"

// Instruments holds every OTEL instrument the core emits: the backpressure
// counters (pub_drops, spawn_queue_shed) alongside the per-stage pipeline
// duration histogram, whose unit mirrors the audit log's duration_ms
// column.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	StageDuration   metric.Float64Histogram
	RequestsTotal   metric.Int64Counter
	PubDrops        metric.Int64Counter
	SpawnQueueShed  metric.Int64Counter
	ConfirmTimeouts metric.Int64Counter
}

// Init sets up trace and metric providers with OTLP HTTP exporters and
// returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("carapace")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	stageDuration, err := meter.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Pipeline stage duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter("pipeline.requests",
		metric.WithDescription("Terminated requests by error code"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	pubDrops, err := meter.Int64Counter("transport.pub_drops",
		metric.WithDescription("Events dropped for a slow PUB subscriber"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	spawnQueueShed, err := meter.Int64Counter("containers.spawn_queue_shed",
		metric.WithDescription("Queued spawn triggers shed for queue overflow"),
		metric.WithUnit("{trigger}"))
	if err != nil {
		return nil, err
	}

	confirmTimeouts, err := meter.Int64Counter("confirm.timeouts",
		metric.WithDescription("Confirmation requests resolved by timeout"),
		metric.WithUnit("{confirmation}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		StageDuration:   stageDuration,
		RequestsTotal:   requestsTotal,
		PubDrops:        pubDrops,
		SpawnQueueShed:  spawnQueueShed,
		ConfirmTimeouts: confirmTimeouts,
	}, nil
}
