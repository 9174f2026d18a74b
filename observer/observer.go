// Package observer provides OTEL-based observability for the durable
// runner: traces for the claim and run phases, metrics for execution
// throughput and latency, exported via any OTEL-compatible backend
// configured through the standard OTEL_EXPORTER_OTLP_* env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	rhythmlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/rhythmhq/rhythm/observer"

// Instruments holds the OTEL instruments Init creates. The runner and
// worker packages do not record to them.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger rhythmlog.Logger

	// Counters
	ClaimsAttempted metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	RunsSuspended   metric.Int64Counter
	TimeoutsSwept   metric.Int64Counter

	// Histograms
	ClaimLatency metric.Float64Histogram
	RunDuration  metric.Float64Histogram
	StepCount    metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("rhythm")),
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

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	claimsAttempted, err := meter.Int64Counter("rhythm.claims",
		metric.WithDescription("Work-queue claim attempts"),
		metric.WithUnit("{claim}"))
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("rhythm.runs.completed",
		metric.WithDescription("Executions that reached Completed"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	runsFailed, err := meter.Int64Counter("rhythm.runs.failed",
		metric.WithDescription("Executions that reached Failed"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	runsSuspended, err := meter.Int64Counter("rhythm.runs.suspended",
		metric.WithDescription("Runner iterations that ended Suspended"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	timeoutsSwept, err := meter.Int64Counter("rhythm.timeouts.swept",
		metric.WithDescription("Claims recovered or failed by the timeout sweep"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	claimLatency, err := meter.Float64Histogram("rhythm.claim.latency",
		metric.WithDescription("Time spent in ClaimWork per iteration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("rhythm.run.duration",
		metric.WithDescription("Time spent stepping the VM per iteration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepCount, err := meter.Int64Histogram("rhythm.run.steps",
		metric.WithDescription("VM steps executed per run_until call"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		ClaimsAttempted: claimsAttempted,
		RunsCompleted:   runsCompleted,
		RunsFailed:      runsFailed,
		RunsSuspended:   runsSuspended,
		TimeoutsSwept:   timeoutsSwept,
		ClaimLatency:    claimLatency,
		RunDuration:     runDuration,
		StepCount:       stepCount,
	}, nil
}
