// Package telemetry wires logging, metrics and tracing for a pebble process.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationName = "github.com/freekieb7/pebble"

type Options struct {
	ServiceName string
	// Role is "supervisor" or "worker".
	Role     string
	WorkerID string
	RunID    string
	// Endpoint is an OTLP/gRPC collector URL. Without one, telemetry stays
	// in process and only the text log is written.
	Endpoint string
	Sink     io.Writer
	Level    slog.Leveler
}

type Telemetry struct {
	Logger         *slog.Logger
	LoggerProvider *sdklog.LoggerProvider
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider

	shutdownFuncs []func(context.Context) error
}

// Setup builds the providers, registers them globally and returns a logger
// that writes to both the text sink and the OpenTelemetry log pipeline.
// If it returns an error, everything created so far has been shut down.
func Setup(ctx context.Context, opts Options) (*Telemetry, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "pebble"
	}
	if opts.Sink == nil {
		opts.Sink = os.Stderr
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	t := &Telemetry{}
	fail := func(err error) (*Telemetry, error) {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}

	res, err := newResource(ctx, opts)
	if err != nil {
		return fail(err)
	}

	logOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if opts.Endpoint != "" {
		logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(opts.Endpoint))
		if err != nil {
			return fail(fmt.Errorf("telemetry: log exporter: %w", err))
		}
		logOpts = append(logOpts, sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)))

		metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(opts.Endpoint))
		if err != nil {
			return fail(fmt.Errorf("telemetry: metric exporter: %w", err))
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))

		traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(opts.Endpoint))
		if err != nil {
			return fail(fmt.Errorf("telemetry: trace exporter: %w", err))
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))
	}

	t.LoggerProvider = sdklog.NewLoggerProvider(logOpts...)
	t.shutdownFuncs = append(t.shutdownFuncs, t.LoggerProvider.Shutdown)

	t.MeterProvider = sdkmetric.NewMeterProvider(metricOpts...)
	t.shutdownFuncs = append(t.shutdownFuncs, t.MeterProvider.Shutdown)
	otel.SetMeterProvider(t.MeterProvider)

	t.TracerProvider = sdktrace.NewTracerProvider(traceOpts...)
	t.shutdownFuncs = append(t.shutdownFuncs, t.TracerProvider.Shutdown)
	otel.SetTracerProvider(t.TracerProvider)

	t.Logger = NewLogger(opts.Sink, opts.Level, t.LoggerProvider).With("role", opts.Role, "run", opts.RunID)

	return t, nil
}

// Shutdown flushes and stops every provider. It is safe to call more than
// once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for i := len(t.shutdownFuncs) - 1; i >= 0; i-- {
		err = errors.Join(err, t.shutdownFuncs[i](ctx))
	}
	t.shutdownFuncs = nil
	return err
}

func newResource(ctx context.Context, opts Options) (*resource.Resource, error) {
	instance := opts.Role
	if opts.WorkerID != "" {
		instance += "-" + opts.WorkerID
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcessPID(),
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceInstanceID(instance),
			attribute.String("pebble.role", opts.Role),
			attribute.String("pebble.run_id", opts.RunID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}
	return res, nil
}
