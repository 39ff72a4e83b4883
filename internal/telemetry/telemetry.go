// Package telemetry wires the optional OpenTelemetry export pipeline: trace,
// metric, and log providers sending to one OTLP collector over a shared gRPC
// connection.
//
// Call [Setup] once at startup and defer the returned [ShutdownFunc]. When no
// collector is configured the package is never called and the sync engine's
// instruments run against the no-op globals.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultServiceName = "pimmirror"

// Config mirrors the telemetry block of the YAML config file.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure disables TLS, for local collectors without a certificate.
	Insecure bool

	// ServiceName sets the service.name resource attribute. Empty selects
	// "pimmirror".
	ServiceName string

	// Headers is attached as gRPC metadata to every export request, such as
	// {"Authorization": "Bearer <token>"}.
	Headers map[string]string
}

// ShutdownFunc flushes and closes everything Setup created. Call it with a
// fresh context; the run context is usually cancelled by shutdown time.
type ShutdownFunc func(context.Context) error

// Setup installs the global trace, metric, and log providers, all exporting
// through one gRPC connection to cfg.OTLPEndpoint. The returned ShutdownFunc
// is non-nil even on error, so callers can defer it unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := buildResource(cfg.ServiceName)
	if err != nil {
		return noopShutdown, err
	}
	conn, err := dialCollector(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var p providers
	if err := p.init(ctx, conn, cfg.Headers, res); err != nil {
		_ = p.close(ctx)
		_ = conn.Close()
		return noopShutdown, err
	}

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	global.SetLoggerProvider(p.logs)

	return func(ctx context.Context) error {
		return errors.Join(p.close(ctx), conn.Close())
	}, nil
}

// providers holds the three SDK providers sharing one exporter connection.
// Fields stay nil past the point where init failed, and close skips them.
type providers struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logs    *sdklog.LoggerProvider
}

func (p *providers) init(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) error {
	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(headers),
	)
	if err != nil {
		return fmt.Errorf("creating trace exporter: %w", err)
	}
	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(headers),
	)
	if err != nil {
		return fmt.Errorf("creating metric exporter: %w", err)
	}
	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(headers),
	)
	if err != nil {
		return fmt.Errorf("creating log exporter: %w", err)
	}
	p.logs = sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	return nil
}

func (p *providers) close(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if p.metrics != nil {
		if err := p.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider shutdown: %w", err))
		}
	}
	if p.logs != nil {
		if err := p.logs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildResource merges the service identity into resource.Default.
// NewSchemaless sidesteps the schema URL conflict that resource.Merge
// reports when the SDK and this package import different semconv versions.
func buildResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}
	return res, nil
}

func dialCollector(cfg Config) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials = credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling collector %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func noopShutdown(context.Context) error { return nil }
