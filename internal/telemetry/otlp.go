package telemetry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCollectorUnreachable is returned when the OTLP collector
// does not accept TCP connections.
var ErrCollectorUnreachable = errors.New("telemetry: collector is not reachable")

// Default values for the OTLP configuration.
const (
	DefaultOTLPEndpoint       = "localhost:4317"
	DefaultOTLPTraceRatio     = 0.05
	DefaultOTLPMetricInterval = time.Second
	DefaultOTLPDialTimeout    = 2 * time.Second
)

// OTLPConfig is the configuration of the OTLP exporters.
type OTLPConfig struct {
	// Endpoint is the gRPC endpoint of the collector.
	//
	// Default: localhost:4317
	Endpoint string `yaml:"endpoint"`

	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
	// ServiceVersion is reported as the service.version resource attribute.
	ServiceVersion string `yaml:"service_version"`

	// TraceRatio is the sampling ratio of the traces.
	//
	// Default: 0.05
	TraceRatio float64 `yaml:"trace_ratio"`

	// MetricInterval is the export period of the metrics.
	//
	// Default: 1 second
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// ShutdownFunc flushes and stops the exporters.
type ShutdownFunc func(ctx context.Context) error

func isCollectorReachable(endpoint string) bool {
	conn, err := net.DialTimeout("tcp", endpoint, DefaultOTLPDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// setLoggerProvider installs a logger provider feeding processor as the
// global one, so the records of the otelslog bridge reach it.
func setLoggerProvider(res *resource.Resource, processor sdklog.Processor) *sdklog.LoggerProvider {
	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(processor),
	)
	global.SetLoggerProvider(provider)

	return provider
}

// InitOTLP installs the global tracer, meter and logger providers exporting
// to the configured collector, and starts the runtime metrics.
func InitOTLP(ctx context.Context, cfg OTLPConfig) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultOTLPEndpoint
	}
	if cfg.TraceRatio <= 0 {
		cfg.TraceRatio = DefaultOTLPTraceRatio
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = DefaultOTLPMetricInterval
	}

	if !isCollectorReachable(cfg.Endpoint) {
		return nil, ErrCollectorUnreachable
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Trace
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.TraceRatio)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Meter
	meterExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(meterExporter, sdkmetric.WithInterval(cfg.MetricInterval)),
		),
	)
	otel.SetMeterProvider(meterProvider)

	// Log
	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	loggerProvider := setLoggerProvider(res, sdklog.NewBatchProcessor(logExporter))

	// Runtime
	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		Logger().Warn("failed to start runtime metrics", tint.Err(err))
	}

	shutdown := func(ctx context.Context) error {
		var result error

		if err := tracerProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}

		if err := meterProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}

		if err := loggerProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}

		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}

		return result
	}

	return shutdown, nil
}
