// Package telemetry provides the logging, metrics and tracing helpers
// shared by every component of the driver.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/FerroO2000/scullp"

// Telemetry bundles the logger, the meter and the tracer of a component.
// The scope identifies the kind of component (device, server, bridge, ...)
// and the name identifies the instance.
type Telemetry struct {
	scope string
	name  string

	logger *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	attrSet attribute.Set
}

// NewTelemetry returns a new telemetry bundle for the given component.
func NewTelemetry(scope, name string) *Telemetry {
	return &Telemetry{
		scope: scope,
		name:  name,

		logger: Logger().With("scope", scope, "name", name),

		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),

		attrSet: attribute.NewSet(attribute.String("name", name)),
	}
}

// Name returns the name of the component.
func (t *Telemetry) Name() string {
	return t.name
}

////////////
//  LOGS  //
////////////

// LogDebug logs a message at debug level.
func (t *Telemetry) LogDebug(msg string, args ...any) {
	t.logger.Debug(msg, args...)
}

// LogInfo logs a message at info level.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// LogWarn logs a message at warn level.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.logger.Warn(msg, args...)
}

// LogError logs a message at error level, the error is attached
// to the record before the other arguments.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.logger.Error(msg, append([]any{tint.Err(err)}, args...)...)
}

///////////////
//  METRICS  //
///////////////

func (t *Telemetry) metricName(name string) string {
	return t.scope + "." + name
}

func (t *Telemetry) observeOpt() metric.MeasurementOption {
	return metric.WithAttributeSet(t.attrSet)
}

// NewCounter registers an observable monotonic counter.
// The callback is invoked on every collection cycle.
func (t *Telemetry) NewCounter(name string, fn func() int64) {
	opt := t.observeOpt()

	_, err := t.meter.Int64ObservableCounter(t.metricName(name),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn(), opt)
			return nil
		}),
	)

	if err != nil {
		t.LogError("failed to create counter", err, "counter", name)
	}
}

// NewUpDownCounter registers an observable counter that can decrease.
func (t *Telemetry) NewUpDownCounter(name string, fn func() int64) {
	opt := t.observeOpt()

	_, err := t.meter.Int64ObservableUpDownCounter(t.metricName(name),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn(), opt)
			return nil
		}),
	)

	if err != nil {
		t.LogError("failed to create up-down counter", err, "counter", name)
	}
}

// NewGauge registers an observable gauge.
func (t *Telemetry) NewGauge(name string, fn func() int64) {
	opt := t.observeOpt()

	_, err := t.meter.Int64ObservableGauge(t.metricName(name),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn(), opt)
			return nil
		}),
	)

	if err != nil {
		t.LogError("failed to create gauge", err, "gauge", name)
	}
}

// Histogram is a synchronous int64 histogram bound to a component.
type Histogram struct {
	hist metric.Int64Histogram
	opt  metric.MeasurementOption
}

// Record records a value.
func (h *Histogram) Record(ctx context.Context, value int64) {
	if h == nil || h.hist == nil {
		return
	}
	h.hist.Record(ctx, value, h.opt)
}

// NewHistogram returns a new histogram.
// On failure the returned histogram is a no-op.
func (t *Telemetry) NewHistogram(name string, opts ...metric.Int64HistogramOption) *Histogram {
	hist, err := t.meter.Int64Histogram(t.metricName(name), opts...)
	if err != nil {
		t.LogError("failed to create histogram", err, "histogram", name)
		return &Histogram{}
	}

	return &Histogram{
		hist: hist,
		opt:  t.observeOpt(),
	}
}

//////////////
//  TRACES  //
//////////////

// NewTrace starts a new span.
func (t *Telemetry) NewTrace(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("scope", t.scope),
			attribute.String("name", t.name),
		),
	)
}

// InjectTrace writes the span context of ctx into the carrier.
func (t *Telemetry) InjectTrace(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractTraceContext reads a span context from the carrier
// and returns a copy of ctx holding it.
func (t *Telemetry) ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
