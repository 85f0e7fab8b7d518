package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/instana/mcp-instana-auth"

// Config holds instrumentation configuration
type Config struct {
	// Enabled controls whether instrumentation is active.
	// When false, uses no-op providers (zero overhead).
	Enabled bool

	// MeterProvider to create instruments from. Defaults to the global provider.
	MeterProvider metric.MeterProvider

	// TracerProvider to create spans from. Defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *Metrics
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	inst := &Instrumentation{}

	if config.Enabled {
		inst.meterProvider = config.MeterProvider
		if inst.meterProvider == nil {
			inst.meterProvider = otel.GetMeterProvider()
		}
		inst.tracerProvider = config.TracerProvider
		if inst.tracerProvider == nil {
			inst.tracerProvider = otel.GetTracerProvider()
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.tracer = inst.tracerProvider.Tracer(scopeName)

	var err error
	inst.metrics, err = newMetrics(inst.meterProvider.Meter(scopeName))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Tracer returns the tracer used for auth spans
func (i *Instrumentation) Tracer() trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(scopeName)
	}
	return i.tracer
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	if i == nil {
		return noop.NewMeterProvider()
	}
	return i.meterProvider
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	if i == nil {
		return tracenoop.NewTracerProvider()
	}
	return i.tracerProvider
}
