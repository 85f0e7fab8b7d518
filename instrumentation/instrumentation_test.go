package instrumentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{
		Enabled:        true,
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	require.NoError(t, err)
	return inst, reader, recorder
}

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) map[attribute.Distinct]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[attribute.Distinct]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				out[dp.Attributes.Equivalent()] += dp.Value
			}
		}
	}
	return out
}

func TestNew_Disabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, inst.Metrics())

	// no-op providers accept recordings without panicking
	inst.Metrics().RecordAuthorizationStarted(context.Background())
	_, span := inst.StartSpan(context.Background(), "noop")
	EndSpan(span, nil)
}

func TestNilInstrumentation(t *testing.T) {
	var inst *Instrumentation
	ctx := context.Background()

	assert.Nil(t, inst.Metrics())
	assert.NotNil(t, inst.Tracer())
	assert.NotNil(t, inst.MeterProvider())
	assert.NotNil(t, inst.TracerProvider())

	m := inst.Metrics()
	m.RecordAuthorizationStarted(ctx)
	m.RecordCallbackProcessed(ctx, ResultSuccess)
	m.RecordCodeExchange(ctx, ResultFailure)
	m.RecordTokenRefresh(ctx, ResultSuccess)
	m.RecordTokenRevocation(ctx)
	m.RecordCredentialResolved(ctx, "header", ResultSuccess)
	m.RecordDynamicAcquisition(ctx, "basic", ResultSuccess)
	m.RecordUpstreamCall(ctx, "exchange", 12.5)

	_, span := inst.StartSpan(ctx, "nil-safe")
	EndSpan(span, errors.New("boom"))
	EndSpan(nil, nil)
}

func TestMetrics_CredentialResolved(t *testing.T) {
	inst, reader, _ := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordCredentialResolved(ctx, "header", ResultSuccess)
	inst.Metrics().RecordCredentialResolved(ctx, "header", ResultSuccess)
	inst.Metrics().RecordCredentialResolved(ctx, "oauth", ResultFailure)

	got := collectSum(t, reader, "instana_auth.credential.resolved")

	header := attribute.NewSet(attribute.String("source", "header"), attribute.String("result", ResultSuccess))
	oauth := attribute.NewSet(attribute.String("source", "oauth"), attribute.String("result", ResultFailure))
	assert.Equal(t, int64(2), got[header.Equivalent()])
	assert.Equal(t, int64(1), got[oauth.Equivalent()])
}

func TestMetrics_OAuthFlow(t *testing.T) {
	inst, reader, _ := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordAuthorizationStarted(ctx)
	m.RecordCallbackProcessed(ctx, ResultSuccess)
	m.RecordCodeExchange(ctx, ResultSuccess)
	m.RecordCodeExchange(ctx, ResultFailure)
	m.RecordTokenRevocation(ctx)

	started := collectSum(t, reader, "instana_auth.authorization.started")
	empty := attribute.NewSet()
	assert.Equal(t, int64(1), started[empty.Equivalent()])

	exchanged := collectSum(t, reader, "instana_auth.code.exchanged")
	success := attribute.NewSet(attribute.String("result", ResultSuccess))
	failure := attribute.NewSet(attribute.String("result", ResultFailure))
	assert.Equal(t, int64(1), exchanged[success.Equivalent()])
	assert.Equal(t, int64(1), exchanged[failure.Equivalent()])
}

func TestMetrics_UpstreamDuration(t *testing.T) {
	inst, reader, _ := newTestInstrumentation(t)
	inst.Metrics().RecordUpstreamCall(context.Background(), "exchange", 42)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "instana_auth.upstream.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.Len(t, hist.DataPoints, 1)
			assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
			assert.Equal(t, float64(42), hist.DataPoints[0].Sum)
			found = true
		}
	}
	assert.True(t, found, "histogram not exported")
}

func TestResult(t *testing.T) {
	assert.Equal(t, ResultSuccess, Result(nil))
	assert.Equal(t, ResultFailure, Result(errors.New("x")))
}

func TestEndSpan(t *testing.T) {
	inst, _, recorder := newTestInstrumentation(t)

	_, ok := inst.StartSpan(context.Background(), "ok", attribute.String(AttrStrategy, "basic"))
	EndSpan(ok, nil)
	_, failed := inst.StartSpan(context.Background(), "failed")
	EndSpan(failed, errors.New("upstream down"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ok", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "upstream down", spans[1].Status().Description)
	assert.Len(t, spans[1].Events(), 1)
}
