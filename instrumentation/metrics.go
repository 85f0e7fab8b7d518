package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome attribute values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all metric instruments for the auth flows
type Metrics struct {
	// OAuth Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter

	// Credential Metrics
	CredentialResolved metric.Int64Counter
	DynamicAcquired    metric.Int64Counter

	// Upstream call latency (token endpoints, login endpoints)
	UpstreamDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.AuthorizationStarted, err = meter.Int64Counter(
		"instana_auth.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = meter.Int64Counter(
		"instana_auth.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodeExchanged, err = meter.Int64Counter(
		"instana_auth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for MCP tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = meter.Int64Counter(
		"instana_auth.token.refreshed",
		metric.WithDescription("Number of MCP token refreshes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = meter.Int64Counter(
		"instana_auth.token.revoked",
		metric.WithDescription("Number of MCP tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.CredentialResolved, err = meter.Int64Counter(
		"instana_auth.credential.resolved",
		metric.WithDescription("Number of Instana credential resolutions per source"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential.resolved counter: %w", err)
	}

	m.DynamicAcquired, err = meter.Int64Counter(
		"instana_auth.dynamic.acquired",
		metric.WithDescription("Number of dynamic credential acquisitions per strategy"),
		metric.WithUnit("{acquisition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic.acquired counter: %w", err)
	}

	m.UpstreamDuration, err = meter.Float64Histogram(
		"instana_auth.upstream.duration",
		metric.WithDescription("Upstream token and login call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.duration histogram: %w", err)
	}

	return m, nil
}

// Result maps an error to the result attribute value
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// RecordAuthorizationStarted records an authorization flow start
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1)
}

// RecordCallbackProcessed records a provider callback
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenRefresh records a refresh_token grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1)
}

// RecordCredentialResolved records the outcome of credential resolution for a source
func (m *Metrics) RecordCredentialResolved(ctx context.Context, source, result string) {
	if m == nil {
		return
	}
	m.CredentialResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordDynamicAcquisition records a dynamic credential acquisition
func (m *Metrics) RecordDynamicAcquisition(ctx context.Context, strategy, result string) {
	if m == nil {
		return
	}
	m.DynamicAcquired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("result", result),
	))
}

// RecordUpstreamCall records the duration of an upstream call
func (m *Metrics) RecordUpstreamCall(ctx context.Context, operation string, durationMs float64) {
	if m == nil {
		return
	}
	m.UpstreamDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
