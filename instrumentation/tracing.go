package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Metadata only, never credential values.
const (
	AttrClientID   = "oauth.client_id"
	AttrGrantType  = "oauth.grant_type"
	AttrSource     = "instana.credential.source"
	AttrStrategy   = "instana.auth.strategy"
	AttrHTTPStatus = "http.status_code"
)

// StartSpan starts a span on the instrumentation tracer (nil-safe)
func (i *Instrumentation) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// EndSpan records the outcome of err on span and ends it (nil-safe)
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		RecordError(span, err)
	} else {
		SetSpanSuccess(span)
	}
	span.End()
}
