package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartUpstreamSpan creates a child span for a single outbound call to an
// upstream endpoint.
func StartUpstreamSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("upstream.url", url)),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into an outbound request's header map so the upstream endpoint can
// continue the trace.
func InjectHeaders(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// SetRequestAttributes adds request-level attributes to the current span.
func SetRequestAttributes(ctx context.Context, fingerprint, model string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("request.fingerprint", fingerprint),
		attribute.String("request.model", model),
	)
}

// SetResponseAttributes adds response-level attributes to the current span.
func SetResponseAttributes(ctx context.Context, statusCode int) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("response.status_code", statusCode),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
