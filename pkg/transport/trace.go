package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/agentarea/agentlink/pkg/transport")

// startSpan opens a client span for one outbound call. Spans are no-ops
// unless the host application installed a tracer provider.
func startSpan(ctx context.Context, kind Kind, method, endpoint string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("transport.kind", string(kind)),
			attribute.String("rpc.method", method),
			attribute.String("server.endpoint", endpoint),
		))
}

// endSpan records the response outcome on the span.
func endSpan(span trace.Span, resp *Response) {
	if resp != nil && !resp.OK && resp.Err != nil {
		span.SetStatus(codes.Error, resp.Err.Message)
		span.SetAttributes(attribute.String("error.code", resp.Err.Code))
	}
	span.End()
}
