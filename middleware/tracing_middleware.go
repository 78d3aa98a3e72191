package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"packet-rpc/message"
)

const tracerName = "packet-rpc/server"

// TracingMiddleware opens one server span per handled packet. A nil provider
// falls back to the global one.
func TracingMiddleware(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) ([]message.Value, error) {
			ctx, span := tracer.Start(ctx, req.Operation,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("packet.id", req.ID().String()),
					attribute.Int("packet.data.len", len(req.Data)),
					attribute.Bool("packet.requires_response", req.RequiresResponse),
				),
			)
			defer span.End()

			data, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return data, err
		}
	}
}
