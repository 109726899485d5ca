package dht

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("go-kad-dht").Start(ctx, fmt.Sprintf("KadDHT.%s", name), opts...)
}

// endSpan ends sp, marking it as errored if *err is not nil. It uses a
// pointer so it's defer-friendly.
func endSpan(sp trace.Span, err *error) {
	if err != nil && *err != nil {
		sp.RecordError(*err)
		sp.SetStatus(codes.Error, (*err).Error())
	}
	sp.End()
}
