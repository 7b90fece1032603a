package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestStartSpanAttachesSpanToContext(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.span",
		trace.WithAttributes(attribute.String("relay.id", "r1")))
	if got := trace.SpanFromContext(ctx); !got.SpanContext().Equal(span.SpanContext()) {
		t.Fatalf("SpanFromContext() = %v, want started span", got.SpanContext())
	}
	EndSpan(span, errors.New("boom"))
	EndSpan(span, nil)
}
