package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sketchbook"

// Tracer wraps OpenTelemetry tracing for the preview pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		// No-op span; never end a caller's span on its behalf.
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sketchbook.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for pipeline tracing.
var (
	AttrSketch     = attribute.Key("sketchbook.sketch")
	AttrExecID     = attribute.Key("sketchbook.execution.id")
	AttrExitCode   = attribute.Key("sketchbook.exit_code")
	AttrFailure    = attribute.Key("sketchbook.failure")
	AttrDurationMS = attribute.Key("sketchbook.duration_ms")
	AttrPages      = attribute.Key("sketchbook.pages")
	AttrVersion    = attribute.Key("sketchbook.version")
	AttrCoalesced  = attribute.Key("sketchbook.coalesced")
	AttrTrigger    = attribute.Key("sketchbook.trigger")
)
