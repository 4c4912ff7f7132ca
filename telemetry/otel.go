package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OtelTracer adapts an OTEL trace.Tracer to the Tracer interface.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer wraps an OTEL tracer obtained from a TracerProvider.
func NewOtelTracer(t trace.Tracer) Tracer {
	return &OtelTracer{tracer: t}
}

func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (t *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, kv ...any) {
	attrs := make([]string, 0, len(kv))
	for _, v := range kv {
		attrs = append(attrs, fmt.Sprint(v))
	}
	_ = attrs
	s.span.AddEvent(name)
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func (s *otelSpan) SpanContext() trace.SpanContext { return s.span.SpanContext() }

// elapsedMS returns the milliseconds elapsed since start, for attaching
// duration attributes to spans; no call site in this module uses it.
func elapsedMS(start time.Time) int64 { return time.Since(start).Milliseconds() }
