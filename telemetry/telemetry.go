// Package telemetry defines the logging, metrics, and tracing interfaces
// shared across the runtime. Components accept these interfaces rather
// than concrete implementations so callers can swap a no-op default for
// a production adapter without touching business logic.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured, leveled log messages. Implementations should
	// treat the trailing key/value pairs as structured fields, not a
	// printf-style format string.
	Logger interface {
		Debug(ctx context.Context, msg string, kv ...any)
		Info(ctx context.Context, msg string, kv ...any)
		Warn(ctx context.Context, msg string, kv ...any)
		Error(ctx context.Context, msg string, kv ...any)
	}

	// Metrics records counters, timers, and gauges. The tags are flattened
	// key/value pairs (tags[0]=key, tags[1]=value, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, d time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans for distributed tracing.
	Tracer interface {
		// Start begins a new span as a child of any span already in ctx.
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		// Span returns the current span held in ctx, or a no-op span if none.
		Span(ctx context.Context) Span
	}

	// Span is a single unit of traced work.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, kv ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
		SpanContext() trace.SpanContext
	}
)
