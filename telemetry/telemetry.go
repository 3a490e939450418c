// Package telemetry threads an explicit Logger/Metrics/Tracer handle through
// every component instead of a process-wide logging callback, per the design
// note in SPEC_FULL.md §3.1. The Log Pipeline (package logpipeline) batches
// records handed to its Capture method for the periodic flush; it does not
// wrap a Logger, so messages logged through a Logger are not captured there.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the orchestrator.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for orchestrator instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so orchestrator code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Handle bundles the three telemetry surfaces a component needs at
// construction time, so call sites don't thread three separate parameters.
type Handle struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// Noop builds a Handle that discards everything, for tests and tools that
// don't care about observability.
func Noop() Handle {
	return Handle{
		Logger:  NewNoopLogger(),
		Metrics: NewNoopMetrics(),
		Tracer:  NewNoopTracer(),
	}
}
