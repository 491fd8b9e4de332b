// Package telemetry provides the logging, metrics, and tracing abstractions
// used throughout the pipeline runtime. Components never call a logging or
// OTEL library directly; they depend on these interfaces so tests can supply
// no-op implementations and production wiring can swap the backend without
// touching runtime code.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured, context-scoped log messages. Implementations
	// may read formatting/level configuration from the context.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges for runtime
	// instrumentation (node_state durations, batch sizes, retry counts).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans for executor and orchestrator operations against
	// an abstract span factory (spec §1: tracing exporters are an external
	// collaborator; this interface is the boundary).
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the subset of an OTEL span the runtime needs.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Provider bundles a Logger, Metrics, and Tracer so callers can pass a
	// single value through constructors instead of three.
	Provider struct {
		Log Logger
		Met Metrics
		Trc Tracer
	}
)

// Noop returns a Provider whose Logger/Metrics/Tracer discard everything.
// Used as the default when callers do not configure telemetry, and in unit
// tests that do not exercise observability.
func Noop() Provider {
	return Provider{Log: NewNoopLogger(), Met: NewNoopMetrics(), Trc: NewNoopTracer()}
}
