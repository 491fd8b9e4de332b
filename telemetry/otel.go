package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger wraps goa.design/clue/log for runtime logging. Formatting
	// and debug settings are read from the context (set via log.Context and
	// log.WithFormat/log.WithDebug by whatever process boots the runtime).
	ClueLogger struct{}

	// OTelMetrics wraps OTEL metrics for runtime instrumentation. Counters
	// and histograms are created once per name and cached: the executors
	// call IncCounter/RecordTimer for the tokens they process, and
	// re-resolving an instrument from the meter on every call would put a
	// map lookup and an allocation on that hot path for no benefit.
	OTelMetrics struct {
		meter      metric.Meter
		mu         sync.Mutex
		counters   map[string]metric.Float64Counter
		histograms map[string]metric.Float64Histogram
	}

	// OTelTracer wraps OTEL tracing for runtime tracing.
	OTelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// instrumentationName identifies this runtime to the OTEL SDK.
const instrumentationName = "github.com/pipeflow/corepipe"

// gaugeSuffix marks histogram instruments standing in for OTEL's missing
// synchronous gauge (RecordGauge records into "<name>_gauge").
const gaugeSuffix = "_gauge"

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

// NewOTelMetrics constructs a Metrics recorder backed by the global
// MeterProvider. Configure the provider before invoking runtime methods.
func NewOTelMetrics() Metrics {
	return &OTelMetrics{
		meter:      otel.Meter(instrumentationName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// NewOTelTracer constructs a Tracer backed by the global TracerProvider.
func NewOTelTracer() Tracer {
	return &OTelTracer{tracer: otel.Tracer(instrumentationName)}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fs := append(fielders(msg, keyvals), log.KV{K: "severity", V: "warning"})
	log.Warn(ctx, fs...)
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	fs := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fs = append(fs, log.KV{K: k, V: keyvals[i+1]})
	}
	return fs
}

// counter returns the cached Float64Counter for name, creating it under
// lock on first use.
func (m *OTelMetrics) counter(name string) (metric.Float64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("create counter %q: %w", name, err)
	}
	m.counters[name] = c
	return c, nil
}

// histogram returns the cached Float64Histogram for name, creating it under
// lock on first use.
func (m *OTelMetrics) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("create histogram %q: %w", name, err)
	}
	m.histograms[name] = h
	return h, nil
}

// IncCounter increments a counter metric by the given value.
func (m *OTelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, err := m.counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric.
func (m *OTelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, err := m.histogram(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge-like metric value. OTEL has no synchronous
// gauge instrument, so this records into a histogram named "<name>_gauge" —
// a single-sample histogram and a gauge share the same last-value query
// shape for the dashboards this runtime's node_state/batch-size metrics
// feed.
func (m *OTelMetrics) RecordGauge(name string, value float64, tags ...string) {
	h, err := m.histogram(name + gaugeSuffix)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start creates a new span, returning the derived context and span handle.
func (t *OTelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

// Span retrieves the current span from the context.
func (t *OTelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		switch v := keyvals[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		default:
			attrs = append(attrs, attribute.String(k, ""))
		}
	}
	return attrs
}
