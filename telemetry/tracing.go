// Package telemetry provides OpenTelemetry tracing for packet delivery.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with delivery-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewNoopTracer()
	}
	return globalTracer
}

// NewTracer creates a tracer backed by the global otel provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// --- Dispatch Spans ---

// DispatchSpanOptions are recorded when a dispatch span ends.
type DispatchSpanOptions struct {
	Transport string // final transport
	Attempts  int
	Fallback  bool
}

// StartDispatchSpan starts the parent span for one Dispatch call.
func (t *Tracer) StartDispatchSpan(ctx context.Context, packetID, tool string, size int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "packet.dispatch", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("packet.id", packetID),
		attribute.String("packet.tool", tool),
		attribute.Int("packet.size", size),
	)
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with its outcome.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("dispatch.transport", opts.Transport),
		attribute.Int("dispatch.attempts", opts.Attempts),
		attribute.Bool("dispatch.fallback", opts.Fallback),
	)
	endSpan(span, err)
}

// --- Attempt Spans ---

// AttemptSpanOptions are recorded when an attempt span ends.
type AttemptSpanOptions struct {
	Fragments int
	EntryID   string
}

// StartAttemptSpan starts a child span for one send on transport.
func (t *Tracer) StartAttemptSpan(ctx context.Context, transport string, fallback bool) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "packet.send."+transport, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("attempt.transport", transport),
		attribute.Bool("attempt.fallback", fallback),
	)
	return ctx, span
}

// EndAttemptSpan ends an attempt span.
func (t *Tracer) EndAttemptSpan(span trace.Span, opts AttemptSpanOptions, err error) {
	if opts.Fragments > 0 {
		span.SetAttributes(attribute.Int("attempt.fragments", opts.Fragments))
	}
	if opts.EntryID != "" {
		span.SetAttributes(attribute.String("attempt.entry_id", opts.EntryID))
	}
	endSpan(span, err)
}

// --- Receive Spans ---

// StartReceiveSpan starts a span for a packet arriving on the tool side.
func (t *Tracer) StartReceiveSpan(ctx context.Context, via string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "packet.receive", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("receive.via", via))
	return ctx, span
}

// EndReceiveSpan ends a receive span.
func (t *Tracer) EndReceiveSpan(span trace.Span, packetID string, duplicate bool, err error) {
	if packetID != "" {
		span.SetAttributes(attribute.String("packet.id", packetID))
	}
	span.SetAttributes(attribute.Bool("receive.duplicate", duplicate))
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// HeaderCarrier adapts multi-valued headers such as nats.Header.
type HeaderCarrier map[string][]string

func (c HeaderCarrier) Get(key string) string {
	if v := c[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = []string{value}
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
