// Package observability provides logging, metrics, and tracing utilities.
package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts spans. Packages outside observability only see this
// interface and Span.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
}

// Span is the subset of trace.Span the catalog uses.
type Span interface {
	End()
	SetAttributes(attrs ...attribute.KeyValue)
	// NoticeError records err and marks the span failed. nil is ignored.
	NoticeError(err error)
}

// SpanOption adjusts span start options.
type SpanOption func(*[]trace.SpanStartOption)

// WithSpanKind sets the span kind. Spans are internal by default.
func WithSpanKind(kind trace.SpanKind) SpanOption {
	return func(o *[]trace.SpanStartOption) {
		*o = append(*o, trace.WithSpanKind(kind))
	}
}

// WithAttributes sets attributes at span start.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(o *[]trace.SpanStartOption) {
		*o = append(*o, trace.WithAttributes(attrs...))
	}
}

type tracer struct {
	t trace.Tracer
}

// NewTracer returns a Tracer using the global provider, which
// NewTracerProvider installs when tracing is enabled.
func NewTracer(name string) Tracer {
	return tracer{t: otel.Tracer(name)}
}

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer {
	return tracer{t: tracenoop.NewTracerProvider().Tracer("noop")}
}

func (tr tracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	startOpts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindInternal)}
	for _, opt := range opts {
		opt(&startOpts)
	}
	ctx, s := tr.t.Start(ctx, name, startOpts...)
	return ctx, span{s}
}

type span struct {
	trace.Span
}

func (s span) End() {
	s.Span.End()
}

func (s span) NoticeError(err error) {
	if err == nil {
		return
	}
	s.RecordError(err)
	s.SetStatus(codes.Error, err.Error())
}

// ExtractHTTP returns ctx carrying the remote span context found in h, if any.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// InjectHTTP writes the span context of ctx into h.
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}
