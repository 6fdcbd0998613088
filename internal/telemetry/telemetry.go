// Package telemetry is the OTEL-backed implementation of the root
// package's Tracer/Span interfaces. It follows the teacher's observer
// package (go.opentelemetry.io/otel SDK + OTLP HTTP trace exporter,
// configured entirely from standard OTEL_EXPORTER_OTLP_* env vars) but
// narrows scope to tracing only — the core has no per-call cost/token
// metrics to emit, so the metric and log providers the teacher also wires
// up have nothing to attach to here.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	agendo "github.com/agendo/core"
)

const scopeName = "github.com/agendo/core/worker"

// Tracer implements agendo.Tracer atop an OTEL trace.Tracer.
type Tracer struct {
	tracer trace.Tracer
}

var _ agendo.Tracer = (*Tracer)(nil)

// New sets up an OTEL trace provider with an OTLP HTTP exporter,
// configured from standard OTEL_EXPORTER_OTLP_* env vars, and returns a
// Tracer plus a shutdown function the caller must invoke on exit.
func New(ctx context.Context) (*Tracer, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("agendo-worker")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Tracer{tracer: otel.Tracer(scopeName)}, tp.Shutdown, nil
}

func (t *Tracer) Start(ctx context.Context, name string, attrs ...agendo.SpanAttr) (context.Context, agendo.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, &Span{span: span}
}

// Span implements agendo.Span atop an OTEL trace.Span.
type Span struct {
	span trace.Span
}

var _ agendo.Span = (*Span)(nil)

func (s *Span) SetAttr(attrs ...agendo.SpanAttr) {
	s.span.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *Span) Event(name string, attrs ...agendo.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *Span) Error(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *Span) End() { s.span.End() }

func toOTELAttrs(attrs []agendo.SpanAttr) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out = append(out, attribute.String(a.Key, v))
		case int:
			out = append(out, attribute.Int(a.Key, v))
		case bool:
			out = append(out, attribute.Bool(a.Key, v))
		case float64:
			out = append(out, attribute.Float64(a.Key, v))
		default:
			out = append(out, attribute.String(a.Key, ""))
		}
	}
	return out
}
