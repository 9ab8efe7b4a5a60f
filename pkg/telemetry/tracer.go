package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type otelTracer struct {
	tracer   trace.Tracer
	span     trace.Span
	ctx      context.Context
	spanName string
	attrs    []attribute.KeyValue

	started bool
}

func newOtelTracer(ctx context.Context, tracer trace.Tracer, spanName string) *otelTracer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &otelTracer{tracer: tracer, ctx: ctx, spanName: spanName}
}

func (t *otelTracer) Start() {
	if t.started {
		return
	}
	attrs := append([]attribute.KeyValue{attribute.String("fuzzhub.action.name", t.spanName)}, t.attrs...)
	t.ctx, t.span = t.tracer.Start(t.ctx, t.spanName, trace.WithAttributes(attrs...))
	t.started = true
}

func (t *otelTracer) WithAttributes(attrs ...attribute.KeyValue) Tracer {
	t.attrs = append(t.attrs, attrs...)
	if t.started {
		t.span.SetAttributes(attrs...)
	}
	return t
}

func (t *otelTracer) AddEvent(name string, attrs ...attribute.KeyValue) {
	if !t.started {
		return
	}
	t.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (t *otelTracer) SetStatus(code codes.Code, message string) {
	if !t.started {
		return
	}
	t.span.SetStatus(code, message)
}

func (t *otelTracer) RecordError(err error) {
	if !t.started || err == nil {
		return
	}
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())
}

// Spawn creates a child tracer; the child is not started.
func (t *otelTracer) Spawn(spanName string) Tracer {
	return newOtelTracer(t.ctx, t.tracer, spanName)
}

func (t *otelTracer) Context() context.Context {
	return context.WithValue(t.ctx, TracerKey{}, Tracer(t))
}

func (t *otelTracer) End() {
	if !t.started {
		return // do not end if the span was never started
	}
	t.span.End()
}
