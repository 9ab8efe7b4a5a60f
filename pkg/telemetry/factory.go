package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
)

// Tracer is a thin span handle. Implementations must tolerate calls after End.
type Tracer interface {
	Start()
	WithAttributes(attrs ...attribute.KeyValue) Tracer
	AddEvent(name string, attrs ...attribute.KeyValue)
	SetStatus(code codes.Code, message string)
	RecordError(err error)
	Spawn(spanName string) Tracer
	Context() context.Context
	End()
}

type TracerKey struct{} // TracerKey is used to store and retrieve the tracer from the context

type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

// NewTracer returns a tracer for spanName, parented to any span already in ctx.
func (t *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	if t == nil || t.telemetry == nil || t.telemetry.GetTracer() == nil {
		return &DummyTracer{ctx: ctx}
	}
	return newOtelTracer(ctx, t.telemetry.GetTracer(), spanName)
}

// FromContext returns the tracer stored under TracerKey, or a dummy one.
func FromContext(ctx context.Context) Tracer {
	if tracer, ok := ctx.Value(TracerKey{}).(Tracer); ok {
		return tracer
	}
	return &DummyTracer{ctx: ctx}
}

// A dummy tracer that does nothing when telemetry is not enabled
type DummyTracer struct {
	ctx context.Context
}

func (t *DummyTracer) Start()                                            {}
func (t *DummyTracer) WithAttributes(attrs ...attribute.KeyValue) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attrs ...attribute.KeyValue) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)         {}
func (t *DummyTracer) RecordError(err error)                             {}
func (t *DummyTracer) Spawn(spanName string) Tracer                      { return t }
func (t *DummyTracer) End()                                              {}

func (t *DummyTracer) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}
