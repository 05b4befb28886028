package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceRef is a span context flattened for storage, e.g. next to an outbox
// row, so a relay running later can continue the trace of the request that
// wrote it.
type TraceRef struct {
	Parent string
	State  string
}

func CaptureTrace(ctx context.Context) TraceRef {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceRef{Parent: carrier.Get("traceparent"), State: carrier.Get("tracestate")}
}

func (t TraceRef) Empty() bool { return t.Parent == "" && t.State == "" }

// Restore returns ctx carrying the captured span context as its remote parent.
func (t TraceRef) Restore(ctx context.Context) context.Context {
	if t.Empty() {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{
		"traceparent": t.Parent,
		"tracestate":  t.State,
	})
}

// DetachedContext keeps the span and request values of parent but drops its
// cancellation, for work that must outlive the request that started it.
func DetachedContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}
