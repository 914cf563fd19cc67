package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for parley spans.
var (
	AttrIdentity    = attribute.Key("parley.identity")
	AttrTraceID     = attribute.Key("parley.trace.id")
	AttrRecordLen   = attribute.Key("parley.record.length")
	AttrChainLen    = attribute.Key("parley.refchain.length")
	AttrSliceLen    = attribute.Key("parley.window.length")
	AttrSnapshotLen = attribute.Key("parley.snapshot.bytes")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (the model client).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
