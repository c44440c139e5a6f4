package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

// CaptureTrace snapshots the active span context for persistence alongside an
// outbox message. A context without a valid span yields a zero ref.
func CaptureTrace(ctx context.Context) outboxstore.TraceRef {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return outboxstore.TraceRef{}
	}
	return outboxstore.TraceRef{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: byte(sc.TraceFlags()),
		TraceState: sc.TraceState().String(),
	}
}

// LinkFrom rebuilds the producer's remote span context as a span link.
// Dispatch spans link to the producer rather than continuing its trace: the
// producer's trace closed at commit time, long before dispatch runs.
func LinkFrom(ref outboxstore.TraceRef) (trace.Link, bool) {
	if ref.Zero() {
		return trace.Link{}, false
	}
	traceID, err := trace.TraceIDFromHex(ref.TraceID)
	if err != nil {
		return trace.Link{}, false
	}
	spanID, err := trace.SpanIDFromHex(ref.SpanID)
	if err != nil {
		return trace.Link{}, false
	}
	state, err := trace.ParseTraceState(ref.TraceState)
	if err != nil {
		state = trace.TraceState{}
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(ref.TraceFlags),
		TraceState: state,
		Remote:     true,
	})
	if !sc.IsValid() {
		return trace.Link{}, false
	}
	return trace.Link{SpanContext: sc}, true
}

// DispatchSpanOptions builds the start options for a dispatch span: consumer
// kind, a link to the producer span when one was captured, and the producer
// trace identifiers duplicated as plain attributes.
func DispatchSpanOptions(ref outboxstore.TraceRef) []trace.SpanStartOption {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
	}
	link, ok := LinkFrom(ref)
	if !ok {
		return opts
	}
	opts = append(opts,
		trace.WithLinks(link),
		trace.WithAttributes(
			AttrProducerTraceID.String(ref.TraceID),
			AttrProducerSpanID.String(ref.SpanID),
		),
	)
	return opts
}
