package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics bundles the instruments recorded by the dispatch loops.
// Instruments come from the global meter provider, so a disabled provider
// degrades to no-op recording.
type DispatchMetrics struct {
	messagesProcessed   metric.Int64Counter
	messagesFailed      metric.Int64Counter
	messagesPoisoned    metric.Int64Counter
	messagesSkipped     metric.Int64Counter
	deliveriesProcessed metric.Int64Counter
	deliveriesFailed    metric.Int64Counter
	tickDuration        metric.Float64Histogram
	messageDuration     metric.Float64Histogram
}

// NewDispatchMetrics constructs the dispatch instrument set.
func NewDispatchMetrics() *DispatchMetrics {
	meter := otel.Meter("outpost.dispatch")
	m := new(DispatchMetrics)
	m.messagesProcessed, _ = meter.Int64Counter("outpost.messages.processed",
		metric.WithDescription("Messages dispatched to completion"),
		metric.WithUnit("{message}"))
	m.messagesFailed, _ = meter.Int64Counter("outpost.messages.failed",
		metric.WithDescription("Message dispatch attempts that failed and were backed off"),
		metric.WithUnit("{message}"))
	m.messagesPoisoned, _ = meter.Int64Counter("outpost.messages.poisoned",
		metric.WithDescription("Messages parked as structurally unprocessable"),
		metric.WithUnit("{message}"))
	m.messagesSkipped, _ = meter.Int64Counter("outpost.messages.skipped",
		metric.WithDescription("Claimed messages skipped because the row was no longer available"),
		metric.WithUnit("{message}"))
	m.deliveriesProcessed, _ = meter.Int64Counter("outpost.deliveries.processed",
		metric.WithDescription("Subscriber deliveries dispatched to completion"),
		metric.WithUnit("{delivery}"))
	m.deliveriesFailed, _ = meter.Int64Counter("outpost.deliveries.failed",
		metric.WithDescription("Subscriber delivery attempts that failed and were backed off"),
		metric.WithUnit("{delivery}"))
	m.tickDuration, _ = meter.Float64Histogram("outpost.dispatch.tick.duration",
		metric.WithDescription("Full dispatch tick duration"),
		metric.WithUnit("ms"))
	m.messageDuration, _ = meter.Float64Histogram("outpost.dispatch.message.duration",
		metric.WithDescription("Per-message dispatch duration"),
		metric.WithUnit("ms"))
	return m
}

// RecordMessage counts one message outcome on the stream.
func (m *DispatchMetrics) RecordMessage(ctx context.Context, stream, result string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(ResultAttributes(Environment(), stream, result)...)
	switch result {
	case ResultProcessed:
		m.messagesProcessed.Add(ctx, 1, attrs)
	case ResultFailed:
		m.messagesFailed.Add(ctx, 1, attrs)
	case ResultPoisoned:
		m.messagesPoisoned.Add(ctx, 1, attrs)
	case ResultSkipped:
		m.messagesSkipped.Add(ctx, 1, attrs)
	}
}

// RecordDelivery counts one subscriber delivery outcome.
func (m *DispatchMetrics) RecordDelivery(ctx context.Context, subscriber, result string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(DeliveryAttributes(Environment(), subscriber, result)...)
	switch result {
	case ResultProcessed:
		m.deliveriesProcessed.Add(ctx, 1, attrs)
	case ResultFailed:
		m.deliveriesFailed.Add(ctx, 1, attrs)
	}
}

// RecordTick records the duration of one dispatch tick in milliseconds.
func (m *DispatchMetrics) RecordTick(ctx context.Context, stream string, millis float64) {
	if m == nil {
		return
	}
	m.tickDuration.Record(ctx, millis, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrStream.String(stream),
	))
}

// RecordMessageDuration records one message's dispatch duration in
// milliseconds together with its outcome.
func (m *DispatchMetrics) RecordMessageDuration(ctx context.Context, stream, result string, millis float64) {
	if m == nil {
		return
	}
	m.messageDuration.Record(ctx, millis, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrStream.String(stream),
		AttrResult.String(result),
	))
}
