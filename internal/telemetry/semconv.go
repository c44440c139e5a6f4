package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Outpost telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventName    = attribute.Key("event.name")
	AttrEventVersion = attribute.Key("event.version")
	AttrStream       = attribute.Key("stream")
	AttrTenantID     = attribute.Key("tenant.id")

	// Dispatch attributes
	AttrHandler    = attribute.Key("handler")
	AttrSubscriber = attribute.Key("subscriber")
	AttrResult     = attribute.Key("result")
	AttrAttempt    = attribute.Key("attempt")

	// Producer trace attributes, duplicated on dispatch spans so backends
	// without span-link support can still correlate.
	AttrProducerTraceID = attribute.Key("producer.trace_id")
	AttrProducerSpanID  = attribute.Key("producer.span_id")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Result values recorded on dispatch metrics and spans.
const (
	ResultProcessed = "processed"
	ResultFailed    = "failed"
	ResultPoisoned  = "poisoned"
	ResultSkipped   = "skipped"
)

// MessageAttributes returns common attributes for message dispatch telemetry.
func MessageAttributes(environment, stream, name string, version int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
		AttrEventName.String(name),
		AttrEventVersion.Int(version),
	}
}

// ResultAttributes returns attributes for dispatch outcome counters.
func ResultAttributes(environment, stream, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
		AttrResult.String(result),
	}
}

// DeliveryAttributes returns attributes for per-subscriber delivery metrics.
func DeliveryAttributes(environment, subscriber, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSubscriber.String(subscriber),
		AttrResult.String(result),
	}
}
