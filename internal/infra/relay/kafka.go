// Package relay provides the Kafka transport for the integration outbox
// relay strategy.
package relay

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

// Header keys attached to every relayed message so downstream consumers can
// correlate and continue traces.
const (
	HeaderEventName     = "event_name"
	HeaderEventVersion  = "event_version"
	HeaderTenantID      = "tenant_id"
	HeaderCorrelationID = "correlation_id"
	HeaderCausationID   = "causation_id"
	HeaderTraceID       = "trace_id"
	HeaderSpanID        = "span_id"
)

// KafkaPublisher publishes raw outbox payloads to Kafka topics. Topic
// routing is driven per message, so one writer serves every event family.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher constructs a publisher over the given brokers.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: brokers required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: writer}, nil
}

// Publish writes the message payload under the derived topic. The message key
// is the tenant id so one tenant's events stay partition-ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, msg outboxstore.Message) error {
	if p.writer == nil {
		return fmt.Errorf("kafka publisher: nil writer")
	}
	key := msg.TenantID
	if key == "" {
		key = msg.ID.String()
	}
	record := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   []byte(msg.Payload),
		Headers: headersFor(msg),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka publisher: write %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka publisher: close: %w", err)
	}
	return nil
}

func headersFor(msg outboxstore.Message) []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventName, Value: []byte(msg.Name)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(msg.Version))},
	}
	if msg.TenantID != "" {
		headers = append(headers, kafka.Header{Key: HeaderTenantID, Value: []byte(msg.TenantID)})
	}
	if msg.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(msg.CorrelationID)})
	}
	if msg.CausationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCausationID, Value: []byte(msg.CausationID)})
	}
	if !msg.Trace.Zero() {
		headers = append(headers,
			kafka.Header{Key: HeaderTraceID, Value: []byte(msg.Trace.TraceID)},
			kafka.Header{Key: HeaderSpanID, Value: []byte(msg.Trace.SpanID)},
		)
	}
	return headers
}
