package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outpost/internal/domain/envelope"
	"github.com/tidewater/outpost/internal/domain/outboxstore"
	"github.com/tidewater/outpost/internal/telemetry"
)

// Writer records events into the outbox from inside a producer's transaction.
// The caller supplies the transaction-scoped outboxstore.Writer; the message
// commits or vanishes together with the business change that raised it.
//
// For integration-stream events the writer also performs fan-out expansion:
// one delivery row per subscriber registered for the event's (name, version),
// inserted in the same transaction. Zero matching subscribers is valid and
// yields zero rows; such an event has nobody left to satisfy, so it is
// written already processed rather than left for a dispatch pass that would
// never claim it. A nil registry means the deployment relays integration
// events to a broker instead: no expansion, and rows stay unprocessed for the
// relay to publish.
type Writer struct {
	subscribers *SubscriberRegistry
}

// NewWriter constructs a Writer bound to the subscriber registry.
func NewWriter(subscribers *SubscriberRegistry) *Writer {
	return &Writer{subscribers: subscribers}
}

// WriteDomain appends env to the domain stream.
func (w *Writer) WriteDomain(ctx context.Context, store outboxstore.Writer, env *envelope.Envelope) error {
	return w.write(ctx, store, env, outboxstore.StreamDomain)
}

// WriteIntegration appends env to the integration stream and expands its
// subscriber deliveries.
func (w *Writer) WriteIntegration(ctx context.Context, store outboxstore.Writer, env *envelope.Envelope) error {
	return w.write(ctx, store, env, outboxstore.StreamIntegration)
}

func (w *Writer) write(ctx context.Context, store outboxstore.Writer, env *envelope.Envelope, stream outboxstore.Stream) error {
	if store == nil {
		return fmt.Errorf("dispatch writer: store required")
	}
	if env == nil {
		return fmt.Errorf("dispatch writer: envelope required")
	}
	msg := outboxstore.Message{
		ID:            env.ID,
		Name:          env.Name,
		Version:       env.Version,
		TenantID:      env.TenantID,
		Payload:       env.Payload,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Trace:         telemetry.CaptureTrace(ctx),
		Stream:        stream,
		CreatedAt:     env.OccurredAt,
	}
	var subscribers []string
	if stream == outboxstore.StreamIntegration && w.subscribers != nil {
		subscribers = w.subscribers.Subscribers(env.Name, env.Version)
		if len(subscribers) == 0 {
			// Nobody to satisfy and no delivery row will ever make this event
			// due: complete it in the producer's transaction.
			now := time.Now().UTC()
			msg.ProcessedAt = &now
		}
	}
	if err := store.Append(ctx, msg); err != nil {
		return err
	}
	for _, subscriber := range subscribers {
		delivery := outboxstore.Delivery{
			ID:         uuid.New(),
			MessageID:  env.ID,
			Subscriber: subscriber,
			CreatedAt:  msg.CreatedAt,
		}
		if err := store.AppendDelivery(ctx, delivery); err != nil {
			return err
		}
	}
	return nil
}
