// Package outboxstore defines persistence contracts for the outbox/inbox
// dispatch engine: durable message rows, the idempotency ledger, and
// per-subscriber delivery tracking.
package outboxstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Stream separates domain events (in-process side effects) from integration
// events (external fan-out).
type Stream string

const (
	// StreamDomain routes a message through the domain dispatcher loop.
	StreamDomain Stream = "domain"
	// StreamIntegration routes a message through the integration fan-out path.
	StreamIntegration Stream = "integration"
)

// TraceRef carries the producer's trace context persisted alongside a message.
type TraceRef struct {
	TraceID    string
	SpanID     string
	TraceFlags byte
	TraceState string
}

// Zero reports whether no trace context was captured at enqueue time.
func (t TraceRef) Zero() bool {
	return t.TraceID == "" && t.SpanID == ""
}

// Message is one outbox row: an event recorded inside the producer's
// transaction awaiting dispatch.
type Message struct {
	ID            uuid.UUID
	Name          string
	Version       int
	TenantID      string
	Payload       json.RawMessage
	CorrelationID string
	CausationID   string
	Trace         TraceRef
	Stream        Stream
	CreatedAt     time.Time

	Attempts     int
	ProcessedAt  *time.Time
	NotBefore    *time.Time
	ClaimedBy    *uuid.UUID
	ClaimedUntil *time.Time
	Poisoned     bool
}

// Due reports whether the message is eligible for dispatch at the given
// instant: unprocessed, not poisoned, past its backoff gate, and not held by a
// live lease.
func (m Message) Due(now time.Time) bool {
	if m.ProcessedAt != nil || m.Poisoned {
		return false
	}
	if m.NotBefore != nil && m.NotBefore.After(now) {
		return false
	}
	if m.ClaimedUntil != nil && m.ClaimedUntil.After(now) {
		return false
	}
	return true
}

// InboxEntry records that one handler identity has already run for one event.
// Its presence is the idempotency guard against duplicate invocation.
type InboxEntry struct {
	MessageID   uuid.UUID
	Handler     string
	ReceivedAt  time.Time
	ProcessedAt time.Time
	Attempts    int
}

// Delivery tracks one subscriber's copy of an integration event, with retry
// state independent from sibling subscribers.
type Delivery struct {
	ID          uuid.UUID
	MessageID   uuid.UUID
	Subscriber  string
	Attempts    int
	ProcessedAt *time.Time
	NotBefore   *time.Time
	CreatedAt   time.Time
}

// DueDelivery reports delivery eligibility under the configured attempts cap.
func (d Delivery) DueDelivery(now time.Time, maxAttempts int) bool {
	if d.ProcessedAt != nil {
		return false
	}
	if d.Attempts >= maxAttempts {
		return false
	}
	if d.NotBefore != nil && d.NotBefore.After(now) {
		return false
	}
	return true
}

// ErrMessageUnavailable signals that a claimed message vanished, completed, or
// changed ownership between claim and processing; the loop skips it.
var ErrMessageUnavailable = errors.New("outbox message unavailable")

// Writer appends outbox rows inside the producer's own transaction, so the
// message becomes visible to dispatch only if the business change commits.
type Writer interface {
	// Append inserts the message row. A non-nil ProcessedAt is persisted, so
	// a message with nothing left to satisfy can be written already complete.
	Append(ctx context.Context, msg Message) error
	// AppendDelivery inserts one subscriber's delivery row for an integration
	// event, in the same transaction as the owning message.
	AppendDelivery(ctx context.Context, d Delivery) error
}

// MessageTx exposes the operations available inside one message's dispatch
// transaction. All mutations commit or roll back atomically with the handler
// invocations performed in the same scope.
type MessageTx interface {
	// Message returns the freshly loaded row, guarded against concurrent
	// completion or claim loss.
	Message() Message
	// HandlerSeen reports whether an inbox row exists for the handler identity.
	HandlerSeen(ctx context.Context, handler string) (bool, error)
	// RecordHandled inserts the inbox row marking the handler as executed.
	RecordHandled(ctx context.Context, handler string) error
	// MarkProcessed sets the message's processed timestamp.
	MarkProcessed(ctx context.Context) error
}

// DomainStore is the persistence contract for the domain dispatcher loop.
type DomainStore interface {
	// CountDue is the cheap idle-poll check; it must not log or trace.
	CountDue(ctx context.Context, stream Stream, maxAttempts int) (int, error)
	// ClaimBatch reserves up to limit due messages for the owner using the
	// conditional-update lease protocol and returns the authoritative batch.
	// A lost race yields an empty batch, not an error.
	ClaimBatch(ctx context.Context, stream Stream, owner uuid.UUID, lease time.Duration, limit, maxAttempts int) ([]Message, error)
	// ProcessMessage runs fn inside one transaction holding the row lock.
	// ErrMessageUnavailable is returned when the row is no longer processable
	// by this owner. An error from fn rolls back every mutation made through
	// the MessageTx.
	ProcessMessage(ctx context.Context, id, owner uuid.UUID, fn func(ctx context.Context, tx MessageTx) error) error
	// SaveBackoff durably records a failed attempt outside the rolled-back
	// dispatch transaction.
	SaveBackoff(ctx context.Context, id uuid.UUID, notBefore time.Time) error
	// MarkPoisoned terminally parks a structurally broken message.
	MarkPoisoned(ctx context.Context, id uuid.UUID) error
	// ListParked returns messages whose attempts reached the cap, for operator
	// inspection.
	ListParked(ctx context.Context, stream Stream, maxAttempts, limit int) ([]Message, error)
}

// DeliveryTx exposes the operations inside one delivery's dispatch transaction.
type DeliveryTx interface {
	// Delivery returns the freshly loaded delivery row.
	Delivery() Delivery
	// Message returns the owning integration event.
	Message() Message
	// MarkProcessed sets the delivery's processed timestamp.
	MarkProcessed(ctx context.Context) error
	// SiblingsRemaining counts unprocessed deliveries for the same event,
	// excluding this one.
	SiblingsRemaining(ctx context.Context) (int, error)
	// MarkMessageProcessed sets the owning event's derived processed flag.
	MarkMessageProcessed(ctx context.Context) error
	// MarkMessagePoisoned terminally parks the owning event; its remaining
	// deliveries stop being due.
	MarkMessagePoisoned(ctx context.Context) error
}

// DeliveryStore is the persistence contract for the integration dispatcher loop.
type DeliveryStore interface {
	// ListDue returns due deliveries ordered by the owning event's creation time.
	ListDue(ctx context.Context, maxAttempts, limit int) ([]Delivery, error)
	// ProcessDelivery runs fn inside one transaction holding the delivery lock.
	ProcessDelivery(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx DeliveryTx) error) error
	// SaveBackoff records a failed attempt for this delivery only.
	SaveBackoff(ctx context.Context, id uuid.UUID, notBefore time.Time) error
	// ListParked returns deliveries whose attempts reached the cap.
	ListParked(ctx context.Context, maxAttempts, limit int) ([]Delivery, error)
}

// RelayStore is the persistence contract for the broker relay strategy. The
// implementation must use row-locking reads (select-for-update-skip-locked)
// so concurrent relay instances partition work without leases.
type RelayStore interface {
	// RelayBatch locks up to limit unprocessed integration messages, invokes
	// publish for each, marks successes processed and failures backed off, all
	// within one transaction.
	RelayBatch(ctx context.Context, limit, maxAttempts int, publish func(ctx context.Context, msg Message) error, backoff func(attempts int) time.Duration) (int, error)
}
