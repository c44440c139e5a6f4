package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

// OutboxStore persists outbox messages and the inbox ledger. It implements
// both the lease-based domain dispatch contract and the row-locking relay
// contract.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultBatchLimit = 128
	maxBatchLimit     = 1024
)

const messageColumns = `
    id,
    name,
    version,
    tenant_id,
    payload,
    correlation_id,
    causation_id,
    trace_id,
    span_id,
    trace_flags,
    trace_state,
    stream,
    created_at,
    attempts,
    processed_at,
    not_before,
    claimed_by,
    claimed_until,
    poisoned`

const (
	messageInsertSQL = `
INSERT INTO outbox_messages (
    id,
    name,
    version,
    tenant_id,
    payload,
    correlation_id,
    causation_id,
    trace_id,
    span_id,
    trace_flags,
    trace_state,
    stream,
    created_at,
    processed_at
)
VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, 'null'::jsonb), $6, $7, $8, $9, $10, $11, $12, $13, $14);
`

	deliveryInsertSQL = `
INSERT INTO integration_deliveries (id, message_id, subscriber, created_at)
VALUES ($1, $2, $3, $4);
`

	messageCountDueSQL = `
SELECT COUNT(*)
FROM outbox_messages
WHERE stream = $1
  AND processed_at IS NULL
  AND poisoned = FALSE
  AND attempts < $2
  AND (not_before IS NULL OR not_before <= NOW())
  AND (claimed_until IS NULL OR claimed_until <= NOW());
`

	messageCandidatesSQL = `
SELECT id
FROM outbox_messages
WHERE stream = $1
  AND processed_at IS NULL
  AND poisoned = FALSE
  AND attempts < $2
  AND (not_before IS NULL OR not_before <= NOW())
  AND (claimed_until IS NULL OR claimed_until <= NOW())
ORDER BY created_at ASC
LIMIT $3;
`

	messageClaimSQL = `
UPDATE outbox_messages
SET claimed_by = $1,
    claimed_until = $2
WHERE id = ANY($3)
  AND processed_at IS NULL
  AND poisoned = FALSE
  AND (not_before IS NULL OR not_before <= NOW())
  AND (claimed_until IS NULL OR claimed_until <= NOW());
`

	messageClaimedSQL = `
SELECT` + messageColumns + `
FROM outbox_messages
WHERE claimed_by = $1
  AND claimed_until = $2
  AND processed_at IS NULL
ORDER BY created_at ASC;
`

	messageLockSQL = `
SELECT` + messageColumns + `
FROM outbox_messages
WHERE id = $1
FOR UPDATE;
`

	messageMarkProcessedSQL = `
UPDATE outbox_messages
SET processed_at = NOW(),
    attempts = attempts + 1,
    claimed_by = NULL,
    claimed_until = NULL
WHERE id = $1
  AND processed_at IS NULL;
`

	messageBackoffSQL = `
UPDATE outbox_messages
SET attempts = attempts + 1,
    not_before = $2,
    claimed_by = NULL,
    claimed_until = NULL
WHERE id = $1
  AND processed_at IS NULL;
`

	messagePoisonSQL = `
UPDATE outbox_messages
SET poisoned = TRUE,
    claimed_by = NULL,
    claimed_until = NULL
WHERE id = $1
  AND processed_at IS NULL;
`

	messageParkedSQL = `
SELECT` + messageColumns + `
FROM outbox_messages
WHERE stream = $1
  AND processed_at IS NULL
  AND (poisoned = TRUE OR attempts >= $2)
ORDER BY created_at ASC
LIMIT $3;
`

	messageRelayLockSQL = `
SELECT` + messageColumns + `
FROM outbox_messages
WHERE stream = $1
  AND processed_at IS NULL
  AND poisoned = FALSE
  AND attempts < $2
  AND (not_before IS NULL OR not_before <= NOW())
ORDER BY created_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED;
`

	inboxExistsSQL = `
SELECT EXISTS (
    SELECT 1
    FROM inbox_messages
    WHERE message_id = $1
      AND handler = $2
);
`

	inboxInsertSQL = `
INSERT INTO inbox_messages (message_id, handler, received_at, processed_at, attempts)
VALUES ($1, $2, NOW(), NOW(), 1);
`
)

// CountDue reports how many messages on the stream are currently eligible for
// dispatch. It is the idle-poll probe and stays silent on the wire.
func (s *OutboxStore) CountDue(ctx context.Context, stream outboxstore.Stream, maxAttempts int) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	var count int
	if err := s.pool.QueryRow(ctx, messageCountDueSQL, string(stream), maxAttempts).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox store: count due: %w", err)
	}
	return count, nil
}

// ClaimBatch reserves up to limit due messages for the owner. The claim is a
// conditional update over a candidate set followed by an authoritative
// re-read, so a competing dispatcher winning the race simply shrinks or
// empties the returned batch.
func (s *OutboxStore) ClaimBatch(ctx context.Context, stream outboxstore.Stream, owner uuid.UUID, lease time.Duration, limit, maxAttempts int) ([]outboxstore.Message, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("outbox store: lease duration required")
	}
	limit = clampLimit(limit, defaultBatchLimit, maxBatchLimit)

	rows, err := s.pool.Query(ctx, messageCandidatesSQL, string(stream), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: select candidates: %w", err)
	}
	candidates, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("outbox store: scan candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	claimedUntil := time.Now().Add(lease).UTC().Truncate(time.Microsecond)
	if _, err := s.pool.Exec(ctx, messageClaimSQL, owner, claimedUntil, candidates); err != nil {
		return nil, fmt.Errorf("outbox store: claim batch: %w", err)
	}

	claimed, err := s.pool.Query(ctx, messageClaimedSQL, owner, claimedUntil)
	if err != nil {
		return nil, fmt.Errorf("outbox store: read claimed: %w", err)
	}
	return scanMessages(claimed)
}

// ProcessMessage locks the row, revalidates the lease, and runs fn inside the
// same transaction. An error from fn rolls back every mutation made through
// the MessageTx; outboxstore.ErrMessageUnavailable means the row is gone,
// finished, or owned elsewhere.
func (s *OutboxStore) ProcessMessage(ctx context.Context, id, owner uuid.UUID, fn func(ctx context.Context, tx outboxstore.MessageTx) error) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	if fn == nil {
		return fmt.Errorf("outbox store: process callback required")
	}
	return withTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		msg, err := scanMessage(tx.QueryRow(ctx, messageLockSQL, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.ErrMessageUnavailable
		}
		if err != nil {
			return err
		}
		if msg.ProcessedAt != nil || msg.Poisoned {
			return outboxstore.ErrMessageUnavailable
		}
		if msg.ClaimedBy == nil || *msg.ClaimedBy != owner {
			return outboxstore.ErrMessageUnavailable
		}
		if msg.ClaimedUntil == nil || !msg.ClaimedUntil.After(time.Now()) {
			return outboxstore.ErrMessageUnavailable
		}
		return fn(ctx, &messageTx{tx: tx, msg: msg})
	})
}

// SaveBackoff records a failed attempt and the next eligibility gate. It runs
// in its own transaction so the retry state survives the rolled-back dispatch.
func (s *OutboxStore) SaveBackoff(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, messageBackoffSQL, id, notBefore.UTC())
	if err != nil {
		return fmt.Errorf("outbox store: save backoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: save backoff: no rows updated")
	}
	return nil
}

// MarkPoisoned terminally parks a structurally broken message.
func (s *OutboxStore) MarkPoisoned(ctx context.Context, id uuid.UUID) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, messagePoisonSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark poisoned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark poisoned: no rows updated")
	}
	return nil
}

// ListParked returns poisoned messages and messages whose attempts reached the
// cap, for operator inspection.
func (s *OutboxStore) ListParked(ctx context.Context, stream outboxstore.Stream, maxAttempts, limit int) ([]outboxstore.Message, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	limit = clampLimit(limit, defaultBatchLimit, maxBatchLimit)
	rows, err := s.pool.Query(ctx, messageParkedSQL, string(stream), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list parked: %w", err)
	}
	return scanMessages(rows)
}

// RelayBatch locks a batch of unpublished integration messages with
// skip-locked reads, publishes each, and records the outcome in the same
// transaction. Concurrent relay instances partition rows without leases.
func (s *OutboxStore) RelayBatch(ctx context.Context, limit, maxAttempts int, publish func(ctx context.Context, msg outboxstore.Message) error, backoff func(attempts int) time.Duration) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	if publish == nil {
		return 0, fmt.Errorf("outbox store: publish callback required")
	}
	if backoff == nil {
		return 0, fmt.Errorf("outbox store: backoff callback required")
	}
	limit = clampLimit(limit, defaultBatchLimit, maxBatchLimit)

	published := 0
	err := withTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, messageRelayLockSQL, string(outboxstore.StreamIntegration), maxAttempts, limit)
		if err != nil {
			return fmt.Errorf("outbox store: lock relay batch: %w", err)
		}
		batch, err := scanMessages(rows)
		if err != nil {
			return err
		}
		for _, msg := range batch {
			if err := publish(ctx, msg); err != nil {
				gate := time.Now().Add(backoff(msg.Attempts + 1)).UTC()
				if _, execErr := tx.Exec(ctx, messageBackoffSQL, msg.ID, gate); execErr != nil {
					return fmt.Errorf("outbox store: record relay failure: %w", execErr)
				}
				continue
			}
			if _, err := tx.Exec(ctx, messageMarkProcessedSQL, msg.ID); err != nil {
				return fmt.Errorf("outbox store: mark relayed: %w", err)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

type messageTx struct {
	tx  pgx.Tx
	msg outboxstore.Message
}

func (t *messageTx) Message() outboxstore.Message { return t.msg }

func (t *messageTx) HandlerSeen(ctx context.Context, handler string) (bool, error) {
	handler = strings.TrimSpace(handler)
	if handler == "" {
		return false, fmt.Errorf("outbox store: handler identity required")
	}
	var seen bool
	if err := t.tx.QueryRow(ctx, inboxExistsSQL, t.msg.ID, handler).Scan(&seen); err != nil {
		return false, fmt.Errorf("outbox store: inbox lookup: %w", err)
	}
	return seen, nil
}

func (t *messageTx) RecordHandled(ctx context.Context, handler string) error {
	handler = strings.TrimSpace(handler)
	if handler == "" {
		return fmt.Errorf("outbox store: handler identity required")
	}
	if _, err := t.tx.Exec(ctx, inboxInsertSQL, t.msg.ID, handler); err != nil {
		return fmt.Errorf("outbox store: record handled: %w", err)
	}
	return nil
}

func (t *messageTx) MarkProcessed(ctx context.Context) error {
	tag, err := t.tx.Exec(ctx, messageMarkProcessedSQL, t.msg.ID)
	if err != nil {
		return fmt.Errorf("outbox store: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outboxstore.ErrMessageUnavailable
	}
	return nil
}

// TxWriter appends outbox rows through the producer's open transaction. The
// rows commit or vanish together with the business change.
type TxWriter struct {
	tx pgx.Tx
}

// NewTxWriter wraps the producer's transaction for outbox appends.
func NewTxWriter(tx pgx.Tx) *TxWriter {
	return &TxWriter{tx: tx}
}

// Append inserts the message row into the producer's transaction.
func (w *TxWriter) Append(ctx context.Context, msg outboxstore.Message) error {
	if w.tx == nil {
		return fmt.Errorf("outbox store: nil transaction")
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := w.tx.Exec(ctx, messageInsertSQL,
		msg.ID,
		msg.Name,
		msg.Version,
		msg.TenantID,
		[]byte(msg.Payload),
		msg.CorrelationID,
		msg.CausationID,
		msg.Trace.TraceID,
		msg.Trace.SpanID,
		int16(msg.Trace.TraceFlags),
		msg.Trace.TraceState,
		string(msg.Stream),
		createdAt.UTC(),
		msg.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("outbox store: append message: %w", err)
	}
	return nil
}

// AppendDelivery inserts one subscriber's delivery row alongside the message.
func (w *TxWriter) AppendDelivery(ctx context.Context, d outboxstore.Delivery) error {
	if w.tx == nil {
		return fmt.Errorf("outbox store: nil transaction")
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := w.tx.Exec(ctx, deliveryInsertSQL, d.ID, d.MessageID, d.Subscriber, createdAt.UTC()); err != nil {
		return fmt.Errorf("outbox store: append delivery: %w", err)
	}
	return nil
}

var (
	_ outboxstore.DomainStore = (*OutboxStore)(nil)
	_ outboxstore.RelayStore  = (*OutboxStore)(nil)
	_ outboxstore.MessageTx   = (*messageTx)(nil)
	_ outboxstore.Writer      = (*TxWriter)(nil)
)
