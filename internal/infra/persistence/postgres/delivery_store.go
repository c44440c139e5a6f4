package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

// DeliveryStore persists per-subscriber delivery rows for integration events.
// Each subscriber retries on its own schedule without disturbing siblings.
type DeliveryStore struct {
	pool *pgxpool.Pool
}

// NewDeliveryStore constructs a DeliveryStore backed by the provided pool.
func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

const deliveryColumns = `
    d.id,
    d.message_id,
    d.subscriber,
    d.attempts,
    d.processed_at,
    d.not_before,
    d.created_at`

const (
	deliveryListDueSQL = `
SELECT` + deliveryColumns + `
FROM integration_deliveries d
JOIN outbox_messages m ON m.id = d.message_id
WHERE d.processed_at IS NULL
  AND d.attempts < $1
  AND (d.not_before IS NULL OR d.not_before <= NOW())
  AND m.poisoned = FALSE
ORDER BY m.created_at ASC, d.subscriber ASC
LIMIT $2;
`

	deliveryLockSQL = `
SELECT` + deliveryColumns + `
FROM integration_deliveries d
WHERE d.id = $1
FOR UPDATE;
`

	deliveryMarkProcessedSQL = `
UPDATE integration_deliveries
SET processed_at = NOW(),
    attempts = attempts + 1
WHERE id = $1
  AND processed_at IS NULL;
`

	deliveryBackoffSQL = `
UPDATE integration_deliveries
SET attempts = attempts + 1,
    not_before = $2
WHERE id = $1
  AND processed_at IS NULL;
`

	deliveryParkedSQL = `
SELECT` + deliveryColumns + `
FROM integration_deliveries d
WHERE d.processed_at IS NULL
  AND d.attempts >= $1
ORDER BY d.created_at ASC
LIMIT $2;
`

	deliverySiblingsSQL = `
SELECT COUNT(*)
FROM integration_deliveries
WHERE message_id = $1
  AND id <> $2
  AND processed_at IS NULL;
`

	messageLoadSQL = `
SELECT` + messageColumns + `
FROM outbox_messages
WHERE id = $1;
`

	messageDeriveProcessedSQL = `
UPDATE outbox_messages
SET processed_at = NOW()
WHERE id = $1
  AND processed_at IS NULL;
`

	messageDerivePoisonedSQL = `
UPDATE outbox_messages
SET poisoned = TRUE
WHERE id = $1
  AND processed_at IS NULL;
`
)

// ListDue returns due deliveries ordered by the owning event's creation time.
func (s *DeliveryStore) ListDue(ctx context.Context, maxAttempts, limit int) ([]outboxstore.Delivery, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("delivery store: nil pool")
	}
	limit = clampLimit(limit, defaultBatchLimit, maxBatchLimit)
	rows, err := s.pool.Query(ctx, deliveryListDueSQL, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery store: list due: %w", err)
	}
	return scanDeliveries(rows)
}

// ProcessDelivery locks the delivery row and runs fn inside the same
// transaction. outboxstore.ErrMessageUnavailable means the row is gone or
// already processed.
func (s *DeliveryStore) ProcessDelivery(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx outboxstore.DeliveryTx) error) error {
	if s.pool == nil {
		return fmt.Errorf("delivery store: nil pool")
	}
	if fn == nil {
		return fmt.Errorf("delivery store: process callback required")
	}
	return withTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		delivery, err := scanDelivery(tx.QueryRow(ctx, deliveryLockSQL, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.ErrMessageUnavailable
		}
		if err != nil {
			return err
		}
		if delivery.ProcessedAt != nil {
			return outboxstore.ErrMessageUnavailable
		}
		msg, err := scanMessage(tx.QueryRow(ctx, messageLoadSQL, delivery.MessageID))
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.ErrMessageUnavailable
		}
		if err != nil {
			return err
		}
		return fn(ctx, &deliveryTx{tx: tx, delivery: delivery, msg: msg})
	})
}

// SaveBackoff records a failed attempt for this delivery only.
func (s *DeliveryStore) SaveBackoff(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("delivery store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, deliveryBackoffSQL, id, notBefore.UTC())
	if err != nil {
		return fmt.Errorf("delivery store: save backoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery store: save backoff: no rows updated")
	}
	return nil
}

// ListParked returns deliveries whose attempts reached the cap.
func (s *DeliveryStore) ListParked(ctx context.Context, maxAttempts, limit int) ([]outboxstore.Delivery, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("delivery store: nil pool")
	}
	limit = clampLimit(limit, defaultBatchLimit, maxBatchLimit)
	rows, err := s.pool.Query(ctx, deliveryParkedSQL, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery store: list parked: %w", err)
	}
	return scanDeliveries(rows)
}

type deliveryTx struct {
	tx       pgx.Tx
	delivery outboxstore.Delivery
	msg      outboxstore.Message
}

func (t *deliveryTx) Delivery() outboxstore.Delivery { return t.delivery }

func (t *deliveryTx) Message() outboxstore.Message { return t.msg }

func (t *deliveryTx) MarkProcessed(ctx context.Context) error {
	tag, err := t.tx.Exec(ctx, deliveryMarkProcessedSQL, t.delivery.ID)
	if err != nil {
		return fmt.Errorf("delivery store: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outboxstore.ErrMessageUnavailable
	}
	return nil
}

func (t *deliveryTx) SiblingsRemaining(ctx context.Context) (int, error) {
	var remaining int
	if err := t.tx.QueryRow(ctx, deliverySiblingsSQL, t.delivery.MessageID, t.delivery.ID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("delivery store: count siblings: %w", err)
	}
	return remaining, nil
}

func (t *deliveryTx) MarkMessageProcessed(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, messageDeriveProcessedSQL, t.delivery.MessageID); err != nil {
		return fmt.Errorf("delivery store: mark message processed: %w", err)
	}
	return nil
}

func (t *deliveryTx) MarkMessagePoisoned(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, messageDerivePoisonedSQL, t.delivery.MessageID); err != nil {
		return fmt.Errorf("delivery store: mark message poisoned: %w", err)
	}
	return nil
}

func scanDelivery(row rowScanner) (outboxstore.Delivery, error) {
	var (
		delivery    outboxstore.Delivery
		processedAt pgtype.Timestamptz
		notBefore   pgtype.Timestamptz
	)
	if err := row.Scan(
		&delivery.ID,
		&delivery.MessageID,
		&delivery.Subscriber,
		&delivery.Attempts,
		&processedAt,
		&notBefore,
		&delivery.CreatedAt,
	); err != nil {
		return outboxstore.Delivery{}, fmt.Errorf("delivery store: scan delivery: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		delivery.ProcessedAt = &t
	}
	if notBefore.Valid {
		t := notBefore.Time
		delivery.NotBefore = &t
	}
	return delivery, nil
}

func scanDeliveries(rows pgx.Rows) ([]outboxstore.Delivery, error) {
	defer rows.Close()
	var deliveries []outboxstore.Delivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery store: iterate deliveries: %w", err)
	}
	return deliveries, nil
}

var (
	_ outboxstore.DeliveryStore = (*DeliveryStore)(nil)
	_ outboxstore.DeliveryTx    = (*deliveryTx)(nil)
)
