// Package postgres implements the outbox, inbox, and delivery stores on
// PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
	"github.com/tidewater/outpost/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed stores behind a shared pool.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Outbox returns the outbox store bound to the shared pool.
func (s *Store) Outbox() *OutboxStore {
	return NewOutboxStore(s.Pool())
}

// Deliveries returns the delivery store bound to the shared pool.
func (s *Store) Deliveries() *DeliveryStore {
	return NewDeliveryStore(s.Pool())
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	runErr := fn(ctx, tx)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("postgres: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (outboxstore.Message, error) {
	var (
		msg          outboxstore.Message
		payload      []byte
		stream       string
		traceFlags   int16
		processedAt  pgtype.Timestamptz
		notBefore    pgtype.Timestamptz
		claimedBy    pgtype.UUID
		claimedUntil pgtype.Timestamptz
	)
	if err := row.Scan(
		&msg.ID,
		&msg.Name,
		&msg.Version,
		&msg.TenantID,
		&payload,
		&msg.CorrelationID,
		&msg.CausationID,
		&msg.Trace.TraceID,
		&msg.Trace.SpanID,
		&traceFlags,
		&msg.Trace.TraceState,
		&stream,
		&msg.CreatedAt,
		&msg.Attempts,
		&processedAt,
		&notBefore,
		&claimedBy,
		&claimedUntil,
		&msg.Poisoned,
	); err != nil {
		return outboxstore.Message{}, fmt.Errorf("postgres: scan message: %w", err)
	}
	msg.Payload = json.RawMessage(payload)
	msg.Stream = outboxstore.Stream(stream)
	msg.Trace.TraceFlags = byte(traceFlags)
	if processedAt.Valid {
		t := processedAt.Time
		msg.ProcessedAt = &t
	}
	if notBefore.Valid {
		t := notBefore.Time
		msg.NotBefore = &t
	}
	if claimedBy.Valid {
		id := uuidFromBytes(claimedBy.Bytes)
		msg.ClaimedBy = &id
	}
	if claimedUntil.Valid {
		t := claimedUntil.Time
		msg.ClaimedUntil = &t
	}
	return msg, nil
}

func scanMessages(rows pgx.Rows) ([]outboxstore.Message, error) {
	defer rows.Close()
	var messages []outboxstore.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return messages, nil
}

func scanIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func uuidFromBytes(raw [16]byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], raw[:])
	return id
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
