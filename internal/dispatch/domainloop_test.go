package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outpost/internal/domain/envelope"
	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

type stubPayload struct {
	Amount int `json:"amount"`
}

func testRegistry(t *testing.T) *envelope.Registry {
	t.Helper()
	reg := envelope.NewRegistry()
	if err := reg.Register("orders.created", 1, func() any { return new(stubPayload) }); err != nil {
		t.Fatalf("register type: %v", err)
	}
	return reg
}

func domainMessage(name string, version int) outboxstore.Message {
	return outboxstore.Message{
		ID:        uuid.New(),
		Name:      name,
		Version:   version,
		TenantID:  "tenant-a",
		Payload:   []byte(`{"amount":42}`),
		Stream:    outboxstore.StreamDomain,
		CreatedAt: time.Now().UTC(),
	}
}

func newTestDomainLoop(t *testing.T, store *memStore, handlers *HandlerRegistry) *DomainLoop {
	t.Helper()
	return NewDomainLoop(store, testRegistry(t), handlers, NewBackoffPolicy(5*time.Minute, 8), LoopOptions{})
}

// claimOne reserves the message for the loop's owner so dispatchOne passes the
// ownership check, mirroring what Run does before dispatching.
func claimOne(t *testing.T, store *memStore, loop *DomainLoop, id uuid.UUID) outboxstore.Message {
	t.Helper()
	batch, err := store.ClaimBatch(context.Background(), outboxstore.StreamDomain, loop.Owner(), 30*time.Second, 16, 10)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	for _, msg := range batch {
		if msg.ID == id {
			return msg
		}
	}
	t.Fatalf("message %s not claimed", id)
	return outboxstore.Message{}
}

func TestDomainDispatchRecordsEveryHandlerOnce(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("orders.created", 1)
	store.add(msg)

	invocations := make(map[string]int)
	handlers := NewHandlerRegistry()
	for _, id := range []string{"billing", "shipping"} {
		id := id
		if err := handlers.Register("orders.created", 1, HandlerFunc{ID: id, Fn: func(context.Context, *envelope.Envelope, any) error {
			invocations[id]++
			return nil
		}}); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}

	loop := newTestDomainLoop(t, store, handlers)
	claimed := claimOne(t, store, loop, msg.ID)
	loop.dispatchOne(context.Background(), claimed)

	if invocations["billing"] != 1 || invocations["shipping"] != 1 {
		t.Fatalf("expected one invocation per handler, got %v", invocations)
	}
	got := store.inboxHandlers(msg.ID)
	if len(got) != 2 || got[0] != "billing" || got[1] != "shipping" {
		t.Fatalf("unexpected inbox rows: %v", got)
	}
	final := store.message(msg.ID)
	if final.ProcessedAt == nil {
		t.Fatal("message should be processed")
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", final.Attempts)
	}
}

func TestDomainDispatchHandlerFailureRollsBackInbox(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("orders.created", 1)
	store.add(msg)

	handlers := NewHandlerRegistry()
	if err := handlers.Register("orders.created", 1, HandlerFunc{ID: "billing", Fn: func(context.Context, *envelope.Envelope, any) error {
		return nil
	}}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := handlers.Register("orders.created", 1, HandlerFunc{ID: "shipping", Fn: func(context.Context, *envelope.Envelope, any) error {
		return errors.New("carrier timeout")
	}}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	loop := newTestDomainLoop(t, store, handlers)
	claimed := claimOne(t, store, loop, msg.ID)
	before := time.Now()
	loop.dispatchOne(context.Background(), claimed)

	if rows := store.inboxHandlers(msg.ID); len(rows) != 0 {
		t.Fatalf("inbox rows should be rolled back, got %v", rows)
	}
	final := store.message(msg.ID)
	if final.ProcessedAt != nil {
		t.Fatal("message must remain unprocessed")
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", final.Attempts)
	}
	if final.NotBefore == nil || !final.NotBefore.After(before) {
		t.Fatalf("backoff gate not scheduled: %v", final.NotBefore)
	}
	if final.ClaimedBy != nil {
		t.Fatal("lease should be released on backoff")
	}
}

func TestDomainDispatchSkipsRecordedHandler(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("orders.created", 1)
	store.add(msg)
	store.seedInbox(msg.ID, "billing")

	invocations := make(map[string]int)
	handlers := NewHandlerRegistry()
	for _, id := range []string{"billing", "shipping"} {
		id := id
		if err := handlers.Register("orders.created", 1, HandlerFunc{ID: id, Fn: func(context.Context, *envelope.Envelope, any) error {
			invocations[id]++
			return nil
		}}); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}

	loop := newTestDomainLoop(t, store, handlers)
	claimed := claimOne(t, store, loop, msg.ID)
	loop.dispatchOne(context.Background(), claimed)

	if invocations["billing"] != 0 {
		t.Fatalf("recorded handler re-invoked %d times", invocations["billing"])
	}
	if invocations["shipping"] != 1 {
		t.Fatalf("fresh handler invoked %d times, want 1", invocations["shipping"])
	}
	if store.message(msg.ID).ProcessedAt == nil {
		t.Fatal("message should be processed once the fresh handler runs")
	}
}

func TestDomainClaimRaceHasOneWinner(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("orders.created", 1)
	store.add(msg)

	ctx := context.Background()
	first, err := store.ClaimBatch(ctx, outboxstore.StreamDomain, uuid.New(), 30*time.Second, 16, 10)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := store.ClaimBatch(ctx, outboxstore.StreamDomain, uuid.New(), 30*time.Second, 16, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first claimant got %d messages, want 1", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("second claimant got %d messages, want 0", len(second))
	}
}

func TestDomainDispatchNoHandlersProcessedFirstPass(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("orders.created", 1)
	store.add(msg)

	loop := newTestDomainLoop(t, store, NewHandlerRegistry())
	claimed := claimOne(t, store, loop, msg.ID)
	loop.dispatchOne(context.Background(), claimed)

	final := store.message(msg.ID)
	if final.ProcessedAt == nil {
		t.Fatal("message without handlers should be processed on the first pass")
	}
	if rows := store.inboxHandlers(msg.ID); len(rows) != 0 {
		t.Fatalf("no inbox rows expected, got %v", rows)
	}
}

func TestDomainDispatchUnregisteredTypePoisoned(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("ghosts.sighted", 3)
	store.add(msg)

	loop := newTestDomainLoop(t, store, NewHandlerRegistry())
	claimed := claimOne(t, store, loop, msg.ID)
	loop.dispatchOne(context.Background(), claimed)

	final := store.message(msg.ID)
	if !final.Poisoned {
		t.Fatal("unregistered type should poison the message")
	}
	if final.ProcessedAt != nil {
		t.Fatal("poisoned message must not be processed")
	}
	if final.Attempts != 0 {
		t.Fatalf("poisoning must leave attempts unchanged, got %d", final.Attempts)
	}
	if final.Due(time.Now().Add(time.Hour)) {
		t.Fatal("poisoned message must never become due")
	}

	parked, err := store.ListParked(context.Background(), outboxstore.StreamDomain, 10, 16)
	if err != nil {
		t.Fatalf("list parked: %v", err)
	}
	if len(parked) != 1 || parked[0].ID != msg.ID {
		t.Fatalf("poisoned message should be visible as parked, got %v", parked)
	}
}

func TestDomainDispatchWrongOwnerSkips(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("orders.created", 1)
	store.add(msg)

	// Another instance holds the lease.
	other := uuid.New()
	if _, err := store.ClaimBatch(context.Background(), outboxstore.StreamDomain, other, 30*time.Second, 16, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	invoked := 0
	handlers := NewHandlerRegistry()
	if err := handlers.Register("orders.created", 1, HandlerFunc{ID: "billing", Fn: func(context.Context, *envelope.Envelope, any) error {
		invoked++
		return nil
	}}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	loop := newTestDomainLoop(t, store, handlers)
	loop.dispatchOne(context.Background(), msg)

	if invoked != 0 {
		t.Fatalf("handler invoked %d times under foreign lease", invoked)
	}
	final := store.message(msg.ID)
	if final.ProcessedAt != nil || final.Attempts != 0 {
		t.Fatalf("skipped message must stay untouched: %+v", final)
	}
}

func TestDomainParkedAtAttemptsCapNotDue(t *testing.T) {
	store := newMemStore()
	msg := domainMessage("orders.created", 1)
	msg.Attempts = 10
	store.add(msg)

	due, err := store.CountDue(context.Background(), outboxstore.StreamDomain, 10)
	if err != nil {
		t.Fatalf("count due: %v", err)
	}
	if due != 0 {
		t.Fatalf("parked message counted as due: %d", due)
	}
	parked, err := store.ListParked(context.Background(), outboxstore.StreamDomain, 10, 16)
	if err != nil {
		t.Fatalf("list parked: %v", err)
	}
	if len(parked) != 1 {
		t.Fatalf("expected parked message, got %d", len(parked))
	}
}
