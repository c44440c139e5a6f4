package dispatch

import (
	"context"
	"testing"

	"github.com/tidewater/outpost/internal/domain/envelope"
)

func noopHandler(id string) Handler {
	return HandlerFunc{ID: id, Fn: func(context.Context, *envelope.Envelope, any) error { return nil }}
}

func TestHandlerRegistryOrderAndUniqueness(t *testing.T) {
	reg := NewHandlerRegistry()
	for _, id := range []string{"billing.invoice", "audit.trail", "search.index"} {
		if err := reg.Register("orders.created", 1, noopHandler(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := reg.Register("orders.created", 1, noopHandler("billing.invoice")); err == nil {
		t.Fatal("expected duplicate identity rejection")
	}

	handlers := reg.Resolve("orders.created", 1)
	if len(handlers) != 3 {
		t.Fatalf("resolved %d handlers", len(handlers))
	}
	// Registration order is preserved.
	want := []string{"billing.invoice", "audit.trail", "search.index"}
	for i, h := range handlers {
		if h.Identity() != want[i] {
			t.Fatalf("handler %d: %s, want %s", i, h.Identity(), want[i])
		}
	}

	if got := reg.Resolve("orders.created", 2); len(got) != 0 {
		t.Fatalf("unexpected handlers for unregistered version: %d", len(got))
	}
}

func TestHandlerRegistryRejections(t *testing.T) {
	reg := NewHandlerRegistry()
	if err := reg.Register("orders.created", 1, nil); err == nil {
		t.Fatal("expected nil handler rejection")
	}
	if err := reg.Register("orders.created", 1, noopHandler("  ")); err == nil {
		t.Fatal("expected empty identity rejection")
	}
}

func TestSubscriberRegistry(t *testing.T) {
	reg := NewSubscriberRegistry()
	for _, id := range []string{"warehouse", "crm", "analytics"} {
		if err := reg.Subscribe("orders.created", 1, noopHandler(id)); err != nil {
			t.Fatalf("subscribe %s: %v", id, err)
		}
	}
	if err := reg.Subscribe("orders.created", 1, noopHandler("crm")); err == nil {
		t.Fatal("expected duplicate subscriber rejection")
	}

	subscribers := reg.Subscribers("orders.created", 1)
	if len(subscribers) != 3 {
		t.Fatalf("subscribers: %v", subscribers)
	}
	want := []string{"analytics", "crm", "warehouse"}
	for i, s := range subscribers {
		if s != want[i] {
			t.Fatalf("subscriber %d: %s, want %s", i, s, want[i])
		}
	}

	if got := reg.Subscribers("payments.settled", 1); got != nil {
		t.Fatalf("unexpected subscribers: %v", got)
	}

	if _, ok := reg.Resolve("orders.created", 1, "crm"); !ok {
		t.Fatal("expected crm subscriber resolution")
	}
	if _, ok := reg.Resolve("orders.created", 1, "ghost"); ok {
		t.Fatal("unexpected resolution for unknown identity")
	}
}
