package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

func TestParkedInspectorReport(t *testing.T) {
	store := newMemStore()

	poisoned := domainMessage("ghosts.sighted", 3)
	poisoned.Poisoned = true
	store.add(poisoned)

	capped := integrationMessage("orders.created", 1)
	capped.Attempts = 10
	store.add(capped)

	healthy := domainMessage("orders.created", 1)
	store.add(healthy)

	owning := integrationMessage("orders.created", 1)
	store.add(owning)
	stuck := outboxstore.Delivery{
		ID:         uuid.New(),
		MessageID:  owning.ID,
		Subscriber: "crm",
		Attempts:   10,
		CreatedAt:  time.Now().UTC(),
	}
	store.addDelivery(stuck)

	inspector := NewParkedInspector(store, memDeliveryStore{store})
	report, err := inspector.Report(context.Background(), 10, 16)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if report.Empty() {
		t.Fatal("report should not be empty")
	}
	if len(report.DomainMessages) != 1 || report.DomainMessages[0].ID != poisoned.ID {
		t.Fatalf("unexpected domain parked set: %v", report.DomainMessages)
	}
	if len(report.IntegrationMessages) != 1 || report.IntegrationMessages[0].ID != capped.ID {
		t.Fatalf("unexpected integration parked set: %v", report.IntegrationMessages)
	}
	if len(report.Deliveries) != 1 || report.Deliveries[0].ID != stuck.ID {
		t.Fatalf("unexpected parked deliveries: %v", report.Deliveries)
	}
}

func TestParkedInspectorEmptyReport(t *testing.T) {
	store := newMemStore()
	store.add(domainMessage("orders.created", 1))

	inspector := NewParkedInspector(store, memDeliveryStore{store})
	report, err := inspector.Report(context.Background(), 10, 16)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !report.Empty() {
		t.Fatalf("healthy rows must not be reported: %+v", report)
	}
}
