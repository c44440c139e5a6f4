package dispatch

import (
	"context"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

// ParkedReport lists rows that stopped being due: messages whose attempts
// reached the cap or that were poisoned, and deliveries at the attempts cap.
// Parked rows are silent by design, so this report is the operator's window
// into them.
type ParkedReport struct {
	DomainMessages      []outboxstore.Message
	IntegrationMessages []outboxstore.Message
	Deliveries          []outboxstore.Delivery
}

// Empty reports whether nothing is parked.
func (r ParkedReport) Empty() bool {
	return len(r.DomainMessages) == 0 && len(r.IntegrationMessages) == 0 && len(r.Deliveries) == 0
}

// ParkedInspector reads parked state across both streams and the delivery
// table.
type ParkedInspector struct {
	store      outboxstore.DomainStore
	deliveries outboxstore.DeliveryStore
}

// NewParkedInspector constructs an inspector over the given stores.
func NewParkedInspector(store outboxstore.DomainStore, deliveries outboxstore.DeliveryStore) *ParkedInspector {
	return &ParkedInspector{store: store, deliveries: deliveries}
}

// Report collects up to limit parked rows per table under the given attempts
// cap.
func (i *ParkedInspector) Report(ctx context.Context, maxAttempts, limit int) (ParkedReport, error) {
	var report ParkedReport
	var err error

	report.DomainMessages, err = i.store.ListParked(ctx, outboxstore.StreamDomain, maxAttempts, limit)
	if err != nil {
		return ParkedReport{}, err
	}
	report.IntegrationMessages, err = i.store.ListParked(ctx, outboxstore.StreamIntegration, maxAttempts, limit)
	if err != nil {
		return ParkedReport{}, err
	}
	if i.deliveries != nil {
		report.Deliveries, err = i.deliveries.ListParked(ctx, maxAttempts, limit)
		if err != nil {
			return ParkedReport{}, err
		}
	}
	return report, nil
}
