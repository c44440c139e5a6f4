package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outpost/internal/domain/outboxstore"
)

// memStore is an in-memory implementation of the store contracts with staged
// transaction semantics: mutations made through a tx apply only when the
// callback returns nil.
type memStore struct {
	mu         sync.Mutex
	msgs       map[uuid.UUID]*outboxstore.Message
	inbox      map[uuid.UUID]map[string]time.Time
	deliveries map[uuid.UUID]*outboxstore.Delivery
	now        func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		msgs:       make(map[uuid.UUID]*outboxstore.Message),
		inbox:      make(map[uuid.UUID]map[string]time.Time),
		deliveries: make(map[uuid.UUID]*outboxstore.Delivery),
		now:        time.Now,
	}
}

func (s *memStore) add(msg outboxstore.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := msg
	s.msgs[msg.ID] = &copied
}

func (s *memStore) addDelivery(d outboxstore.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := d
	s.deliveries[d.ID] = &copied
}

func (s *memStore) message(id uuid.UUID) outboxstore.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.msgs[id]
}

func (s *memStore) delivery(id uuid.UUID) outboxstore.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deliveries[id]
}

func (s *memStore) inboxHandlers(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for handler := range s.inbox[id] {
		out = append(out, handler)
	}
	sort.Strings(out)
	return out
}

func (s *memStore) seedInbox(id uuid.UUID, handler string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox[id] == nil {
		s.inbox[id] = make(map[string]time.Time)
	}
	s.inbox[id][handler] = s.now()
}

func (s *memStore) dueMessage(m *outboxstore.Message, stream outboxstore.Stream, maxAttempts int, now time.Time) bool {
	return m.Stream == stream && m.Attempts < maxAttempts && m.Due(now)
}

func (s *memStore) CountDue(_ context.Context, stream outboxstore.Stream, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	count := 0
	for _, m := range s.msgs {
		if s.dueMessage(m, stream, maxAttempts, now) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) ClaimBatch(_ context.Context, stream outboxstore.Stream, owner uuid.UUID, lease time.Duration, limit, maxAttempts int) ([]outboxstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*outboxstore.Message
	for _, m := range s.msgs {
		if s.dueMessage(m, stream, maxAttempts, now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	var claimed []outboxstore.Message
	for _, m := range due {
		o := owner
		u := until
		m.ClaimedBy = &o
		m.ClaimedUntil = &u
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *memStore) ProcessMessage(ctx context.Context, id, owner uuid.UUID, fn func(ctx context.Context, tx outboxstore.MessageTx) error) error {
	s.mu.Lock()
	m, ok := s.msgs[id]
	now := s.now()
	if !ok || m.ProcessedAt != nil || m.Poisoned ||
		m.ClaimedBy == nil || *m.ClaimedBy != owner ||
		m.ClaimedUntil == nil || !m.ClaimedUntil.After(now) {
		s.mu.Unlock()
		return outboxstore.ErrMessageUnavailable
	}
	seen := make(map[string]bool, len(s.inbox[id]))
	for handler := range s.inbox[id] {
		seen[handler] = true
	}
	tx := &memMessageTx{msg: *m, seen: seen}
	s.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	applied := s.now()
	for _, handler := range tx.staged {
		if s.inbox[id] == nil {
			s.inbox[id] = make(map[string]time.Time)
		}
		s.inbox[id][handler] = applied
	}
	if tx.processed {
		m.ProcessedAt = &applied
		m.Attempts++
		m.ClaimedBy = nil
		m.ClaimedUntil = nil
	}
	return nil
}

func (s *memStore) SaveBackoff(_ context.Context, id uuid.UUID, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return outboxstore.ErrMessageUnavailable
	}
	m.Attempts++
	gate := notBefore
	m.NotBefore = &gate
	m.ClaimedBy = nil
	m.ClaimedUntil = nil
	return nil
}

func (s *memStore) MarkPoisoned(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return outboxstore.ErrMessageUnavailable
	}
	m.Poisoned = true
	m.ClaimedBy = nil
	m.ClaimedUntil = nil
	return nil
}

func (s *memStore) ListParked(_ context.Context, stream outboxstore.Stream, maxAttempts, limit int) ([]outboxstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.Message
	for _, m := range s.msgs {
		if m.Stream != stream || m.ProcessedAt != nil {
			continue
		}
		if m.Poisoned || m.Attempts >= maxAttempts {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memMessageTx struct {
	msg       outboxstore.Message
	seen      map[string]bool
	staged    []string
	processed bool
}

func (t *memMessageTx) Message() outboxstore.Message { return t.msg }

func (t *memMessageTx) HandlerSeen(_ context.Context, handler string) (bool, error) {
	if t.seen[handler] {
		return true, nil
	}
	for _, staged := range t.staged {
		if staged == handler {
			return true, nil
		}
	}
	return false, nil
}

func (t *memMessageTx) RecordHandled(_ context.Context, handler string) error {
	t.staged = append(t.staged, handler)
	return nil
}

func (t *memMessageTx) MarkProcessed(context.Context) error {
	t.processed = true
	return nil
}

func (s *memStore) ListDue(_ context.Context, maxAttempts, limit int) ([]outboxstore.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []outboxstore.Delivery
	for _, d := range s.deliveries {
		if !d.DueDelivery(now, maxAttempts) {
			continue
		}
		if owner, ok := s.msgs[d.MessageID]; ok && owner.Poisoned {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := s.msgs[out[i].MessageID], s.msgs[out[j].MessageID]
		if !mi.CreatedAt.Equal(mj.CreatedAt) {
			return mi.CreatedAt.Before(mj.CreatedAt)
		}
		return out[i].Subscriber < out[j].Subscriber
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ProcessDelivery(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx outboxstore.DeliveryTx) error) error {
	s.mu.Lock()
	d, ok := s.deliveries[id]
	if !ok || d.ProcessedAt != nil {
		s.mu.Unlock()
		return outboxstore.ErrMessageUnavailable
	}
	msg, ok := s.msgs[d.MessageID]
	if !ok {
		s.mu.Unlock()
		return outboxstore.ErrMessageUnavailable
	}
	tx := &memDeliveryTx{store: s, delivery: *d, msg: *msg}
	s.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	applied := s.now()
	if tx.deliveryProcessed {
		d.ProcessedAt = &applied
		d.Attempts++
	}
	if tx.msgProcessed && msg.ProcessedAt == nil {
		msg.ProcessedAt = &applied
	}
	if tx.msgPoisoned {
		msg.Poisoned = true
	}
	return nil
}

// memDeliveryStore adapts memStore to the delivery-side contract; the backoff
// and parked accessors differ from their message-side counterparts.
type memDeliveryStore struct {
	*memStore
}

func (s memDeliveryStore) SaveBackoff(_ context.Context, id uuid.UUID, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return outboxstore.ErrMessageUnavailable
	}
	d.Attempts++
	gate := notBefore
	d.NotBefore = &gate
	return nil
}

func (s memDeliveryStore) ListParked(_ context.Context, maxAttempts, limit int) ([]outboxstore.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.Delivery
	for _, d := range s.deliveries {
		if d.ProcessedAt == nil && d.Attempts >= maxAttempts {
			out = append(out, *d)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memDeliveryTx struct {
	store             *memStore
	delivery          outboxstore.Delivery
	msg               outboxstore.Message
	deliveryProcessed bool
	msgProcessed      bool
	msgPoisoned       bool
}

func (t *memDeliveryTx) Delivery() outboxstore.Delivery { return t.delivery }

func (t *memDeliveryTx) Message() outboxstore.Message { return t.msg }

func (t *memDeliveryTx) MarkProcessed(context.Context) error {
	t.deliveryProcessed = true
	return nil
}

func (t *memDeliveryTx) SiblingsRemaining(context.Context) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	remaining := 0
	for _, d := range t.store.deliveries {
		if d.MessageID == t.delivery.MessageID && d.ID != t.delivery.ID && d.ProcessedAt == nil {
			remaining++
		}
	}
	return remaining, nil
}

func (t *memDeliveryTx) MarkMessageProcessed(context.Context) error {
	t.msgProcessed = true
	return nil
}

func (t *memDeliveryTx) MarkMessagePoisoned(context.Context) error {
	t.msgPoisoned = true
	return nil
}

func (s *memStore) RelayBatch(ctx context.Context, limit, maxAttempts int, publish func(ctx context.Context, msg outboxstore.Message) error, backoffFn func(attempts int) time.Duration) (int, error) {
	s.mu.Lock()
	now := s.now()
	var batch []*outboxstore.Message
	for _, m := range s.msgs {
		if m.Stream != outboxstore.StreamIntegration || m.ProcessedAt != nil || m.Poisoned {
			continue
		}
		if m.Attempts >= maxAttempts {
			continue
		}
		if m.NotBefore != nil && m.NotBefore.After(now) {
			continue
		}
		batch = append(batch, m)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })
	if len(batch) > limit {
		batch = batch[:limit]
	}
	s.mu.Unlock()

	published := 0
	for _, m := range batch {
		err := publish(ctx, *m)
		s.mu.Lock()
		if err != nil {
			m.Attempts++
			gate := s.now().Add(backoffFn(m.Attempts))
			m.NotBefore = &gate
		} else {
			applied := s.now()
			m.ProcessedAt = &applied
			m.Attempts++
			published++
		}
		s.mu.Unlock()
	}
	return published, nil
}

var (
	_ outboxstore.DomainStore   = (*memStore)(nil)
	_ outboxstore.RelayStore    = (*memStore)(nil)
	_ outboxstore.DeliveryStore = memDeliveryStore{}
	_ outboxstore.MessageTx     = (*memMessageTx)(nil)
	_ outboxstore.DeliveryTx    = (*memDeliveryTx)(nil)
)
