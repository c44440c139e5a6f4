// Package envelope defines the event envelope and the polymorphic type registry.
package envelope

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Envelope wraps a serialized event payload with identity, version, and
// causality metadata. It is the unit persisted in the outbox and handed to
// handlers at dispatch time.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Version       int             `json:"version"`
	TenantID      string          `json:"tenantId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId"`
	Payload       json.RawMessage `json:"payload"`
}

// Option configures an Envelope under construction.
type Option func(*Envelope)

// WithTenant sets the tenant identifier.
func WithTenant(tenantID string) Option {
	return func(e *Envelope) {
		e.TenantID = strings.TrimSpace(tenantID)
	}
}

// WithCorrelation sets causal metadata linking this event to the request that
// produced it and the event that caused it.
func WithCorrelation(correlationID, causationID string) Option {
	return func(e *Envelope) {
		e.CorrelationID = strings.TrimSpace(correlationID)
		e.CausationID = strings.TrimSpace(causationID)
	}
}

// WithOccurredAt overrides the event timestamp.
func WithOccurredAt(t time.Time) Option {
	return func(e *Envelope) {
		if !t.IsZero() {
			e.OccurredAt = t
		}
	}
}

// WithID overrides the generated event identity.
func WithID(id uuid.UUID) Option {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.ID = id
		}
	}
}

// New constructs an Envelope around an already-typed payload, serializing it.
func New(name string, version int, payload any, opts ...Option) (*Envelope, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("envelope: name required")
	}
	if version <= 0 {
		return nil, fmt.Errorf("envelope: version must be > 0")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode payload: %w", err)
	}
	env := &Envelope{
		ID:         uuid.New(),
		Name:       name,
		Version:    version,
		OccurredAt: time.Now().UTC(),
		Payload:    json.RawMessage(raw),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}
	return env, nil
}

// Type returns the registry key string "name.v{version}".
func (e *Envelope) Type() string {
	return TypeKey(e.Name, e.Version)
}

// TypeKey formats the canonical (name, version) key used by registries and
// relay topics.
func TypeKey(name string, version int) string {
	return fmt.Sprintf("%s.v%d", strings.TrimSpace(name), version)
}
