package envelope

import (
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tidewater/outpost/errs"
)

// Factory returns a fresh, addressable payload value for deserialization.
type Factory func() any

// Registry maps a (name, version) pair to a payload factory so stored messages
// can be deserialized polymorphically without a shared compiled reference.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry constructs an empty type registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a payload factory to the (name, version) pair. Registering
// the same pair twice is a configuration error.
func (r *Registry) Register(name string, version int, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.New(errs.CodeConfig, errs.WithMessage("event name required"))
	}
	if version <= 0 {
		return errs.New(errs.CodeConfig, errs.WithMessage("event version must be > 0"), errs.WithEvent(name, version))
	}
	if factory == nil {
		return errs.New(errs.CodeConfig, errs.WithMessage("payload factory required"), errs.WithEvent(name, version))
	}
	key := TypeKey(name, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return errs.New(errs.CodeConfig, errs.WithMessage("duplicate registration"), errs.WithEvent(name, version))
	}
	r.factories[key] = factory
	return nil
}

// Resolve reports whether a factory is registered for the pair.
func (r *Registry) Resolve(name string, version int) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[TypeKey(name, version)]
	return factory, ok
}

// Decode deserializes the raw payload into the registered concrete type.
// An unregistered pair or a malformed payload yields a terminal (poison)
// error; the message must not be retried.
func (r *Registry) Decode(name string, version int, payload json.RawMessage) (any, error) {
	factory, ok := r.Resolve(name, version)
	if !ok {
		return nil, errs.Poison(errs.CodeUnresolvableType, errs.WithEvent(name, version))
	}
	value := factory()
	if value == nil {
		return nil, errs.Poison(errs.CodeUnresolvableType,
			errs.WithEvent(name, version),
			errs.WithMessage("factory returned nil"))
	}
	if err := json.Unmarshal(payload, value); err != nil {
		return nil, errs.Poison(errs.CodeMalformedPayload,
			errs.WithEvent(name, version),
			errs.WithCause(fmt.Errorf("decode payload: %w", err)))
	}
	return value, nil
}
