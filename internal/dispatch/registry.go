package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tidewater/outpost/errs"
	"github.com/tidewater/outpost/internal/domain/envelope"
)

// Handler is an in-process consumer of dispatched events. Identity must be
// stable across releases: it is the inbox idempotency key.
type Handler interface {
	Identity() string
	Handle(ctx context.Context, env *envelope.Envelope, payload any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	ID string
	Fn func(ctx context.Context, env *envelope.Envelope, payload any) error
}

// Identity returns the stable handler identity string.
func (h HandlerFunc) Identity() string { return h.ID }

// Handle invokes the wrapped function.
func (h HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope, payload any) error {
	return h.Fn(ctx, env, payload)
}

// HandlerRegistry maps a (name, version) pair to the ordered set of in-process
// handlers invoked by the domain dispatcher loop. Registration is validated up
// front; dispatch never performs runtime type lookup.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewHandlerRegistry constructs an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string][]Handler)}
}

// Register appends a handler for the (name, version) pair. Handler identities
// must be unique within a pair.
func (r *HandlerRegistry) Register(name string, version int, handler Handler) error {
	if handler == nil {
		return errs.New(errs.CodeConfig, errs.WithMessage("handler required"), errs.WithEvent(name, version))
	}
	identity := strings.TrimSpace(handler.Identity())
	if identity == "" {
		return errs.New(errs.CodeConfig, errs.WithMessage("handler identity required"), errs.WithEvent(name, version))
	}
	key := envelope.TypeKey(name, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers[key] {
		if existing.Identity() == identity {
			return errs.New(errs.CodeConfig,
				errs.WithMessage("duplicate handler identity"),
				errs.WithEvent(name, version),
				errs.WithHandler(identity))
		}
	}
	r.handlers[key] = append(r.handlers[key], handler)
	return nil
}

// Resolve returns the handlers registered for the pair, in registration order.
// Zero handlers is valid: the message completes with no side effects.
func (r *HandlerRegistry) Resolve(name string, version int) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registered := r.handlers[envelope.TypeKey(name, version)]
	out := make([]Handler, len(registered))
	copy(out, registered)
	return out
}

// SubscriberRegistry is the closed mapping from (name, version) to subscriber
// identities and their statically-known handlers, used for integration
// fan-out. Subscribers are bound at startup; dispatch resolves by identity
// string only.
type SubscriberRegistry struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Handler
}

// NewSubscriberRegistry constructs an empty subscriber registry.
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{subscribers: make(map[string]map[string]Handler)}
}

// Subscribe binds a subscriber handler to the (name, version) pair under the
// handler's identity.
func (r *SubscriberRegistry) Subscribe(name string, version int, handler Handler) error {
	if handler == nil {
		return errs.New(errs.CodeConfig, errs.WithMessage("subscriber handler required"), errs.WithEvent(name, version))
	}
	identity := strings.TrimSpace(handler.Identity())
	if identity == "" {
		return errs.New(errs.CodeConfig, errs.WithMessage("subscriber identity required"), errs.WithEvent(name, version))
	}
	key := envelope.TypeKey(name, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = make(map[string]Handler)
	}
	if _, exists := r.subscribers[key][identity]; exists {
		return errs.New(errs.CodeConfig,
			errs.WithMessage("duplicate subscriber identity"),
			errs.WithEvent(name, version),
			errs.WithHandler(identity))
	}
	r.subscribers[key][identity] = handler
	return nil
}

// Subscribers returns the sorted identities registered for the pair. An empty
// result is valid: the event fans out to nobody.
func (r *SubscriberRegistry) Subscribers(name string, version int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound := r.subscribers[envelope.TypeKey(name, version)]
	if len(bound) == 0 {
		return nil
	}
	out := make([]string, 0, len(bound))
	for identity := range bound {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the handler bound under the identity for the pair.
func (r *SubscriberRegistry) Resolve(name string, version int, identity string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.subscribers[envelope.TypeKey(name, version)][identity]
	return handler, ok
}
