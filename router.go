package replica

import (
	"log/slog"
	"sync"

	"github.com/openreplica/replica-go-sdk/frame"
)

// Handler is a callback for envelopes of one event type.
type Handler func(frame.Envelope)

type registration[T any] struct {
	id uint64
	fn T
}

// Router delivers decoded envelopes to the handlers subscribed to their type.
//
// Handler lists are copy-on-write: Dispatch works from a snapshot, so a
// handler may subscribe or unsubscribe (itself included) while it runs.
type Router struct {
	logger *slog.Logger

	mu   sync.Mutex
	next uint64
	subs map[string][]registration[Handler]
}

// NewRouter creates an empty router. A nil logger means slog.Default().
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger: logger,
		subs:   make(map[string][]registration[Handler]),
	}
}

// Subscribe registers h for eventType. The same handler may be registered
// more than once; it is then invoked once per registration. The returned
// function removes exactly this registration and is safe to call repeatedly.
func (r *Router) Subscribe(eventType string, h Handler) func() {
	if h == nil {
		return func() {}
	}

	r.mu.Lock()
	r.next++
	id := r.next
	r.subs[eventType] = append(r.subs[eventType], registration[Handler]{id: id, fn: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(eventType, id) })
	}
}

func (r *Router) remove(eventType string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.subs[eventType]
	kept := make([]registration[Handler], 0, len(current))
	for _, reg := range current {
		if reg.id != id {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(r.subs, eventType)
		return
	}
	r.subs[eventType] = kept
}

// Dispatch invokes every handler registered for env.Type, in registration
// order. A panicking handler is logged and skipped; the rest still run.
// Envelopes of a type nobody subscribes to are dropped.
func (r *Router) Dispatch(env frame.Envelope) {
	r.mu.Lock()
	handlers := r.subs[env.Type]
	r.mu.Unlock()

	for _, reg := range handlers {
		r.invoke(env, reg.fn)
	}
}

func (r *Router) invoke(env frame.Envelope, h Handler) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked", "type", env.Type, "session_id", env.SessionID, "panic", p)
		}
	}()
	h(env)
}

// Len returns the number of registrations for eventType.
func (r *Router) Len(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[eventType])
}

// Total returns the number of registrations across all event types.
func (r *Router) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, regs := range r.subs {
		n += len(regs)
	}
	return n
}

// Reset drops every registration. Outstanding unsubscribe functions become
// no-ops.
func (r *Router) Reset() {
	r.mu.Lock()
	r.subs = make(map[string][]registration[Handler])
	r.mu.Unlock()
}
