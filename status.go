package replica

import (
	"log/slog"
	"sync"
)

// Status describes the connectivity of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// StatusHandler is a callback for connectivity transitions.
type StatusHandler func(Status)

// StatusBroadcaster announces connectivity transitions to any number of
// observers. It has no memory: a subscriber only sees transitions published
// after it subscribed.
type StatusBroadcaster struct {
	logger *slog.Logger

	mu   sync.Mutex
	next uint64
	subs []registration[StatusHandler]
}

// NewStatusBroadcaster creates a broadcaster with no subscribers.
func NewStatusBroadcaster(logger *slog.Logger) *StatusBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusBroadcaster{logger: logger}
}

// Subscribe registers h for every subsequent transition. The returned
// function removes exactly this registration and is idempotent.
func (b *StatusBroadcaster) Subscribe(h StatusHandler) func() {
	if h == nil {
		return func() {}
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, registration[StatusHandler]{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *StatusBroadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := make([]registration[StatusHandler], 0, len(b.subs))
	for _, reg := range b.subs {
		if reg.id != id {
			kept = append(kept, reg)
		}
	}
	b.subs = kept
}

// Publish delivers s to the current subscribers in registration order.
func (b *StatusBroadcaster) Publish(s Status) {
	b.mu.Lock()
	handlers := b.subs
	b.mu.Unlock()

	for _, reg := range handlers {
		b.invoke(s, reg.fn)
	}
}

func (b *StatusBroadcaster) invoke(s Status, h StatusHandler) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("status handler panicked", "session_id", s.SessionID, "panic", p)
		}
	}()
	h(s)
}

// Len returns the number of subscribers.
func (b *StatusBroadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Reset drops every subscriber.
func (b *StatusBroadcaster) Reset() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}
