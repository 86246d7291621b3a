package replica

import (
	"sync"

	"github.com/google/uuid"

	"github.com/openreplica/replica-go-sdk/wire"
)

// Binder scopes channels to a single consumer. Each consumer owns its own
// Binder; binders never share channels.
type Binder struct {
	cfg Config

	mu     sync.Mutex
	handle *Handle
}

// NewBinder creates a binder that builds channels from cfg.
func NewBinder(cfg Config) *Binder {
	return &Binder{cfg: cfg}
}

// Bind returns a live handle for sessionID. Binding the session that is
// already bound returns the existing handle; binding a different one tears
// the old handle down first. An empty session id unbinds and returns nil.
func (b *Binder) Bind(sessionID string) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != nil && b.handle.sessionID == sessionID && !b.handle.isClosed() {
		return b.handle
	}
	if b.handle != nil {
		b.handle.Close()
		b.handle = nil
	}
	if sessionID == "" {
		return nil
	}

	b.handle = newHandle(b.cfg, sessionID)
	return b.handle
}

// Unbind tears down the bound handle, if any.
func (b *Binder) Unbind() {
	b.mu.Lock()
	h := b.handle
	b.handle = nil
	b.mu.Unlock()

	h.Close()
}

// Handle returns the bound handle, or nil.
func (b *Binder) Handle() *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

// Handle is the consumer-facing side of a bound session. All methods are
// safe on a nil or closed handle: commands are dropped and subscriptions
// return a no-op disposer.
type Handle struct {
	id        uuid.UUID
	sessionID string
	ch        *Channel

	mu     sync.Mutex
	closed bool
}

func newHandle(cfg Config, sessionID string) *Handle {
	h := &Handle{
		id:        uuid.New(),
		sessionID: sessionID,
		ch:        NewChannel(cfg),
	}
	h.ch.logger.Debug("session bound", "session_id", sessionID, "handle_id", h.id.String())
	h.ch.Connect(sessionID)
	return h
}

// ID returns the handle instance ID.
func (h *Handle) ID() uuid.UUID {
	if h == nil {
		return uuid.Nil
	}
	return h.id
}

// SessionID returns the bound session.
func (h *Handle) SessionID() string {
	if h == nil {
		return ""
	}
	return h.sessionID
}

// Channel exposes the underlying channel.
func (h *Handle) Channel() *Channel {
	if h == nil {
		return nil
	}
	return h.ch
}

// Status returns the current connectivity of the bound channel.
func (h *Handle) Status() Status {
	if h == nil {
		return Status{}
	}
	return h.ch.Status()
}

// Connected reports whether the channel is currently open.
func (h *Handle) Connected() bool {
	return h.Status().Connected
}

// SendUserMessage sends a user_message command.
func (h *Handle) SendUserMessage(text string) {
	h.send(wire.TypeUserMessage, wire.UserMessagePayload{Content: text})
}

// StartAgent sends a start_agent command.
func (h *Handle) StartAgent(agentType string) {
	h.send(wire.TypeStartAgent, wire.StartAgentPayload{AgentType: agentType})
}

// StopAgent sends a stop_agent command.
func (h *Handle) StopAgent() {
	h.send(wire.TypeStopAgent, wire.StopAgentPayload{})
}

func (h *Handle) send(eventType string, data any) {
	if h == nil || h.isClosed() {
		return
	}
	h.ch.Send(eventType, data)
}

// Subscribe registers fn for envelopes of eventType on the bound channel.
func (h *Handle) Subscribe(eventType string, fn Handler) func() {
	if h == nil || h.isClosed() {
		return func() {}
	}
	return h.ch.Subscribe(eventType, fn)
}

// OnStatus registers fn for connectivity transitions on the bound channel.
func (h *Handle) OnStatus(fn StatusHandler) func() {
	if h == nil || h.isClosed() {
		return func() {}
	}
	return h.ch.OnStatus(fn)
}

// Done is closed once the handle's channel has fully shut down.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.ch.Done()
}

// Close disconnects the channel, cancels reconnection and releases every
// subscription made through the handle.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.ch.Close()
	h.ch.logger.Debug("session unbound", "session_id", h.sessionID, "handle_id", h.id.String())
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
