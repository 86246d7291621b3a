// Package replica provides a Go client for the session event channel of an
// autonomous coding agent backend. A Channel keeps one WebSocket open to a
// per-session endpoint, reconnects with exponential backoff when it drops, and
// fans typed events out to subscribers. A Binder scopes a channel to the
// consumer that needs it.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openreplica/replica-go-sdk/frame"
	"github.com/openreplica/replica-go-sdk/wire"
)

const (
	DefaultEndpoint             = "http://localhost:8000"
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second

	connectPath = "/api/ws/connect/"
)

// Config holds connection parameters. The zero value connects to
// DefaultEndpoint with the default backoff policy.
type Config struct {
	Endpoint string // backend base URL (e.g. "https://replica.example.com"); the WebSocket scheme follows it
	Token    string // optional bearer token sent with the upgrade request

	ReconnectDelay       time.Duration // base backoff delay, doubled per attempt
	MaxReconnectAttempts int           // 0 means DefaultMaxReconnectAttempts, negative disables reconnection
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration // application-level ping while open; 0 disables

	Compress bool // send large envelopes as zstd binary frames

	Logger *slog.Logger
	Dialer Dialer // nil means a WSDialer built from the fields above
}

func (cfg Config) withDefaults() Config {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		d := &WSDialer{Timeout: cfg.DialTimeout, WriteTimeout: cfg.WriteTimeout}
		if cfg.Token != "" {
			d.Header = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
		}
		cfg.Dialer = d
	}
	return cfg
}

// maxBackoff is where ReconnectBackoff saturates instead of overflowing.
const maxBackoff = time.Duration(math.MaxInt64)

// ReconnectBackoff returns the delay before reconnection attempt n (1-based):
// base * 2^(n-1), saturating at maxBackoff.
func ReconnectBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if base <= 0 || shift == 0 {
		return base
	}
	if shift >= 63 || base > maxBackoff>>shift {
		return maxBackoff
	}
	return base << shift
}

// EndpointURL returns the WebSocket URL of the session endpoint. http and
// https endpoints map to ws and wss.
func (cfg Config) EndpointURL(sessionID string) (string, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", endpoint)
	}
	base := strings.TrimRight(u.EscapedPath(), "/")
	return u.Scheme + "://" + u.Host + base + connectPath + url.PathEscape(sessionID), nil
}

// State is a channel's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type stopper interface {
	Stop() bool
}

// Channel owns the connection for one session. All of its I/O completions,
// timers, status broadcasts and event dispatch run on a single event loop,
// so transitions are observed in the order they happen and handlers for one
// event type see frames in arrival order. Public methods never block on the
// network.
type Channel struct {
	cfg    Config
	id     uuid.UUID
	logger *slog.Logger

	router *Router
	status *StatusBroadcaster

	afterFunc func(time.Duration, func()) stopper

	mbox     *mailbox
	loopDone chan struct{}

	// epoch is bumped by Connect, Disconnect and Close. Work started under an
	// older epoch is discarded; the check and the start of a dial happen
	// under mu so nothing dials after Disconnect returns.
	mu        sync.Mutex
	epoch     uint64
	closed    bool
	closeOnce sync.Once

	snapMu  sync.RWMutex
	current Status
	state   State

	// owned by the event loop
	sessionID  string
	runEpoch   uint64
	gen        uint64 // identifies the physical connection attempt
	conn       Conn
	attempts   int
	retry      stopper
	dialCancel context.CancelFunc
	stopPing   func()
	shutdown   bool
}

// NewChannel creates an idle channel and starts its event loop.
func NewChannel(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	id := uuid.New()
	c := &Channel{
		cfg:      cfg,
		id:       id,
		logger:   cfg.Logger.With("channel_id", id.String()),
		loopDone: make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		mbox: newMailbox(),
	}
	c.router = NewRouter(c.logger)
	c.status = NewStatusBroadcaster(c.logger)
	go c.loop()
	return c
}

// ID returns the channel instance ID.
func (c *Channel) ID() uuid.UUID { return c.id }

// Status returns the current connectivity status.
func (c *Channel) Status() Status {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.current
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.state
}

// SessionID returns the session the channel was last asked to connect to.
func (c *Channel) SessionID() string {
	return c.Status().SessionID
}

// Done is closed once the channel has been closed and its event loop has
// exited.
func (c *Channel) Done() <-chan struct{} { return c.loopDone }

// Subscribe registers h for envelopes of eventType.
// After Close it registers nothing and returns a no-op.
func (c *Channel) Subscribe(eventType string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	return c.router.Subscribe(eventType, h)
}

// OnStatus registers h for connectivity transitions from now on. After Close
// it registers nothing and returns a no-op.
func (c *Channel) OnStatus(h StatusHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	return c.status.Subscribe(h)
}

// Connect opens a connection to the session endpoint, closing any existing
// connection first.
func (c *Channel) Connect(sessionID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	c.snapMu.Lock()
	if !c.current.Connected {
		c.current.SessionID = sessionID
	}
	c.snapMu.Unlock()

	c.mbox.post(func() { c.handleConnect(epoch, sessionID) })
}

// Disconnect closes the connection with a normal closure and cancels any
// pending reconnection. Once it returns no further connection attempt is
// started, even if a retry timer fires or a close event for the old
// connection arrives afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()

	c.mbox.post(func() {
		c.dropConn(CloseNormal, "client disconnecting")
		c.logger.Info("disconnected", "session_id", c.sessionID)
	})
}

// Close disconnects, releases every event and status subscription, and stops
// the event loop. It does not wait; use Done to observe completion.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.epoch++
		c.closed = true
		c.router.Reset()
		c.status.Reset()
		c.mu.Unlock()

		c.mbox.post(func() {
			c.dropConn(CloseNormal, "client disconnecting")
			c.shutdown = true
		})
	})
}

// Send encodes and writes a command. It only has an effect while the channel
// is open; otherwise the command is logged and dropped. It never reports an
// error to the caller.
func (c *Channel) Send(eventType string, data any) {
	c.mbox.post(func() { c.write(eventType, data) })
}

// --- Event loop ---

func (c *Channel) loop() {
	defer close(c.loopDone)
	for range c.mbox.wake {
		for _, fn := range c.mbox.drain() {
			fn()
		}
		if c.shutdown {
			// anything that raced in is stale; running it releases late
			// connections
			for _, fn := range c.mbox.stop() {
				fn()
			}
			c.logger.Debug("event loop stopped")
			return
		}
	}
}

func (c *Channel) setState(s State) {
	c.snapMu.Lock()
	c.state = s
	c.snapMu.Unlock()
}

// publish records s as the current status and broadcasts it.
func (c *Channel) publish(s Status) {
	c.snapMu.Lock()
	c.current = s
	c.snapMu.Unlock()
	c.status.Publish(s)
}

func (c *Channel) handleConnect(epoch uint64, sessionID string) {
	c.dropConn(CloseNormal, "client reconnecting")

	c.sessionID = sessionID
	c.attempts = 0
	c.snapMu.Lock()
	c.current.SessionID = sessionID
	c.snapMu.Unlock()

	c.startDial(epoch)
}

// startDial launches a connection attempt unless epoch has been superseded.
func (c *Channel) startDial(epoch uint64) {
	target, err := c.cfg.EndpointURL(c.sessionID)
	if err != nil {
		if c.currentEpoch() != epoch {
			return
		}
		c.logger.Error("invalid session endpoint", "session_id", c.sessionID, "error", err)
		c.setState(StateClosed)
		c.publish(Status{SessionID: c.sessionID, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.runEpoch = epoch
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.dialCancel = cancel
	go func() {
		conn, err := c.cfg.Dialer.Dial(ctx, target)
		cancel()
		if !c.mbox.post(func() { c.handleDialed(gen, conn, err) }) && conn != nil {
			conn.Close(CloseNormal, "superseded")
		}
	}()
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.logger.Debug("dialing", "session_id", c.sessionID, "url", target, "attempt", c.attempts)
}

func (c *Channel) handleDialed(gen uint64, conn Conn, err error) {
	if gen != c.gen || c.currentEpoch() != c.runEpoch {
		if conn != nil {
			conn.Close(CloseNormal, "superseded")
		}
		return
	}
	c.dialCancel = nil

	if err != nil {
		c.handleLost(gen, err)
		return
	}

	c.conn = conn
	c.attempts = 0
	c.setState(StateOpen)
	c.logger.Info("connected", "session_id", c.sessionID)
	c.publish(Status{Connected: true, SessionID: c.sessionID})

	c.write(wire.TypeConnection, wire.ConnectionPayload{
		SessionID: c.sessionID,
		Timestamp: frame.Stamp(time.Now()),
	})
	if c.conn != conn {
		// the handshake write failed and the attempt is already being retried
		return
	}

	go c.readLoop(gen, conn)
	if c.cfg.PingInterval > 0 {
		c.startPing(gen)
	}
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		data, binary, err := conn.ReadMessage()
		if err != nil {
			c.mbox.post(func() { c.handleLost(gen, err) })
			return
		}
		c.mbox.post(func() { c.handleFrame(gen, data, binary) })
	}
}

func (c *Channel) handleFrame(gen uint64, data []byte, binary bool) {
	if gen != c.gen {
		return
	}

	var (
		env frame.Envelope
		err error
	)
	if binary {
		env, err = frame.DecodeBinary(c.sessionID, data)
	} else {
		env, err = frame.Decode(c.sessionID, data)
	}
	if err != nil {
		c.logger.Warn("dropping bad frame", "session_id", c.sessionID, "error", err)
		return
	}
	c.router.Dispatch(env)
}

// handleLost runs when the current attempt fails to dial or its connection
// ends for any reason other than Disconnect.
func (c *Channel) handleLost(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.gen++
	if c.conn != nil {
		c.conn.Close(CloseGoingAway, "")
		c.conn = nil
	}
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}

	reason := closeReason(err)
	c.logger.Warn("connection lost", "session_id", c.sessionID, "error", err)
	c.setState(StateClosed)
	c.publish(Status{SessionID: c.sessionID, Error: reason})

	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	if c.currentEpoch() != c.runEpoch {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Warn("giving up reconnecting", "session_id", c.sessionID, "attempts", c.attempts)
		return
	}

	c.attempts++
	delay := ReconnectBackoff(c.cfg.ReconnectDelay, c.attempts)
	epoch := c.runEpoch
	c.setState(StateReconnecting)
	c.logger.Info("reconnecting", "session_id", c.sessionID, "delay", delay,
		"attempt", c.attempts, "max_attempts", c.cfg.MaxReconnectAttempts)

	c.retry = c.afterFunc(delay, func() {
		c.mbox.post(func() {
			c.retry = nil
			c.startDial(epoch)
		})
	})
}

// dropConn tears down whatever the loop is currently doing: pending retry,
// in-flight dial, open connection.
func (c *Channel) dropConn(code int, reason string) {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	c.gen++

	if c.conn != nil {
		c.setState(StateClosing)
		if err := c.conn.Close(code, reason); err != nil {
			c.logger.Debug("close connection", "session_id", c.sessionID, "error", err)
		}
		c.conn = nil
	}

	if c.State() != StateIdle {
		c.setState(StateClosed)
	}
	if c.Status().Connected {
		c.publish(Status{SessionID: c.sessionID, Error: reason})
	}
}

func (c *Channel) write(eventType string, data any) {
	if c.conn == nil || c.State() != StateOpen {
		c.logger.Warn("channel not open, message not sent", "session_id", c.sessionID, "type", eventType)
		return
	}

	payload, err := frame.Encode(c.sessionID, eventType, data)
	if err != nil {
		c.logger.Error("encode message", "session_id", c.sessionID, "type", eventType, "error", err)
		return
	}
	binary := false
	if c.cfg.Compress {
		payload, binary = frame.Compress(payload)
	}

	if err := c.conn.WriteMessage(payload, binary); err != nil {
		c.handleLost(c.gen, fmt.Errorf("write %s: %w", eventType, err))
	}
}

func (c *Channel) startPing(gen uint64) {
	stop := make(chan struct{})
	c.stopPing = func() { close(stop) }
	interval := c.cfg.PingInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mbox.post(func() {
					if gen == c.gen {
						c.write(wire.TypePing, struct{}{})
					}
				})
			case <-stop:
				return
			}
		}
	}()
}

func (c *Channel) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func closeReason(err error) string {
	var ce *CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	if err != nil {
		return err.Error()
	}
	return "connection closed"
}

// --- Mailbox ---

// mailbox is the event loop's unbounded FIFO. Posting never blocks, so loop
// callbacks (handlers included) can post to their own loop.
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// post queues fn and reports whether it was accepted. Nothing is accepted
// once the loop has stopped.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// stop closes the mailbox and returns what was still queued.
func (m *mailbox) stop() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	q := m.queue
	m.queue = nil
	return q
}
