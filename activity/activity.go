// Package activity projects agent events from a session channel into an
// activity feed: a bounded, ordered list of what the agent did, plus its most
// recent thought and whether it is running.
package activity

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	replica "github.com/openreplica/replica-go-sdk"
	"github.com/openreplica/replica-go-sdk/frame"
	"github.com/openreplica/replica-go-sdk/wire"
)

// DefaultLimit bounds the feed when New is given a non-positive limit.
const DefaultLimit = 200

// Kind classifies an activity.
type Kind string

const (
	KindAction      Kind = "action"
	KindObservation Kind = "observation"
	KindThought     Kind = "thought"
)

// Status is the state an activity was reported in.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Activity is one entry in the feed.
type Activity struct {
	ID      string          `json:"id"`
	Time    time.Time       `json:"time"`
	Kind    Kind            `json:"kind"`
	Content string          `json:"content"`
	Status  Status          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Source is anything events can be subscribed on; *replica.Handle and
// *replica.Channel both qualify.
type Source interface {
	Subscribe(eventType string, fn replica.Handler) func()
}

// Feed accumulates activities. It is safe for concurrent use.
type Feed struct {
	limit int

	mu       sync.Mutex
	items    []Activity
	thought  string
	running  bool
	onAppend []func(Activity)
}

// New creates an empty feed holding at most limit activities.
func New(limit int) *Feed {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Feed{limit: limit}
}

// Attach subscribes the feed to the agent events of src. The returned
// function detaches it again.
func (f *Feed) Attach(src Source) func() {
	unsubs := []func(){
		src.Subscribe(wire.TypeAgentStarted, func(frame.Envelope) { f.setRunning(true) }),
		src.Subscribe(wire.TypeAgentStopped, func(frame.Envelope) { f.setRunning(false) }),
		src.Subscribe(wire.TypeAgentAction, f.onAction),
		src.Subscribe(wire.TypeAgentObservation, f.onObservation),
		src.Subscribe(wire.TypeAgentThought, f.onThought),
		src.Subscribe(wire.TypeAgentError, f.onError),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// OnAppend registers fn to run after each new activity is recorded.
func (f *Feed) OnAppend(fn func(Activity)) {
	f.mu.Lock()
	f.onAppend = append(f.onAppend, fn)
	f.mu.Unlock()
}

// Activities returns a copy of the feed, oldest first.
func (f *Feed) Activities() []Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Activity, len(f.items))
	copy(out, f.items)
	return out
}

// CurrentThought returns the agent's latest thought.
func (f *Feed) CurrentThought() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thought
}

// Running reports whether the agent was last seen started.
func (f *Feed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Clear empties the feed.
func (f *Feed) Clear() {
	f.mu.Lock()
	f.items = nil
	f.thought = ""
	f.mu.Unlock()
}

func (f *Feed) setRunning(v bool) {
	f.mu.Lock()
	f.running = v
	f.mu.Unlock()
}

func (f *Feed) onAction(env frame.Envelope) {
	var p wire.AgentActionPayload
	_ = json.Unmarshal(env.Data, &p)
	f.append(env, KindAction, orDefault(p.Action, "Agent action"), StatusRunning)
}

func (f *Feed) onObservation(env frame.Envelope) {
	var p wire.AgentObservationPayload
	_ = json.Unmarshal(env.Data, &p)
	f.append(env, KindObservation, orDefault(p.Content, "Agent observation"), StatusCompleted)
}

func (f *Feed) onThought(env frame.Envelope) {
	var p wire.AgentThoughtPayload
	_ = json.Unmarshal(env.Data, &p)

	f.mu.Lock()
	f.thought = p.Text()
	f.mu.Unlock()

	if p.Thought != "" {
		f.append(env, KindThought, p.Thought, StatusCompleted)
	}
}

func (f *Feed) onError(env frame.Envelope) {
	var p wire.AgentErrorPayload
	_ = json.Unmarshal(env.Data, &p)
	f.append(env, KindAction, orDefault(p.Error, "Agent error"), StatusError)
}

func (f *Feed) append(env frame.Envelope, kind Kind, content string, status Status) {
	at := env.Time()
	if at.IsZero() {
		at = time.Now()
	}
	a := Activity{
		ID:      uuid.NewString(),
		Time:    at,
		Kind:    kind,
		Content: content,
		Status:  status,
		Details: env.Data,
	}

	f.mu.Lock()
	f.items = append(f.items, a)
	if over := len(f.items) - f.limit; over > 0 {
		f.items = append([]Activity(nil), f.items[over:]...)
	}
	hooks := f.onAppend
	f.mu.Unlock()

	for _, fn := range hooks {
		fn(a)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
