// Package wire defines the JSON payload types carried in the "data" field of
// session channel envelopes. The channel itself treats data as opaque; these
// types exist for the commands the SDK sends and for consumers that want typed
// access to agent events.
package wire

import "encoding/json"

// Outbound command types (client -> server).
const (
	TypeConnection  = "connection"
	TypeUserMessage = "user_message"
	TypeStartAgent  = "start_agent"
	TypeStopAgent   = "stop_agent"
	TypePing        = "ping"
)

// Inbound event types (server -> client).
const (
	TypeAgentStarted     = "agent_started"
	TypeAgentStopped     = "agent_stopped"
	TypeAgentAction      = "agent_action"
	TypeAgentObservation = "agent_observation"
	TypeAgentThought     = "agent_thought"
	TypeAgentError       = "agent_error"
	TypeMessage          = "message"
	TypeStatus           = "status"
	TypeError            = "error"
	TypePong             = "pong"
)

// AgentEventTypes lists the event types an agent emits while it runs.
var AgentEventTypes = []string{
	TypeAgentStarted,
	TypeAgentStopped,
	TypeAgentAction,
	TypeAgentObservation,
	TypeAgentThought,
	TypeAgentError,
}

// ConnectionPayload is the handshake sent automatically once a connection
// opens.
type ConnectionPayload struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

// UserMessagePayload is the payload of a user_message command.
type UserMessagePayload struct {
	Content string `json:"content"`
}

// StartAgentPayload is the payload of a start_agent command.
type StartAgentPayload struct {
	AgentType string `json:"agent_type"`
}

// StopAgentPayload is the payload of a stop_agent command. It is always an
// empty object on the wire.
type StopAgentPayload struct{}

// ServerConnectionPayload is what the server sends when it accepts a socket.
type ServerConnectionPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// AgentStartedPayload is the payload of agent_started.
type AgentStartedPayload struct {
	AgentType string `json:"agent_type,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// AgentStoppedPayload is the payload of agent_stopped.
type AgentStoppedPayload struct {
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// AgentActionPayload is the payload of agent_action.
type AgentActionPayload struct {
	Action  string          `json:"action"`
	Args    json.RawMessage `json:"args,omitempty"`
	Thought string          `json:"thought,omitempty"`
}

// AgentObservationPayload is the payload of agent_observation.
type AgentObservationPayload struct {
	Content     string `json:"content"`
	Observation string `json:"observation,omitempty"`
}

// AgentThoughtPayload is the payload of agent_thought. Older servers put the
// text in Content instead of Thought.
type AgentThoughtPayload struct {
	Thought string `json:"thought,omitempty"`
	Content string `json:"content,omitempty"`
}

// Text returns the thought text from whichever field carries it.
func (p AgentThoughtPayload) Text() string {
	if p.Thought != "" {
		return p.Thought
	}
	return p.Content
}

// AgentErrorPayload is the payload of agent_error.
type AgentErrorPayload struct {
	Error string `json:"error"`
}

// ErrorPayload is sent by the server when it rejects a frame.
type ErrorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
