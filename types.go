package replica

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Time is a backend timestamp. The backend writes naive UTC datetimes
// ("2024-05-01T10:00:00.123456"), which time.Time refuses; both forms are
// accepted here.
type Time struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}

// --------------------------------------------------------------------------
// Session Types
// --------------------------------------------------------------------------

// CreateSessionRequest is sent to POST /api/sessions/create. Empty fields take
// the server defaults (agent "codeact", provider "openai", model "gpt-4").
type CreateSessionRequest struct {
	WorkspaceName string `json:"workspace_name,omitempty"`
	AgentType     string `json:"agent_type,omitempty"`
	LLMProvider   string `json:"llm_provider,omitempty"`
	LLMModel      string `json:"llm_model,omitempty"`
}

// Session describes an agent session on the backend.
type Session struct {
	SessionID     string `json:"session_id"`
	WorkspaceName string `json:"workspace_name"`
	AgentType     string `json:"agent_type"`
	LLMProvider   string `json:"llm_provider"`
	LLMModel      string `json:"llm_model"`
	Status        string `json:"status"`
	CreatedAt     Time   `json:"created_at"`
	LastActivity  Time   `json:"last_activity"`
	MessageCount  int    `json:"message_count"`
}

// SessionsResponse is returned by GET /api/sessions/.
type SessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// --------------------------------------------------------------------------
// Message Types
// --------------------------------------------------------------------------

// Message roles accepted by the session message log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionMessage is one entry of a session's message log.
type SessionMessage struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp Time   `json:"timestamp"`
	EventType string `json:"event_type,omitempty"`
}

// MessagesResponse is returned by GET /api/sessions/{id}/messages.
type MessagesResponse struct {
	Messages []SessionMessage `json:"messages"`
}

// --------------------------------------------------------------------------
// Event Types
// --------------------------------------------------------------------------

// EventsResponse is returned by GET /api/sessions/{id}/events. Events are
// schema-free; each one is kept raw.
type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// messageResponse is the acknowledgement body of DELETE and event POSTs.
type messageResponse struct {
	Message string `json:"message"`
}
