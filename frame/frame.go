// Package frame implements the JSON envelope codec for the session event
// channel. Every frame on the wire is a single JSON object:
//
//	{"type": "...", "data": <any>, "timestamp": "<ISO-8601>", "session_id": "..."}
//
// Text WebSocket frames carry the object verbatim. Binary frames carry the
// same object compressed with zstd (see Compress).
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	MaxPayloadLen = 1 << 20 // 1 MiB hard limit

	// DefaultType is assigned to inbound frames that carry no type.
	DefaultType = "message"

	// TimeLayout matches JavaScript's Date.toISOString.
	TimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrMalformed       = errors.New("frame: malformed payload")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrEmptyType       = errors.New("frame: empty event type")
)

// Envelope is the normalized unit exchanged over a channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
}

// Time parses the envelope timestamp. The zero time is returned when the
// server sent something that isn't RFC 3339.
func (e Envelope) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Unmarshal decodes the envelope data into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: no data in %q frame", ErrMalformed, e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

var jsonNull = []byte("null")

// now is swapped in tests.
var now = time.Now

// Stamp formats t the way the channel stamps outgoing frames.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Encode serialises an outgoing command. The timestamp is stamped at encode
// time; sessionID is omitted from the frame when empty.
func Encode(sessionID, typ string, data any) ([]byte, error) {
	if typ == "" {
		return nil, ErrEmptyType
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("frame: encode %q data: %w", typ, err)
	}
	out, err := json.Marshal(Envelope{
		Type:      typ,
		Data:      raw,
		Timestamp: Stamp(now()),
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("frame: encode %q: %w", typ, err)
	}
	if len(out) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}

// Decode parses an inbound frame and attaches sessionID to it.
//
// Decoding is tolerant: a frame without a usable "type" becomes DefaultType,
// a frame whose "data" is missing or null is treated as data in its entirety,
// and a frame without a timestamp is stamped with the current time. Only
// syntactically invalid JSON is rejected.
func Decode(sessionID string, payload []byte) (Envelope, error) {
	if len(payload) > MaxPayloadLen {
		return Envelope{}, ErrPayloadTooLarge
	}
	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(payload))
	}

	env := Envelope{SessionID: sessionID}

	var fields map[string]json.RawMessage
	if payload[0] == '{' {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if raw, ok := fields["type"]; ok {
		var typ string
		if json.Unmarshal(raw, &typ) == nil {
			env.Type = typ
		}
	}
	if env.Type == "" {
		env.Type = DefaultType
	}

	if raw, ok := fields["data"]; ok && !bytes.Equal(raw, jsonNull) {
		env.Data = raw
	} else {
		env.Data = json.RawMessage(payload)
	}

	if raw, ok := fields["timestamp"]; ok {
		var ts string
		if json.Unmarshal(raw, &ts) == nil {
			env.Timestamp = ts
		}
	}
	if env.Timestamp == "" {
		env.Timestamp = Stamp(now())
	}

	return env, nil
}
