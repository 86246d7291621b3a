package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	data := map[string]any{
		"thought": "planning",
		"steps":   []any{1.0, "two", map[string]any{"three": true}},
	}

	encoded, err := Encode("abc123", "agent_thought", data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode("abc123", encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if env.Type != "agent_thought" {
		t.Errorf("type: got %q, want %q", env.Type, "agent_thought")
	}
	if env.SessionID != "abc123" {
		t.Errorf("session_id: got %q, want %q", env.SessionID, "abc123")
	}

	want, _ := json.Marshal(data)
	if !bytes.Equal(env.Data, want) {
		t.Errorf("data: got %s, want %s", env.Data, want)
	}
}

func TestRoundTripScalars(t *testing.T) {
	values := []any{false, 0, "", "hi", []any{}, map[string]any{}}

	for _, v := range values {
		encoded, err := Encode("", "user_message", v)
		if err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
		env, err := Decode("s", encoded)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		want, _ := json.Marshal(v)
		if env.Type != "user_message" {
			t.Errorf("type mismatch for %v: %q", v, env.Type)
		}
		if !bytes.Equal(env.Data, want) {
			t.Errorf("data mismatch for %v: got %s, want %s", v, env.Data, want)
		}
	}
}

func TestEncodeStampsTimestamp(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	encoded, err := Encode("abc123", "stop_agent", struct{}{})
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["timestamp"] != "2024-03-01T12:30:45.123Z" {
		t.Errorf("timestamp: got %v", raw["timestamp"])
	}
	if raw["session_id"] != "abc123" {
		t.Errorf("session_id: got %v", raw["session_id"])
	}
}

func TestEncodeOmitsEmptySession(t *testing.T) {
	encoded, err := Encode("", "stop_agent", struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(encoded, []byte("session_id")) {
		t.Errorf("unexpected session_id in %s", encoded)
	}
}

func TestEncodeRejectsEmptyType(t *testing.T) {
	_, err := Encode("s", "", nil)
	if !errors.Is(err, ErrEmptyType) {
		t.Errorf("expected ErrEmptyType, got %v", err)
	}
}

func TestEncodeUnsupportedData(t *testing.T) {
	_, err := Encode("s", "user_message", make(chan int))
	if err == nil {
		t.Error("expected error for unserialisable data")
	}
}

func TestDecodeDefaultsType(t *testing.T) {
	env, err := Decode("abc123", []byte(`{"data":{"content":"hi"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != DefaultType {
		t.Errorf("type: got %q, want %q", env.Type, DefaultType)
	}
	if string(env.Data) != `{"content":"hi"}` {
		t.Errorf("data: got %s", env.Data)
	}
}

func TestDecodeNonStringType(t *testing.T) {
	env, err := Decode("s", []byte(`{"type":42,"data":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != DefaultType {
		t.Errorf("type: got %q, want %q", env.Type, DefaultType)
	}
}

func TestDecodeWholePayloadAsData(t *testing.T) {
	payload := `{"type":"connection","status":"connected","session_id":"abc123"}`
	env, err := Decode("abc123", []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "connection" {
		t.Errorf("type: got %q", env.Type)
	}
	if string(env.Data) != payload {
		t.Errorf("data: got %s, want %s", env.Data, payload)
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := env.Unmarshal(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "connected" {
		t.Errorf("status: got %q", status.Status)
	}
}

func TestDecodeNullDataIsWholePayload(t *testing.T) {
	payload := `{"type":"status","status":"running","data":null}`
	env, err := Decode("abc123", []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "status" {
		t.Errorf("type: got %q", env.Type)
	}
	if string(env.Data) != payload {
		t.Errorf("data: got %s, want %s", env.Data, payload)
	}

	encoded, err := Encode("abc123", "stop_agent", nil)
	if err != nil {
		t.Fatal(err)
	}
	env, err = Decode("abc123", encoded)
	if err != nil {
		t.Fatal(err)
	}
	if string(env.Data) != string(encoded) {
		t.Errorf("nil data: got %s, want the whole frame", env.Data)
	}
}

func TestDecodeNonObject(t *testing.T) {
	env, err := Decode("s", []byte(`["a","b"]`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != DefaultType {
		t.Errorf("type: got %q", env.Type)
	}
	if string(env.Data) != `["a","b"]` {
		t.Errorf("data: got %s", env.Data)
	}
}

func TestDecodeKeepsServerTimestamp(t *testing.T) {
	env, err := Decode("s", []byte(`{"type":"message","data":1,"timestamp":"2024-01-02T03:04:05.000Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Timestamp != "2024-01-02T03:04:05.000Z" {
		t.Errorf("timestamp: got %q", env.Timestamp)
	}
	if got := env.Time(); !got.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("time: got %v", got)
	}
}

func TestDecodeStampsMissingTimestamp(t *testing.T) {
	env, err := Decode("s", []byte(`{"type":"message","data":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Time().IsZero() {
		t.Errorf("expected a timestamp, got %q", env.Timestamp)
	}
}

func TestDecodeSessionIDIsClientSide(t *testing.T) {
	env, err := Decode("mine", []byte(`{"type":"message","data":1,"session_id":"theirs"}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.SessionID != "mine" {
		t.Errorf("session_id: got %q, want %q", env.SessionID, "mine")
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{``, `{`, `{"type":}`, `not json`} {
		_, err := Decode("s", []byte(in))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestDecodeOversized(t *testing.T) {
	big := make([]byte, MaxPayloadLen+1)
	_, err := Decode("s", big)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestUnmarshalEmptyData(t *testing.T) {
	var v any
	if err := (Envelope{Type: "x"}).Unmarshal(&v); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestCompression(t *testing.T) {
	// Small payload: should not compress
	small := []byte(`{"type":"ping"}`)
	result, compressed := Compress(small)
	if compressed {
		t.Error("small payload should not compress")
	}
	if !bytes.Equal(result, small) {
		t.Error("small payload should be unchanged")
	}

	// Large payload: should compress (repeating data compresses well)
	content := string(bytes.Repeat([]byte("agent observation output line "), 100))
	large, err := Encode("abc123", "agent_observation", map[string]string{"content": content})
	if err != nil {
		t.Fatal(err)
	}
	result, compressed = Compress(large)
	if !compressed {
		t.Error("large repeating payload should compress")
	}
	if len(result) >= len(large) {
		t.Errorf("compressed (%d) should be smaller than original (%d)", len(result), len(large))
	}

	env, err := DecodeBinary("abc123", result)
	if err != nil {
		t.Fatalf("decode binary: %v", err)
	}
	if env.Type != "agent_observation" {
		t.Errorf("type: got %q", env.Type)
	}
	var obs struct {
		Content string `json:"content"`
	}
	if err := env.Unmarshal(&obs); err != nil {
		t.Fatal(err)
	}
	if obs.Content != content {
		t.Error("decompressed content doesn't match original")
	}
}

func TestDecompressGarbage(t *testing.T) {
	_, err := DecodeBinary("s", []byte("definitely not zstd"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
