package main

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	replica "github.com/openreplica/replica-go-sdk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replicactl.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyConfigFile(t *testing.T) {
	path := writeConfig(t, `
endpoint = "https://replica.example.com"
token = " secret "
reconnect_delay = "500ms"
max_reconnect_attempts = 3
ping_interval = "30s"
compress = true
agent = "codeact"
events = ["message", "status,error", "message"]
log_level = "debug"
`)

	opts := defaultOptions()
	if err := applyConfigFile(path, &opts); err != nil {
		t.Fatal(err)
	}

	if opts.cfg.Endpoint != "https://replica.example.com" || opts.cfg.Token != "secret" {
		t.Errorf("connection: %+v", opts.cfg)
	}
	if opts.cfg.ReconnectDelay != 500*time.Millisecond || opts.cfg.MaxReconnectAttempts != 3 {
		t.Errorf("backoff: delay=%v attempts=%d", opts.cfg.ReconnectDelay, opts.cfg.MaxReconnectAttempts)
	}
	if opts.cfg.PingInterval != 30*time.Second || !opts.cfg.Compress {
		t.Errorf("ping=%v compress=%v", opts.cfg.PingInterval, opts.cfg.Compress)
	}
	if opts.agent != "codeact" || opts.logLevel != "debug" {
		t.Errorf("agent=%q log_level=%q", opts.agent, opts.logLevel)
	}
	if want := []string{"message", "status", "error"}; !reflect.DeepEqual(opts.events, want) {
		t.Errorf("events: got %v, want %v", opts.events, want)
	}
}

func TestApplyConfigFileKeepsUnsetKeys(t *testing.T) {
	path := writeConfig(t, `agent = "codeact"`)

	opts := defaultOptions()
	if err := applyConfigFile(path, &opts); err != nil {
		t.Fatal(err)
	}
	if opts.cfg.Endpoint != replica.DefaultEndpoint {
		t.Errorf("endpoint: got %q", opts.cfg.Endpoint)
	}
	if opts.cfg.MaxReconnectAttempts != replica.DefaultMaxReconnectAttempts {
		t.Errorf("attempts: got %d", opts.cfg.MaxReconnectAttempts)
	}
	if opts.logLevel != "info" {
		t.Errorf("log level: got %q", opts.logLevel)
	}
}

func TestApplyConfigFileErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":  `endpont = "http://localhost:8000"`,
		"bad duration": `reconnect_delay = "soon"`,
		"bad toml":     `endpoint = `,
	}
	for name, body := range tests {
		opts := defaultOptions()
		if err := applyConfigFile(writeConfig(t, body), &opts); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	opts := defaultOptions()
	if err := applyConfigFile(filepath.Join(t.TempDir(), "missing.toml"), &opts); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestParseOptionsFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
endpoint = "https://replica.example.com"
agent = "codeact"
max_reconnect_attempts = 3
`)

	opts, err := parseOptions([]string{"--config", path, "--agent", "browsing", "--events", "message,status", "abc123"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.cfg.Endpoint != "https://replica.example.com" {
		t.Errorf("endpoint from file lost: %q", opts.cfg.Endpoint)
	}
	if opts.agent != "browsing" {
		t.Errorf("agent: got %q, want flag value", opts.agent)
	}
	if opts.cfg.MaxReconnectAttempts != 3 {
		t.Errorf("attempts: got %d", opts.cfg.MaxReconnectAttempts)
	}
	if want := []string{"message", "status"}; !reflect.DeepEqual(opts.events, want) {
		t.Errorf("events: got %v", opts.events)
	}
	if opts.sessionID != "abc123" {
		t.Errorf("session: got %q", opts.sessionID)
	}
}

func TestParseOptionsSessionArgs(t *testing.T) {
	if _, err := parseOptions(nil); err == nil {
		t.Error("no session: expected error")
	}
	if _, err := parseOptions([]string{"--create", "abc123"}); err == nil {
		t.Error("--create with session: expected error")
	}
	if _, err := parseOptions([]string{"a", "b"}); err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Errorf("two sessions: got %v", err)
	}

	opts, err := parseOptions([]string{"--create"})
	if err != nil || !opts.create {
		t.Fatalf("--create: %+v %v", opts, err)
	}
}

func TestParseOptionsHelp(t *testing.T) {
	if _, err := parseOptions([]string{"-h"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("got %v, want ErrHelp", err)
	}
}

func TestHandleLine(t *testing.T) {
	var h *replica.Handle

	if !handleLine(h, " /quit ") {
		t.Error("/quit did not quit")
	}
	for _, line := range []string{"", "/stop", "/start", "/start browsing", "hello"} {
		if handleLine(h, line) {
			t.Errorf("%q quit", line)
		}
	}
}

func TestNewLogger(t *testing.T) {
	out := filepath.Join(t.TempDir(), "replicactl.log")
	logger, closeLog, err := newLogger("debug", out)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello", "session_id", "abc123")
	closeLog()

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"msg":"hello"`) || !strings.Contains(string(b), `"session_id":"abc123"`) {
		t.Fatalf("log file: %s", b)
	}

	if _, _, err := newLogger("loud", ""); err == nil {
		t.Error("invalid level: expected error")
	}
}
