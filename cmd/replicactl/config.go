package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	replica "github.com/openreplica/replica-go-sdk"
)

type fileConfig struct {
	Endpoint             string   `toml:"endpoint"`
	Token                string   `toml:"token"`
	ReconnectDelay       string   `toml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	PingInterval         string   `toml:"ping_interval"`
	Compress             bool     `toml:"compress"`
	Agent                string   `toml:"agent"`
	Events               []string `toml:"events"`
	LogLevel             string   `toml:"log_level"`
	LogOutput            string   `toml:"log_output"`
}

// options is everything the command needs after flags and the config file
// have been merged.
type options struct {
	cfg       replica.Config
	sessionID string
	create    bool
	agent     string
	events    []string
	logLevel  string
	logOutput string
}

func defaultOptions() options {
	return options{
		cfg: replica.Config{
			Endpoint:             replica.DefaultEndpoint,
			ReconnectDelay:       replica.DefaultReconnectDelay,
			MaxReconnectAttempts: replica.DefaultMaxReconnectAttempts,
		},
		logLevel: "info",
	}
}

// applyConfigFile overlays the keys present in the TOML file at path onto
// opts. Keys that are absent keep their current value.
func applyConfigFile(path string, opts *options) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("endpoint") {
		opts.cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("token") {
		opts.cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("reconnect_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectDelay))
		if err != nil {
			return fmt.Errorf("parse reconnect_delay: %w", err)
		}
		opts.cfg.ReconnectDelay = d
	}
	if meta.IsDefined("max_reconnect_attempts") {
		opts.cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("ping_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PingInterval))
		if err != nil {
			return fmt.Errorf("parse ping_interval: %w", err)
		}
		opts.cfg.PingInterval = d
	}
	if meta.IsDefined("compress") {
		opts.cfg.Compress = raw.Compress
	}
	if meta.IsDefined("agent") {
		opts.agent = strings.TrimSpace(raw.Agent)
	}
	if meta.IsDefined("events") {
		opts.events = normalizeEvents(raw.Events)
	}
	if meta.IsDefined("log_level") {
		opts.logLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_output") {
		opts.logOutput = strings.TrimSpace(raw.LogOutput)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}
	return nil
}

func normalizeEvents(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		for _, part := range strings.Split(e, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}
