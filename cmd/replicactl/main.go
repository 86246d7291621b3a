// replicactl binds to an agent session from the terminal: it streams the
// session's events to stdout and turns stdin lines into commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/pflag"

	replica "github.com/openreplica/replica-go-sdk"
	"github.com/openreplica/replica-go-sdk/activity"
	"github.com/openreplica/replica-go-sdk/frame"
	"github.com/openreplica/replica-go-sdk/wire"
)

var defaultEvents = []string{
	wire.TypeMessage,
	wire.TypeStatus,
	wire.TypeError,
	wire.TypeAgentStarted,
	wire.TypeAgentStopped,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, closeLog, err := newLogger(opts.logLevel, opts.logOutput)
	if err != nil {
		return err
	}
	defer closeLog()
	opts.cfg.Logger = logger

	sessionID := opts.sessionID
	if opts.create {
		api, err := replica.NewAPIClient(opts.cfg)
		if err != nil {
			return err
		}
		s, err := api.CreateSession(ctx, replica.CreateSessionRequest{AgentType: opts.agent})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = s.SessionID
		logger.Info("session created", "session_id", sessionID, "workspace", s.WorkspaceName)
	}

	out := &printer{w: stdout}
	binder := replica.NewBinder(opts.cfg)
	h := binder.Bind(sessionID)
	defer binder.Unbind()

	feed := activity.New(0)
	feed.OnAppend(out.activity)
	detach := feed.Attach(h)
	defer detach()

	events := opts.events
	if len(events) == 0 {
		events = defaultEvents
	}
	for _, eventType := range events {
		unsub := h.Subscribe(eventType, out.envelope)
		defer unsub()
	}

	var startOnce sync.Once
	startAgent := func() {
		if opts.agent == "" {
			return
		}
		startOnce.Do(func() { h.StartAgent(opts.agent) })
	}
	unsubStatus := h.OnStatus(func(s replica.Status) {
		if s.Connected {
			logger.Info("connected", "session_id", s.SessionID)
			startAgent()
			return
		}
		logger.Warn("disconnected", "session_id", s.SessionID, "error", s.Error)
	})
	defer unsubStatus()
	// transitions before OnStatus was registered are not replayed
	if h.Connected() {
		startAgent()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(h, line); quit {
				return nil
			}
		}
	}
}

// handleLine turns one input line into a command. It reports whether the
// user asked to quit.
func handleLine(h *replica.Handle, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/stop":
		h.StopAgent()
	case strings.HasPrefix(line, "/start"):
		agentType := strings.TrimSpace(strings.TrimPrefix(line, "/start"))
		if agentType == "" {
			agentType = "codeact"
		}
		h.StartAgent(agentType)
	default:
		h.SendUserMessage(line)
	}
	return false
}

func parseOptions(args []string) (options, error) {
	var configPath string
	flags := defaultOptions()

	flagSet := pflag.NewFlagSet("replicactl", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "TOML config file")
	flagSet.StringVar(&flags.cfg.Endpoint, "endpoint", flags.cfg.Endpoint, "backend base URL (http, https, ws or wss)")
	flagSet.StringVar(&flags.cfg.Token, "token", "", "bearer token")
	flagSet.DurationVar(&flags.cfg.ReconnectDelay, "reconnect-delay", flags.cfg.ReconnectDelay, "base reconnection delay")
	flagSet.IntVar(&flags.cfg.MaxReconnectAttempts, "max-reconnect-attempts", flags.cfg.MaxReconnectAttempts, "reconnection attempts before giving up (negative disables)")
	flagSet.DurationVar(&flags.cfg.PingInterval, "ping-interval", 0, "keepalive ping interval (0 disables)")
	flagSet.BoolVar(&flags.cfg.Compress, "compress", false, "send large commands zstd-compressed")
	flagSet.BoolVar(&flags.create, "create", false, "create a new session instead of binding an existing one")
	flagSet.StringVar(&flags.agent, "agent", "", "agent type to start once connected")
	flagSet.StringSliceVar(&flags.events, "events", nil, "event types to print besides agent activity")
	flagSet.StringVar(&flags.logLevel, "log-level", flags.logLevel, "log level: debug, info, warn, error")
	flagSet.StringVar(&flags.logOutput, "log-output", "", "also write JSON log records to this file")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
		}
		return options{}, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return options{}, pflag.ErrHelp
	}

	opts := defaultOptions()
	if configPath != "" {
		if err := applyConfigFile(configPath, &opts); err != nil {
			return options{}, err
		}
	}
	mergeFlags(flagSet, &opts, flags)

	rest := flagSet.Args()
	switch {
	case len(rest) > 1:
		return options{}, fmt.Errorf("unexpected argument: %s", rest[1])
	case len(rest) == 1 && opts.create:
		return options{}, errors.New("--create and a session id are mutually exclusive")
	case len(rest) == 1:
		opts.sessionID = rest[0]
	case !opts.create:
		return options{}, errors.New("a session id or --create is required")
	}
	return opts, nil
}

// mergeFlags copies explicitly set flags over the file configuration.
func mergeFlags(flagSet *pflag.FlagSet, opts *options, flags options) {
	if flagSet.Changed("endpoint") {
		opts.cfg.Endpoint = flags.cfg.Endpoint
	}
	if flagSet.Changed("token") {
		opts.cfg.Token = flags.cfg.Token
	}
	if flagSet.Changed("reconnect-delay") {
		opts.cfg.ReconnectDelay = flags.cfg.ReconnectDelay
	}
	if flagSet.Changed("max-reconnect-attempts") {
		opts.cfg.MaxReconnectAttempts = flags.cfg.MaxReconnectAttempts
	}
	if flagSet.Changed("ping-interval") {
		opts.cfg.PingInterval = flags.cfg.PingInterval
	}
	if flagSet.Changed("compress") {
		opts.cfg.Compress = flags.cfg.Compress
	}
	if flagSet.Changed("create") {
		opts.create = flags.create
	}
	if flagSet.Changed("agent") {
		opts.agent = flags.agent
	}
	if flagSet.Changed("events") {
		opts.events = normalizeEvents(flags.events)
	}
	if flagSet.Changed("log-level") {
		opts.logLevel = flags.logLevel
	}
	if flagSet.Changed("log-output") {
		opts.logOutput = flags.logOutput
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `replicactl: drive an agent session from the terminal.

Usage:
  replicactl [flags] <session-id>
  replicactl [flags] --create

Input lines are sent as user messages. "/start [agent]" starts an agent,
"/stop" stops it and "/quit" exits.

Flags:
%s`, flagSet.FlagUsages())
}

// newLogger writes text records to stderr and, when output is set, JSON
// records to that file as well.
func newLogger(level, output string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, opts)}

	closeFn := func() {}
	if output != "" {
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closeFn = func() { f.Close() }
	}
	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

// printer serialises output from the channel's event loop and the input
// loop.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) activity(a activity.Activity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %-11s %-9s %s\n", a.Time.Format(time.TimeOnly), a.Kind, a.Status, a.Content)
}

func (p *printer) envelope(env frame.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %-11s %s\n", env.Time().Local().Format(time.TimeOnly), env.Type, env.Data)
}
