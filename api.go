package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when the backend has no such session.
var ErrSessionNotFound = errors.New("session not found")

// APIError is a non-2xx response from the session API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrSessionNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrSessionNotFound && e.StatusCode == http.StatusNotFound
}

// APIClient talks to the session REST API. It works independently of any
// Channel: sessions are created here, then bound with a Binder.
type APIClient struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

// NewAPIClient creates a session API client for the backend at cfg.Endpoint.
// WebSocket endpoints are mapped back to their HTTP scheme.
func NewAPIClient(cfg Config) (*APIClient, error) {
	base, err := resolveAPIBase(cfg)
	if err != nil {
		return nil, err
	}
	return &APIClient{
		apiBase:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// APIBase returns the resolved sessions API base URL.
func (c *APIClient) APIBase() string { return c.apiBase }

// --------------------------------------------------------------------------
// Sessions
// --------------------------------------------------------------------------

// CreateSession creates a new agent session.
func (c *APIClient) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var s Session
	if err := c.doJSON(ctx, http.MethodPost, "/create", req, &s); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(s.SessionID); err != nil {
		return nil, fmt.Errorf("create session: invalid session id %q: %w", s.SessionID, err)
	}
	return &s, nil
}

// GetSession fetches one session.
func (c *APIClient) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions lists active sessions.
func (c *APIClient) ListSessions(ctx context.Context) ([]Session, error) {
	var resp SessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// DeleteSession deletes a session.
func (c *APIClient) DeleteSession(ctx context.Context, sessionID string) error {
	var resp messageResponse
	return c.doJSON(ctx, http.MethodDelete, sessionPath(sessionID), nil, &resp)
}

// --------------------------------------------------------------------------
// Messages & Events
// --------------------------------------------------------------------------

// ListMessages returns a session's message log.
func (c *APIClient) ListMessages(ctx context.Context, sessionID string) ([]SessionMessage, error) {
	var resp MessagesResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// AddMessage appends a message to a session's log. The backend takes content
// and role as query parameters.
func (c *APIClient) AddMessage(ctx context.Context, sessionID, content, role string) (*SessionMessage, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("role must be %q or %q, got %q", RoleUser, RoleAssistant, role)
	}
	q := url.Values{}
	q.Set("content", content)
	q.Set("role", role)

	var msg SessionMessage
	path := sessionPath(sessionID) + "/messages?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListEvents returns a session's recorded events.
func (c *APIClient) ListEvents(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	var resp EventsResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// --------------------------------------------------------------------------
// HTTP helpers
// --------------------------------------------------------------------------

func sessionPath(sessionID string) string {
	return "/" + url.PathEscape(sessionID)
}

// doJSON sends a request and decodes the JSON response into dest.
func (c *APIClient) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// resolveAPIBase derives the sessions API base from the configured endpoint:
// ws→http, wss→https.
func resolveAPIBase(cfg Config) (string, error) {
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
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", endpoint)
	}
	return u.Scheme + "://" + u.Host + strings.TrimRight(u.EscapedPath(), "/") + "/api/sessions", nil
}
