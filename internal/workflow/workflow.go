// Package workflow is the client of the external AI workflow that drafts feature documents.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultTimeout bounds a single workflow call when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// maxResponseBytes caps how much of a workflow response is read.
const maxResponseBytes = 4 << 20

// ErrNoURL is returned when the workflow endpoint is not configured.
var ErrNoURL = errors.New("workflow URL not set")

// HTTPError is returned for non-2xx workflow responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("workflow: HTTP error! status: %d", e.StatusCode)
}

// Request is the body posted to the workflow.
type Request struct {
	SessionID string `json:"sessionId"`
	ChatInput string `json:"chatInput"`
	Feature   string `json:"feature"`
	UserID    string `json:"userId,omitempty"`
	System    string `json:"system"`
}

// Sender sends a chat turn to the workflow and returns its normalised answer.
type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// Opts holds configuration options for the workflow client.
type Opts struct {
	URL          string
	Username     string
	Password     string
	SystemPrompt string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Option defines a configuration option for the workflow client.
type Option func(*Opts)

// WithURL sets the webhook URL.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithBasicAuth sets the credentials sent with every call.
func WithBasicAuth(username, password string) Option {
	return func(o *Opts) {
		o.Username = username
		o.Password = password
	}
}

// WithSystemPrompt sets the system instructions sent with requests that carry none.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithTimeout bounds a single call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client posts chat turns to the external workflow webhook.
type Client struct {
	url          string
	username     string
	password     string
	systemPrompt string
	httpClient   *http.Client
}

// NewClient creates a workflow client. The URL falls back to WORKFLOW_URL.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		cfg.URL = os.Getenv("WORKFLOW_URL")
	}
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	slog.Debug("workflow.NewClient: configured", "url", cfg.URL, "auth_set", cfg.Username != "", "timeout", cfg.HTTPClient.Timeout)

	return &Client{
		url:          cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   cfg.HTTPClient,
	}, nil
}

// Send posts req and normalises the answer. Transport failures and non-2xx statuses
// are returned as errors; an unreadable 2xx body is not an error.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	if req.System == "" {
		req.System = c.systemPrompt
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("workflow: encoding request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("workflow: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.username != "" || c.password != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	slog.Debug("Client.Send: posting chat turn", "sessionID", req.SessionID, "inputLength", len(req.ChatInput), "featureLength", len(req.Feature))
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("Client.Send: request failed", "sessionID", req.SessionID, "error", err)
		return nil, fmt.Errorf("workflow: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Client.Send: non-2xx response", "sessionID", req.SessionID, "status", resp.StatusCode)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err != nil {
		slog.Warn("Client.Send: failed to read response body", "sessionID", req.SessionID, "error", err)
		return TextResponse{Text: FallbackReply}, nil
	}

	parsed := ParseResponse(body)
	_, hasDoc := parsed.Document()
	slog.Debug("Client.Send: response received", "sessionID", req.SessionID, "status", resp.StatusCode, "duration", time.Since(start), "hasFeature", hasDoc)
	return parsed, nil
}
