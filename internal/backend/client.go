// Package backend is the HTTP client for the session backend that allocates
// voice-agent rooms and records their end.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Allocation is the result of a successful session allocation.
type Allocation struct {
	CallID      string
	SessionID   string
	JoinAddress string
	JoinToken   string
}

// HasIdentifiers reports whether the backend issued identifiers that a
// later Finalize can reference.
func (a Allocation) HasIdentifiers() bool {
	return a.CallID != "" && a.SessionID != ""
}

// AllocateRequest asks the backend for a room with one agent.
type AllocateRequest struct {
	AgentID  string
	Provider string // empty uses the client default
}

// Config holds the backend client configuration
type Config struct {
	BaseURL      string
	AllocatePath string
	FinalizePath string
	TenantID     string
	Provider     string

	AllocateTimeout time.Duration
	FinalizeTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is an HTTP client for the session backend
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new session backend client
func NewClient(cfg Config) *Client {
	if cfg.AllocateTimeout <= 0 {
		cfg.AllocateTimeout = 15 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

type allocateBody struct {
	AgentCode  string `json:"agent_code"`
	Provider   string `json:"provider,omitempty"`
	SchemaName string `json:"schema_name,omitempty"`
}

type finalizeBody struct {
	CallSessionID string `json:"call_session_id"`
	CallID        string `json:"call_id"`
	SchemaName    string `json:"schema_name,omitempty"`
}

// Allocate reserves a room for the agent and returns its join credentials.
// It is never retried: the backend does not promise idempotency.
func (c *Client) Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error) {
	provider := req.Provider
	if provider == "" {
		provider = c.cfg.Provider
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AllocateTimeout)
	defer cancel()

	status, body, err := c.post(ctx, c.cfg.AllocatePath, allocateBody{
		AgentCode:  req.AgentID,
		Provider:   provider,
		SchemaName: c.cfg.TenantID,
	})
	if err != nil {
		return nil, &AllocationError{AgentID: req.AgentID, StatusCode: status, Cause: err}
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &AllocationError{AgentID: req.AgentID, StatusCode: status, Cause: fmt.Errorf("decode allocation: %w", err)}
	}

	alloc := parseAllocation(MergeResponse(raw))
	if alloc.JoinAddress == "" || alloc.JoinToken == "" {
		return nil, &AllocationError{AgentID: req.AgentID, StatusCode: status, Cause: ErrMissingCredentials}
	}

	c.logger.Debug("[Backend] Session allocated",
		"agent", req.AgentID,
		"call_id", alloc.CallID,
		"session_id", alloc.SessionID,
		"address", alloc.JoinAddress,
	)
	return &alloc, nil
}

// Finalize tells the backend the call is over. Failures are returned as
// *FinalizeError for the caller to log.
func (c *Client) Finalize(ctx context.Context, callID, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
	defer cancel()

	status, _, err := c.post(ctx, c.cfg.FinalizePath, finalizeBody{
		CallSessionID: sessionID,
		CallID:        callID,
		SchemaName:    c.cfg.TenantID,
	})
	if err != nil {
		return &FinalizeError{CallID: callID, SessionID: sessionID, StatusCode: status, Cause: err}
	}

	c.logger.Debug("[Backend] Session finalized", "call_id", callID, "session_id", sessionID)
	return nil
}

// post performs a JSON POST and returns the status and body of a 2xx reply.
func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}
