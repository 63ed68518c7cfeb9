// Package client is a Go client for the agentline HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	types "github.com/sebas/agentline/api/types/v1"
)

// APIError is returned for every non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

// Error returns the error message.
func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api: %d %s: %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for an agentline daemon
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a new API client. Starting a call waits for the room
// join, so the timeout covers allocation plus connect.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
		},
		dialer: websocket.DefaultDialer,
	}
}

// BaseURL returns the daemon base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches health status from the daemon
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Agents lists the callable agents, optionally limited to one category
func (c *Client) Agents(ctx context.Context, category string) (*types.AgentsResponse, error) {
	path := "/api/v1/agents"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	var agents types.AgentsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &agents); err != nil {
		return nil, err
	}
	return &agents, nil
}

// Call fetches the current call state
func (c *Client) Call(ctx context.Context) (*types.CallState, error) {
	var state types.CallState
	if err := c.do(ctx, http.MethodGet, "/api/v1/call", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// StartCall starts a call with agentID, ending the current one first
func (c *Client) StartCall(ctx context.Context, agentID string) (*types.CallState, error) {
	var state types.CallState
	if err := c.do(ctx, http.MethodPost, "/api/v1/call", types.StartCallRequest{AgentID: agentID}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// EndCall ends the current call
func (c *Client) EndCall(ctx context.Context) (*types.CallState, error) {
	var state types.CallState
	if err := c.do(ctx, http.MethodDelete, "/api/v1/call", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Watch streams call state changes to fn until ctx ends, the daemon closes
// the stream, or fn returns false.
func (c *Client) Watch(ctx context.Context, fn func(types.CallState) bool) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/call/stream"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var state types.CallState
		if err := conn.ReadJSON(&state); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if !fn(state) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}

// do performs a JSON request and decodes a 2xx reply into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil {
			apiErr.Message, apiErr.Reason = e.Error, e.Reason
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
