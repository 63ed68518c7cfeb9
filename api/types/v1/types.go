// Package types defines shared API types for the agentline daemon and its
// clients.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// Agent is one entry of /api/v1/agents
type Agent struct {
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Route       string   `json:"route,omitempty"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Provider    string   `json:"provider,omitempty"`
}

// AgentsResponse is the response from /api/v1/agents
type AgentsResponse struct {
	Categories []string `json:"categories"`
	Agents     []Agent  `json:"agents"`
}

// StartCallRequest is the body of POST /api/v1/call
type StartCallRequest struct {
	AgentID string `json:"agent_id"`
}

// CallState is the current call as seen by presentation layers. It is the
// body of GET /api/v1/call and of every /api/v1/call/stream message.
type CallState struct {
	Phase        string `json:"phase"`
	Live         bool   `json:"live"`
	AgentID      string `json:"agent_id,omitempty"`
	BusyAgentID  string `json:"busy_agent_id,omitempty"`
	VoiceVisible bool   `json:"voice_visible"`
	Generation   uint64 `json:"generation"`
	CallID       string `json:"call_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	ConnectedAt  string `json:"connected_at,omitempty"`
	// Duration is the number of seconds the call has been connected.
	Duration  int    `json:"duration"`
	MicError  string `json:"mic_error,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
