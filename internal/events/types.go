// Package events defines the call lifecycle events emitted by the session
// manager. Events are plain JSON-serializable structs addressed by subject,
// so any publisher (log, channel, websocket, broker) can carry them.
package events

import "time"

// EventType identifies a call lifecycle event.
type EventType string

const (
	CallRequested    EventType = "call.requested"
	CallAllocated    EventType = "call.allocated"
	CallConnected    EventType = "call.connected"
	CallReconnecting EventType = "call.reconnecting"
	CallReconnected  EventType = "call.reconnected"
	CallFailed       EventType = "call.failed"
	CallEnded        EventType = "call.ended"
)

// Event is implemented by every lifecycle event.
type Event interface {
	Type() EventType
	Subject() string
	Base() *BaseEvent
}

// BaseEvent carries the fields shared by every event.
type BaseEvent struct {
	EventID    string    `json:"event_id"`
	EventType  EventType `json:"event_type"`
	EventTime  time.Time `json:"event_time"`
	Generation uint64    `json:"generation"`
	AgentID    string    `json:"agent_id"`
	CallID     string    `json:"call_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	NodeID     string    `json:"node_id"`
}

// Type implements Event.
func (b *BaseEvent) Type() EventType { return b.EventType }

// Subject implements Event.
func (b *BaseEvent) Subject() string {
	return CallSubject(b.Generation, SubjectForEventType(b.EventType))
}

// Base implements Event.
func (b *BaseEvent) Base() *BaseEvent { return b }

// CallRequestedEvent is emitted when a start request is accepted.
type CallRequestedEvent struct {
	BaseEvent
	ProviderHint string `json:"provider_hint,omitempty"`
	Supersedes   uint64 `json:"supersedes,omitempty"`
}

// CallAllocatedEvent is emitted when the backend returned join credentials.
type CallAllocatedEvent struct {
	BaseEvent
	JoinAddress       string `json:"join_address"`
	AllocateLatencyMs int64  `json:"allocate_latency_ms"`
}

// CallConnectedEvent is emitted when the media session is live.
type CallConnectedEvent struct {
	BaseEvent
	SetupDurationMs int64 `json:"setup_duration_ms"`
}

// CallReconnectingEvent is emitted when the media path dropped and is being
// restored.
type CallReconnectingEvent struct {
	BaseEvent
}

// CallReconnectedEvent is emitted after a successful reconnect.
type CallReconnectedEvent struct {
	BaseEvent
	OutageMs int64 `json:"outage_ms"`
}

// CallFailedEvent is emitted when a start attempt did not produce a call.
type CallFailedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// EndReason explains why a call ended.
type EndReason string

const (
	EndReasonLocal      EndReason = "local"
	EndReasonRemote     EndReason = "remote"
	EndReasonSuperseded EndReason = "superseded"
	EndReasonFailed     EndReason = "failed"
	EndReasonShutdown   EndReason = "shutdown"
)

// CallEndedEvent is emitted once per session that left Idle.
type CallEndedEvent struct {
	BaseEvent
	EndReason       EndReason `json:"end_reason"`
	Finalized       bool      `json:"finalized"`
	FinalizeError   string    `json:"finalize_error,omitempty"`
	TalkDurationMs  int64     `json:"talk_duration_ms"`
	TotalDurationMs int64     `json:"total_duration_ms"`
}
