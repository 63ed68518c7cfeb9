package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides fluent construction of call events with consistent defaults.
type Builder struct {
	nodeID   string
	tenantID string
}

// NewBuilder creates an event builder with global defaults.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// WithTenant sets the default tenant ID for all events.
func (b *Builder) WithTenant(tenantID string) *Builder {
	b.tenantID = tenantID
	return b
}

// Call identifies the session an event belongs to.
type Call struct {
	Generation uint64
	AgentID    string
	CallID     string
	SessionID  string
}

func (b *Builder) newBase(eventType EventType, c Call) BaseEvent {
	return BaseEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		EventTime:  time.Now().UTC(),
		Generation: c.Generation,
		AgentID:    c.AgentID,
		CallID:     c.CallID,
		SessionID:  c.SessionID,
		TenantID:   b.tenantID,
		NodeID:     b.nodeID,
	}
}

// CallRequested builds a CallRequestedEvent.
func (b *Builder) CallRequested(c Call, providerHint string, supersedes uint64) *CallRequestedEvent {
	return &CallRequestedEvent{
		BaseEvent:    b.newBase(CallRequested, c),
		ProviderHint: providerHint,
		Supersedes:   supersedes,
	}
}

// CallAllocated builds a CallAllocatedEvent.
func (b *Builder) CallAllocated(c Call, joinAddress string, latency time.Duration) *CallAllocatedEvent {
	return &CallAllocatedEvent{
		BaseEvent:         b.newBase(CallAllocated, c),
		JoinAddress:       joinAddress,
		AllocateLatencyMs: latency.Milliseconds(),
	}
}

// CallConnected builds a CallConnectedEvent.
func (b *Builder) CallConnected(c Call, setup time.Duration) *CallConnectedEvent {
	return &CallConnectedEvent{
		BaseEvent:       b.newBase(CallConnected, c),
		SetupDurationMs: setup.Milliseconds(),
	}
}

// CallReconnecting builds a CallReconnectingEvent.
func (b *Builder) CallReconnecting(c Call) *CallReconnectingEvent {
	return &CallReconnectingEvent{BaseEvent: b.newBase(CallReconnecting, c)}
}

// CallReconnected builds a CallReconnectedEvent.
func (b *Builder) CallReconnected(c Call, outage time.Duration) *CallReconnectedEvent {
	return &CallReconnectedEvent{
		BaseEvent: b.newBase(CallReconnected, c),
		OutageMs:  outage.Milliseconds(),
	}
}

// CallFailed builds a CallFailedEvent.
func (b *Builder) CallFailed(c Call, reason string, err error) *CallFailedEvent {
	ev := &CallFailedEvent{
		BaseEvent: b.newBase(CallFailed, c),
		Reason:    reason,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// CallEndedBuilder constructs CallEndedEvent.
type CallEndedBuilder struct {
	event *CallEndedEvent
}

// CallEnded starts building a CallEndedEvent.
func (b *Builder) CallEnded(c Call, reason EndReason) *CallEndedBuilder {
	return &CallEndedBuilder{
		event: &CallEndedEvent{
			BaseEvent: b.newBase(CallEnded, c),
			EndReason: reason,
		},
	}
}

func (cb *CallEndedBuilder) Finalized(ok bool, err error) *CallEndedBuilder {
	cb.event.Finalized = ok
	if err != nil {
		cb.event.FinalizeError = err.Error()
	}
	return cb
}

func (cb *CallEndedBuilder) Durations(talk, total time.Duration) *CallEndedBuilder {
	cb.event.TalkDurationMs = talk.Milliseconds()
	cb.event.TotalDurationMs = total.Milliseconds()
	return cb
}

func (cb *CallEndedBuilder) Build() *CallEndedEvent {
	return cb.event
}
