package call

import (
	"context"
	"time"

	"github.com/sebas/agentline/internal/backend"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/transport"
)

// session is one attempt to talk to one agent. All fields are guarded by
// Manager.mu.
type session struct {
	gen     uint64 // generation token, unique per manager
	seq     uint64 // request sequence that created the session
	agentID string

	phase     Phase
	alloc     *backend.Allocation
	transport transport.Adapter

	// ctx bounds the start attempt; cancel aborts allocate, connect and
	// microphone setup when the session is superseded or ended.
	ctx    context.Context
	cancel context.CancelFunc

	// claimed is set by the first teardown; later callers wait on ended.
	claimed bool
	ended   chan struct{}

	voiceVisible bool
	micErr       error

	startedAt      time.Time
	allocatedAt    time.Time
	connectedAt    time.Time
	reconnectingAt time.Time
}

func newSession(gen, seq uint64, agentID string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		gen:       gen,
		seq:       seq,
		agentID:   agentID,
		phase:     PhaseAllocating,
		ctx:       ctx,
		cancel:    cancel,
		ended:     make(chan struct{}),
		startedAt: time.Now(),
	}
}

// ref identifies the session in lifecycle events.
func (s *session) ref() events.Call {
	c := events.Call{Generation: s.gen, AgentID: s.agentID}
	if s.alloc != nil {
		c.CallID = s.alloc.CallID
		c.SessionID = s.alloc.SessionID
	}
	return c
}

// talkDuration returns how long the session was connected, measured up to at.
func (s *session) talkDuration(at time.Time) time.Duration {
	if s.connectedAt.IsZero() {
		return 0
	}
	return at.Sub(s.connectedAt)
}
