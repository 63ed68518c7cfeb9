package call

import (
	"context"
	"time"
)

// Snapshot is the read-only view of the manager that presentation layers
// render.
type Snapshot struct {
	Phase       Phase
	AgentID     string
	BusyAgentID string
	// VoiceVisible is set once a session is allocated and cleared when it
	// ends; it drives the floating call bar.
	VoiceVisible bool
	Generation   uint64
	CallID       string
	SessionID    string
	StartedAt    time.Time
	ConnectedAt  time.Time
	MicError     string
	LastError    string
}

// Live reports whether a call is in progress.
func (s Snapshot) Live() bool {
	return !s.Phase.IsTerminal()
}

// State returns the current snapshot.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Phase: PhaseIdle, BusyAgentID: m.busyAgent}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	s := m.cur
	if s == nil {
		return snap
	}
	snap.Phase = s.phase
	snap.AgentID = s.agentID
	snap.VoiceVisible = s.voiceVisible
	snap.Generation = s.gen
	snap.StartedAt = s.startedAt
	snap.ConnectedAt = s.connectedAt
	if s.alloc != nil {
		snap.CallID = s.alloc.CallID
		snap.SessionID = s.alloc.SessionID
	}
	if s.micErr != nil {
		snap.MicError = s.micErr.Error()
	}
	return snap
}

// Subscribe returns a channel that always holds the latest snapshot; stale
// values are replaced rather than queued. The current state is delivered
// immediately. Call the returned function to unsubscribe.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// WaitForPhase blocks until the manager is in phase or ctx ends.
func (m *Manager) WaitForPhase(ctx context.Context, phase Phase) (Snapshot, error) {
	for {
		m.mu.Lock()
		snap := m.snapshotLocked()
		changed := m.changed
		m.mu.Unlock()

		if snap.Phase == phase {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// notifyLocked wakes waiters and pushes the new snapshot to subscribers.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})

	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
