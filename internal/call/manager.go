// Package call owns the lifecycle of a voice call with a remote agent: it
// allocates a session on the backend, joins it through a media transport,
// follows the transport's connection events and tears everything down again,
// telling the backend exactly once that the call is over.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sebas/agentline/internal/backend"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/metrics"
	"github.com/sebas/agentline/internal/transport"
)

// Backend allocates and finalizes call sessions.
type Backend interface {
	Allocate(ctx context.Context, req backend.AllocateRequest) (*backend.Allocation, error)
	Finalize(ctx context.Context, callID, sessionID string) error
}

// ProviderResolver picks the provider hint sent with an allocation.
// An empty result uses the backend client's default.
type ProviderResolver interface {
	ProviderFor(agentID string) string
}

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds the transport join. Default 15s.
	ConnectTimeout time.Duration
	// DisconnectTimeout bounds transport teardown. Default 5s.
	DisconnectTimeout time.Duration

	Providers ProviderResolver
	Publisher events.Publisher
	Metrics   metrics.Recorder

	NodeID   string
	TenantID string
	Logger   *slog.Logger
}

// Manager runs at most one call at a time. StartCall always supersedes the
// call in progress; EndCall ends it. Both are safe for concurrent use.
type Manager struct {
	backend      Backend
	newTransport transport.Factory
	opts         Options
	logger       *slog.Logger
	events       *events.Builder
	publisher    events.Publisher
	metrics      metrics.Recorder

	// cmdMu serializes the bodies of StartCall and EndCall so that an old
	// session is fully torn down before a new one allocates.
	cmdMu sync.Mutex

	mu        sync.Mutex
	seq       uint64 // bumped by every StartCall and EndCall
	gen       uint64
	cur       *session
	busyAgent string
	busySeq   uint64
	lastErr   error
	closed    bool
	changed   chan struct{}
	subs      map[uint64]chan Snapshot
	nextSub   uint64
}

// NewManager creates a manager. newTransport is called once per session.
func NewManager(b Backend, newTransport transport.Factory, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 5 * time.Second
	}
	if opts.NodeID == "" {
		opts.NodeID, _ = os.Hostname()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return &Manager{
		backend:      b,
		newTransport: newTransport,
		opts:         opts,
		logger:       logger.With("component", "call"),
		events:       events.NewBuilder(opts.NodeID).WithTenant(opts.TenantID),
		publisher:    publisher,
		metrics:      recorder,
		changed:      make(chan struct{}),
		subs:         make(map[uint64]chan Snapshot),
	}
}

// StartCall starts a call with agentID, ending the current call first.
//
// It returns once the transport has joined the room; the phase becomes
// Connected when the transport confirms the connection. A microphone
// failure does not fail the call: it is logged and reported in the
// snapshot's MicError. Any other failure leaves the session Ended and is
// returned as *AgentStartError. A second StartCall for an agent that is
// still allocating or connecting returns ErrStartInProgress.
func (m *Manager) StartCall(ctx context.Context, agentID string) error {
	if agentID == "" {
		return &AgentStartError{AgentID: agentID, Reason: ReasonAllocation, Err: ErrEmptyAgentID}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.busyAgent == agentID {
		m.mu.Unlock()
		m.logger.Debug("[Manager] Start ignored, already in progress", "agent", agentID)
		return ErrStartInProgress
	}
	m.seq++
	seq := m.seq
	m.busyAgent, m.busySeq = agentID, seq
	if m.cur != nil && !m.cur.claimed {
		m.cur.cancel()
	}
	m.notifyLocked()
	m.mu.Unlock()

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if err := m.checkRequest(seq, agentID); err != nil {
		return err
	}
	if prev := m.current(); prev != nil {
		m.logger.Info("[Manager] Ending current call first", "agent", prev.agentID, "generation", prev.gen)
		m.teardown(prev, events.EndReasonSuperseded)
	}

	provider := ""
	if m.opts.Providers != nil {
		provider = m.opts.Providers.ProviderFor(agentID)
	}
	s, err := m.begin(seq, agentID, provider)
	if err != nil {
		return err
	}

	// The attempt ends when the caller gives up or the session is
	// superseded, whichever comes first.
	attempt, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	stop := context.AfterFunc(s.ctx, cancelAttempt)
	defer stop()

	m.logger.Info("[Manager] Allocating session", "agent", agentID, "generation", s.gen, "provider", provider)
	began := time.Now()
	alloc, err := m.backend.Allocate(attempt, backend.AllocateRequest{AgentID: agentID, Provider: provider})
	m.metrics.ObserveAllocate(err == nil, time.Since(began))
	if err != nil {
		return m.fail(ctx, s, ReasonAllocation, err)
	}

	adapter := m.connecting(s, alloc, time.Since(began))

	if reason, stale := m.interrupted(s); stale {
		return m.fail(ctx, s, reason, ErrSuperseded)
	}

	m.logger.Info("[Manager] Joining room", "agent", agentID, "generation", s.gen, "address", alloc.JoinAddress)
	connCtx, cancelConn := context.WithTimeout(attempt, m.opts.ConnectTimeout)
	err = adapter.Connect(connCtx, alloc.JoinAddress, alloc.JoinToken)
	cancelConn()
	if err != nil {
		return m.fail(ctx, s, ReasonTransport, err)
	}

	// The transport may drop right after joining.
	if err := m.droppedDuringStart(s); err != nil {
		return err
	}

	micErr := adapter.EnableLocalAudio(attempt)
	if err := m.droppedDuringStart(s); err != nil {
		return err
	}
	if micErr != nil {
		m.logger.Warn("[Manager] Microphone unavailable, call continues without local audio",
			"agent", agentID, "generation", s.gen, "error", micErr)
		m.mu.Lock()
		s.micErr = micErr
		m.notifyLocked()
		m.mu.Unlock()
	}

	if reason, stale := m.interrupted(s); stale {
		// The newer request owns the teardown of this session.
		return m.startError(agentID, reason, ErrSuperseded)
	}

	m.logger.Info("[Manager] Call started", "agent", agentID, "generation", s.gen, "call_id", alloc.CallID)
	return nil
}

// EndCall ends the current call. It disconnects the transport, finalizes
// the session on the backend if it was allocated and waits until the
// session is Ended. Finalize failures are logged, never returned. EndCall
// without a call is a no-op.
func (m *Manager) EndCall(ctx context.Context) error {
	return m.end(ctx, events.EndReasonLocal)
}

// Close ends the current call and rejects further StartCall requests.
// Subscriber channels are closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.end(ctx, events.EndReasonShutdown)

	m.mu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) end(ctx context.Context, reason events.EndReason) error {
	m.mu.Lock()
	m.seq++
	if s := m.cur; s != nil && !s.claimed {
		s.cancel()
	}
	m.mu.Unlock()

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	s := m.current()
	if s == nil {
		m.logger.DebugContext(ctx, "[Manager] End ignored, no call")
		return nil
	}
	m.logger.InfoContext(ctx, "[Manager] Ending call", "agent", s.agentID, "generation", s.gen, "reason", reason)
	m.teardown(s, reason)
	return nil
}

// current returns the session that has not reached Ended, or nil.
func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.phase == PhaseEnded {
		return nil
	}
	return m.cur
}

// checkRequest rejects a request that a later StartCall, EndCall or Close
// has replaced.
func (m *Manager) checkRequest(seq uint64, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkRequestLocked(seq, agentID)
}

func (m *Manager) checkRequestLocked(seq uint64, agentID string) error {
	if m.seq == seq && !m.closed {
		return nil
	}
	m.releaseBusyLocked(seq)
	m.notifyLocked()
	if m.closed {
		return &AgentStartError{AgentID: agentID, Reason: ReasonCancelled, Err: ErrClosed}
	}
	return &AgentStartError{AgentID: agentID, Reason: ReasonSuperseded, Err: ErrSuperseded}
}

// begin creates the session for request seq.
func (m *Manager) begin(seq uint64, agentID, provider string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRequestLocked(seq, agentID); err != nil {
		return nil, err
	}

	var supersedes uint64
	if m.cur != nil {
		supersedes = m.cur.gen
	}
	m.gen++
	s := newSession(m.gen, seq, agentID)
	m.cur = s
	m.lastErr = nil

	m.metrics.IncCallStarted(agentID)
	m.publishLocked(m.events.CallRequested(s.ref(), provider, supersedes))
	m.notifyLocked()
	return s, nil
}

// connecting records the allocation and hands the session a transport.
func (m *Manager) connecting(s *session, alloc *backend.Allocation, latency time.Duration) transport.Adapter {
	adapter := m.newTransport()

	m.mu.Lock()
	s.alloc = alloc
	s.allocatedAt = time.Now()
	s.voiceVisible = true
	s.transport = adapter
	m.setPhaseLocked(s, PhaseConnecting)
	m.publishLocked(m.events.CallAllocated(s.ref(), alloc.JoinAddress, latency))
	m.notifyLocked()
	m.mu.Unlock()

	go m.pump(s, adapter)
	return adapter
}

// interrupted reports whether a later request or Close replaced s.
func (m *Manager) interrupted(s *session) (Reason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ReasonCancelled, true
	case m.seq != s.seq:
		return ReasonSuperseded, true
	default:
		return "", false
	}
}

// droppedDuringStart returns the caller's error when s was torn down
// while StartCall was still setting it up, or nil.
func (m *Manager) droppedDuringStart(s *session) error {
	m.mu.Lock()
	claimed := s.claimed
	m.mu.Unlock()
	if !claimed {
		return nil
	}
	if reason, stale := m.interrupted(s); stale {
		return m.startError(s.agentID, reason, ErrSuperseded)
	}
	return m.startError(s.agentID, ReasonTransport, transport.ErrAdapterClosed)
}

// fail ends s after a failed start step and builds the caller's error.
func (m *Manager) fail(ctx context.Context, s *session, reason Reason, err error) error {
	if r, stale := m.interrupted(s); stale {
		reason = r
	} else if ctx.Err() != nil {
		reason = ReasonCancelled
	}

	m.logger.Warn("[Manager] Call start failed", "agent", s.agentID, "generation", s.gen, "reason", reason, "error", err)

	m.mu.Lock()
	if m.cur == s {
		m.lastErr = err
	}
	m.metrics.IncCallFailed(string(reason))
	m.publishLocked(m.events.CallFailed(s.ref(), string(reason), err))
	m.mu.Unlock()

	endReason := events.EndReasonFailed
	switch reason {
	case ReasonSuperseded:
		endReason = events.EndReasonSuperseded
	case ReasonCancelled:
		endReason = events.EndReasonLocal
	}
	m.teardown(s, endReason)

	return m.startError(s.agentID, reason, err)
}

func (m *Manager) startError(agentID string, reason Reason, err error) error {
	if reason == ReasonSuperseded && !errors.Is(err, ErrSuperseded) {
		err = fmt.Errorf("%w: %w", ErrSuperseded, err)
	}
	return &AgentStartError{AgentID: agentID, Reason: reason, Err: err}
}

// teardown drives s to Ended: disconnect the transport, then finalize the
// session if the backend issued identifiers for it. Only the first caller
// does the work; later callers block until it is done.
func (m *Manager) teardown(s *session, reason events.EndReason) {
	m.mu.Lock()
	if s.claimed {
		m.mu.Unlock()
		<-s.ended
		return
	}
	s.claimed = true
	s.cancel()
	if s.phase.HoldsTransport() {
		m.setPhaseLocked(s, PhaseEnding)
		m.notifyLocked()
	}
	adapter, alloc := s.transport, s.alloc
	m.mu.Unlock()

	if adapter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DisconnectTimeout)
		if err := adapter.Disconnect(ctx); err != nil {
			m.logger.Warn("[Manager] Transport disconnect failed", "generation", s.gen, "error", err)
		}
		cancel()
	}

	var (
		finalized bool
		finErr    error
	)
	if alloc != nil && alloc.HasIdentifiers() {
		finErr = m.backend.Finalize(context.Background(), alloc.CallID, alloc.SessionID)
		finalized = finErr == nil
		m.metrics.IncFinalize(finalized)
		if finErr != nil {
			m.logger.Warn("[Manager] Finalize failed, ignoring", "call_id", alloc.CallID, "session_id", alloc.SessionID, "error", finErr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	talk := s.talkDuration(now)
	m.setPhaseLocked(s, PhaseEnded)
	s.voiceVisible = false
	m.releaseBusyLocked(s.seq)

	m.metrics.SetActive(false)
	m.metrics.ObserveCallEnded(string(reason), talk)
	m.publishLocked(m.events.CallEnded(s.ref(), reason).
		Finalized(finalized, finErr).
		Durations(talk, now.Sub(s.startedAt)).
		Build())
	m.notifyLocked()
	close(s.ended)

	m.logger.Info("[Manager] Call ended", "agent", s.agentID, "generation", s.gen, "reason", reason, "talk", talk.Round(time.Second))
}

// pump applies the transport's events to s in delivery order.
func (m *Manager) pump(s *session, adapter transport.Adapter) {
	for ev := range adapter.Events() {
		if ev.Type == transport.EventDisconnected {
			m.mu.Lock()
			owned := !s.claimed
			m.mu.Unlock()
			if owned {
				m.logger.Warn("[Manager] Transport dropped", "agent", s.agentID, "generation", s.gen, "reason", ev.Reason)
				m.teardown(s, events.EndReasonRemote)
			}
			continue
		}
		m.handleEvent(s, ev)
	}
}

func (m *Manager) handleEvent(s *session, ev transport.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.claimed || m.cur != s {
		m.logger.Debug("[Manager] Event for inactive session ignored", "generation", s.gen, "event", ev.Type)
		return
	}

	switch ev.Type {
	case transport.EventConnected:
		if !m.setPhaseLocked(s, PhaseConnected) {
			return
		}
		s.connectedAt = ev.Time
		m.releaseBusyLocked(s.seq)
		m.metrics.ObserveConnect(ev.Time.Sub(s.allocatedAt))
		m.metrics.SetActive(true)
		m.publishLocked(m.events.CallConnected(s.ref(), ev.Time.Sub(s.startedAt)))

	case transport.EventReconnecting:
		if !m.setPhaseLocked(s, PhaseReconnecting) {
			return
		}
		s.reconnectingAt = ev.Time
		m.metrics.IncReconnect()
		m.publishLocked(m.events.CallReconnecting(s.ref()))

	case transport.EventReconnected:
		if !m.setPhaseLocked(s, PhaseConnected) {
			return
		}
		m.publishLocked(m.events.CallReconnected(s.ref(), ev.Time.Sub(s.reconnectingAt)))

	case transport.EventRemoteTrack:
		if ev.Track != nil {
			m.logger.Info("[Manager] Remote track", "generation", s.gen,
				"track", ev.Track.ID, "kind", ev.Track.Kind, "participant", ev.Track.Participant, "attached", ev.Track.Attached)
		}
		return

	default:
		return
	}
	m.notifyLocked()
}

// setPhaseLocked moves s to next if the transition table allows it.
func (m *Manager) setPhaseLocked(s *session, next Phase) bool {
	if !s.phase.CanTransitionTo(next) {
		m.logger.Debug("[Manager] Phase change ignored", "generation", s.gen, "from", s.phase, "to", next)
		return false
	}
	m.logger.Debug("[Manager] Phase", "generation", s.gen, "from", s.phase, "to", next)
	s.phase = next
	return true
}

func (m *Manager) releaseBusyLocked(seq uint64) {
	if m.busySeq == seq {
		m.busyAgent = ""
	}
}

func (m *Manager) publishLocked(e events.Event) {
	if err := m.publisher.Publish(context.Background(), e); err != nil {
		m.logger.Warn("[Manager] Event publish failed", "subject", e.Subject(), "error", err)
	}
}
