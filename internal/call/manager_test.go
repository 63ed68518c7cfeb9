package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/agentline/internal/backend"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/transport"
	"github.com/sebas/agentline/internal/transport/transporttest"
)

// fakeBackend issues numbered identifiers and records calls in the log it
// shares with the transport harness.
type fakeBackend struct {
	log *transporttest.Log

	mu         sync.Mutex
	n          int
	finalized  map[string]int
	allocErr   error
	blockAgent string
	block      chan struct{}
}

func newFakeBackend(log *transporttest.Log) *fakeBackend {
	return &fakeBackend{log: log, finalized: make(map[string]int)}
}

func (b *fakeBackend) Allocate(ctx context.Context, req backend.AllocateRequest) (*backend.Allocation, error) {
	b.log.Record("allocate %s", req.AgentID)

	b.mu.Lock()
	block := b.block
	if req.AgentID != b.blockAgent {
		block = nil
	}
	allocErr := b.allocErr
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &backend.AllocationError{AgentID: req.AgentID, Cause: ctx.Err()}
		}
	}
	if allocErr != nil {
		return nil, allocErr
	}

	b.mu.Lock()
	b.n++
	n := b.n
	b.mu.Unlock()
	return &backend.Allocation{
		CallID:      fmt.Sprintf("c%d", n),
		SessionID:   fmt.Sprintf("s%d", n),
		JoinAddress: "wss://" + req.AgentID,
		JoinToken:   "token-" + req.AgentID,
	}, nil
}

func (b *fakeBackend) Finalize(ctx context.Context, callID, sessionID string) error {
	b.log.Record("finalize %s %s", callID, sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized[callID]++
	return nil
}

// blockAllocate holds allocations for agentID until release is called or
// the request is cancelled.
func (b *fakeBackend) blockAllocate(agentID string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.blockAgent = agentID
	b.block = ch
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (b *fakeBackend) allocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *fakeBackend) finalizeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.finalized {
		total += n
	}
	return total
}

func (b *fakeBackend) finalizedPerCall() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.finalized))
	for k, v := range b.finalized {
		out[k] = v
	}
	return out
}

type fixture struct {
	m       *Manager
	backend *fakeBackend
	tr      *transporttest.Harness
	log     *transporttest.Log
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	log := &transporttest.Log{}
	fb := newFakeBackend(log)
	tr := transporttest.NewHarness(log)
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	m := NewManager(fb, tr.Factory(), opts)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return &fixture{m: m, backend: fb, tr: tr, log: log}
}

func waitPhase(t *testing.T, m *Manager, p Phase) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := m.WaitForPhase(ctx, p)
	require.NoError(t, err, "waiting for %s, last phase %s", p, snap.Phase)
	return snap
}

func TestStartCallConnects(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.StartCall(ctx, "A"))
	snap := waitPhase(t, f.m, PhaseConnected)

	assert.Equal(t, "A", snap.AgentID)
	assert.Empty(t, snap.BusyAgentID)
	assert.True(t, snap.VoiceVisible)
	assert.Equal(t, "c1", snap.CallID)
	assert.Equal(t, "s1", snap.SessionID)
	assert.False(t, snap.ConnectedAt.IsZero())
	assert.Empty(t, snap.MicError)
	assert.True(t, f.tr.Last().MicEnabled())
}

func TestSecondStartEndsFirstBeforeAllocating(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.StartCall(ctx, "A"))
	waitPhase(t, f.m, PhaseConnected)

	require.NoError(t, f.m.StartCall(ctx, "B"))
	snap := waitPhase(t, f.m, PhaseConnected)
	assert.Equal(t, "B", snap.AgentID)

	assert.Equal(t, []string{
		"allocate A",
		"connect wss://A",
		"microphone",
		"disconnect",
		"finalize c1 s1",
		"allocate B",
		"connect wss://B",
		"microphone",
	}, f.log.Entries())

	adapters := f.tr.Adapters()
	require.Len(t, adapters, 2)
	assert.False(t, adapters[0].Connected())
	assert.True(t, adapters[1].Connected())
	assert.Equal(t, 1, f.tr.MaxActive())
}

func TestMissingCredentialsFailsAllocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"callId":"c1","call_session_id":"s1"}`))
	}))
	t.Cleanup(srv.Close)

	client := backend.NewClient(backend.Config{BaseURL: srv.URL, AllocatePath: "/alloc", FinalizePath: "/end"})
	tr := transporttest.NewHarness(nil)
	m := NewManager(client, tr.Factory(), Options{Logger: discardLogger()})

	err := m.StartCall(context.Background(), "A")

	var startErr *AgentStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, ReasonAllocation, startErr.Reason)
	assert.ErrorIs(t, err, backend.ErrMissingCredentials)
	var allocErr *backend.AllocationError
	assert.ErrorAs(t, err, &allocErr)

	snap := m.State()
	assert.Equal(t, PhaseEnded, snap.Phase)
	assert.Empty(t, snap.BusyAgentID)
	assert.False(t, snap.VoiceVisible)
	assert.NotEmpty(t, snap.LastError)
	assert.Empty(t, tr.Adapters(), "no transport may be created")
	assert.Empty(t, tr.Log.Entries())
}

func TestAllocationFailureNeverFinalizes(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.allocErr = &backend.AllocationError{AgentID: "A", StatusCode: 502, Cause: backend.ErrUnexpectedStatus}

	err := f.m.StartCall(context.Background(), "A")
	var startErr *AgentStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, ReasonAllocation, startErr.Reason)

	require.NoError(t, f.m.EndCall(context.Background()))
	assert.Zero(t, f.backend.finalizeCount())
	assert.Equal(t, []string{"allocate A"}, f.log.Entries())
}

func TestReconnectKeepsSession(t *testing.T) {
	f := newFixture(t, Options{})

	require.NoError(t, f.m.StartCall(context.Background(), "A"))
	waitPhase(t, f.m, PhaseConnected)
	adapter := f.tr.Last()

	adapter.Emit(transport.Event{Type: transport.EventReconnecting})
	waitPhase(t, f.m, PhaseReconnecting)

	adapter.Emit(transport.Event{Type: transport.EventReconnected})
	snap := waitPhase(t, f.m, PhaseConnected)

	assert.Equal(t, "c1", snap.CallID)
	assert.Equal(t, 1, f.backend.allocations())
	assert.Zero(t, f.backend.finalizeCount())
	assert.Len(t, f.tr.Adapters(), 1)
}

func TestRemoteDisconnectEndsCall(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.StartCall(ctx, "A"))
	waitPhase(t, f.m, PhaseConnected)

	f.tr.Last().Drop()
	snap := waitPhase(t, f.m, PhaseEnded)

	assert.Empty(t, snap.BusyAgentID)
	assert.False(t, snap.VoiceVisible)
	assert.Equal(t, 1, f.backend.finalizeCount())
	assert.Zero(t, f.tr.Active())

	// A later EndCall must not finalize the same session again.
	require.NoError(t, f.m.EndCall(ctx))
	assert.Equal(t, 1, f.backend.finalizeCount())
}

func TestEndCallIdleIsNoop(t *testing.T) {
	f := newFixture(t, Options{})

	require.NoError(t, f.m.EndCall(context.Background()))

	assert.Equal(t, PhaseIdle, f.m.State().Phase)
	assert.Empty(t, f.log.Entries())
}

func TestEndCallFinalizesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.StartCall(ctx, "A"))
	waitPhase(t, f.m, PhaseConnected)

	require.NoError(t, f.m.EndCall(ctx))
	require.NoError(t, f.m.EndCall(ctx))

	snap := f.m.State()
	assert.Equal(t, PhaseEnded, snap.Phase)
	assert.False(t, snap.VoiceVisible)
	assert.Equal(t, map[string]int{"c1": 1}, f.backend.finalizedPerCall())
	assert.Equal(t, 1, f.tr.Last().Disconnects())
}

func TestConcurrentRequestsHoldOneConnection(t *testing.T) {
	f := newFixture(t, Options{})
	agents := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				if rng.Intn(4) == 0 {
					_ = f.m.EndCall(context.Background())
					continue
				}
				_ = f.m.StartCall(context.Background(), agents[rng.Intn(len(agents))])
			}
		}(int64(w + 1))
	}
	wg.Wait()
	require.NoError(t, f.m.EndCall(context.Background()))

	assert.LessOrEqual(t, f.tr.MaxActive(), 1)
	assert.Zero(t, f.tr.Active())

	// Every allocated session is finalized exactly once.
	perCall := f.backend.finalizedPerCall()
	assert.Len(t, perCall, f.backend.allocations())
	for callID, n := range perCall {
		assert.Equal(t, 1, n, "finalize count for %s", callID)
	}
	assert.Empty(t, f.m.State().BusyAgentID)
}

func TestDuplicateStartRejectedWhileInProgress(t *testing.T) {
	f := newFixture(t, Options{})
	release := f.backend.blockAllocate("A")
	defer release()

	first := make(chan error, 1)
	go func() { first <- f.m.StartCall(context.Background(), "A") }()

	snap := waitPhase(t, f.m, PhaseAllocating)
	assert.Equal(t, "A", snap.BusyAgentID)

	err := f.m.StartCall(context.Background(), "A")
	assert.ErrorIs(t, err, ErrStartInProgress)

	release()
	require.NoError(t, <-first)
	waitPhase(t, f.m, PhaseConnected)
	assert.Equal(t, 1, f.backend.allocations())
}

func TestNewStartSupersedesPendingAllocation(t *testing.T) {
	f := newFixture(t, Options{})
	release := f.backend.blockAllocate("A")
	defer release()

	first := make(chan error, 1)
	go func() { first <- f.m.StartCall(context.Background(), "A") }()
	waitPhase(t, f.m, PhaseAllocating)

	require.NoError(t, f.m.StartCall(context.Background(), "B"))

	err := <-first
	var startErr *AgentStartError
	require.ErrorAs(t, err, &startErr)
	assert.True(t, startErr.IsSuperseded())
	assert.ErrorIs(t, err, ErrSuperseded)

	snap := waitPhase(t, f.m, PhaseConnected)
	assert.Equal(t, "B", snap.AgentID)
	assert.Equal(t, []string{"allocate A", "allocate B", "connect wss://B", "microphone"}, f.log.Entries())
	assert.Zero(t, f.backend.finalizeCount())
}

func TestEndCallCancelsPendingStart(t *testing.T) {
	f := newFixture(t, Options{})
	release := f.backend.blockAllocate("A")
	defer release()

	first := make(chan error, 1)
	go func() { first <- f.m.StartCall(context.Background(), "A") }()
	waitPhase(t, f.m, PhaseAllocating)

	require.NoError(t, f.m.EndCall(context.Background()))

	var startErr *AgentStartError
	require.ErrorAs(t, <-first, &startErr)
	assert.Equal(t, ReasonSuperseded, startErr.Reason)

	snap := f.m.State()
	assert.Equal(t, PhaseEnded, snap.Phase)
	assert.Empty(t, snap.BusyAgentID)
	assert.Empty(t, f.tr.Adapters())
}

func TestMicrophoneFailureKeepsCallLive(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.FailMicrophone(errors.New("permission denied"))

	require.NoError(t, f.m.StartCall(context.Background(), "A"))
	snap := waitPhase(t, f.m, PhaseConnected)

	assert.Contains(t, snap.MicError, "permission denied")
	assert.True(t, f.tr.Last().Connected())
	assert.Zero(t, f.backend.finalizeCount())
}

func TestConnectFailureEndsSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.FailConnect(errors.New("ice failed"))

	err := f.m.StartCall(context.Background(), "A")

	var startErr *AgentStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, ReasonTransport, startErr.Reason)
	var connErr *transport.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "wss://A", connErr.Address)

	snap := f.m.State()
	assert.Equal(t, PhaseEnded, snap.Phase)
	assert.Empty(t, snap.BusyAgentID)
	assert.False(t, snap.VoiceVisible)
	assert.Equal(t, 1, f.backend.finalizeCount())
	assert.Zero(t, f.tr.Active())
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, Options{ConnectTimeout: 50 * time.Millisecond})
	release := f.tr.BlockConnect()
	defer release()

	err := f.m.StartCall(context.Background(), "A")

	var connErr *transport.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.IsTimeout())
	assert.Equal(t, PhaseEnded, f.m.State().Phase)
	assert.Zero(t, f.tr.Active())
}

func TestCallerCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	release := f.backend.blockAllocate("A")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.StartCall(ctx, "A") }()
	waitPhase(t, f.m, PhaseAllocating)
	cancel()

	var startErr *AgentStartError
	require.ErrorAs(t, <-done, &startErr)
	assert.Equal(t, ReasonCancelled, startErr.Reason)
	assert.ErrorIs(t, startErr, context.Canceled)
	assert.Equal(t, PhaseEnded, f.m.State().Phase)
}

func TestLifecycleEventsPublished(t *testing.T) {
	pub := events.NewChannelPublisher(16)
	f := newFixture(t, Options{Publisher: pub, NodeID: "node-1"})
	ctx := context.Background()

	require.NoError(t, f.m.StartCall(ctx, "A"))
	waitPhase(t, f.m, PhaseConnected)
	require.NoError(t, f.m.EndCall(ctx))

	var got []events.EventType
	var ended *events.CallEndedEvent
	for len(got) < 4 {
		select {
		case e := <-pub.Events():
			got = append(got, e.Type())
			if ev, ok := e.(*events.CallEndedEvent); ok {
				ended = ev
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}

	assert.Equal(t, []events.EventType{
		events.CallRequested,
		events.CallAllocated,
		events.CallConnected,
		events.CallEnded,
	}, got)
	require.NotNil(t, ended)
	assert.True(t, ended.Finalized)
	assert.Equal(t, events.EndReasonLocal, ended.EndReason)
	assert.Equal(t, "c1", ended.CallID)
	assert.Equal(t, "node-1", ended.NodeID)
	assert.Equal(t, "agentline.calls.1.ended", ended.Subject())
}

type staticProviders map[string]string

func (p staticProviders) ProviderFor(agentID string) string { return p[agentID] }

func TestProviderHintFromResolver(t *testing.T) {
	var got backend.AllocateRequest
	b := &recordingBackend{onAllocate: func(req backend.AllocateRequest) { got = req }}
	tr := transporttest.NewHarness(nil)
	m := NewManager(b, tr.Factory(), Options{
		Providers: staticProviders{"A": "premium"},
		Logger:    discardLogger(),
	})
	defer m.Close(context.Background())

	require.NoError(t, m.StartCall(context.Background(), "A"))
	assert.Equal(t, "premium", got.Provider)
}

type recordingBackend struct {
	onAllocate func(backend.AllocateRequest)
}

func (b *recordingBackend) Allocate(_ context.Context, req backend.AllocateRequest) (*backend.Allocation, error) {
	b.onAllocate(req)
	return &backend.Allocation{CallID: "c", SessionID: "s", JoinAddress: "wss://x", JoinToken: "t"}, nil
}

func (b *recordingBackend) Finalize(context.Context, string, string) error { return nil }

func TestSubscribeDeliversLatest(t *testing.T) {
	f := newFixture(t, Options{})

	ch, unsubscribe := f.m.Subscribe()
	initial := <-ch
	assert.Equal(t, PhaseIdle, initial.Phase)

	require.NoError(t, f.m.StartCall(context.Background(), "A"))
	waitPhase(t, f.m, PhaseConnected)

	select {
	case snap := <-ch:
		assert.Equal(t, PhaseConnected, snap.Phase)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	unsubscribe()
	for range ch {
	}
	unsubscribe()
}

func TestCloseEndsCallAndRejectsStart(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.StartCall(ctx, "A"))
	waitPhase(t, f.m, PhaseConnected)

	require.NoError(t, f.m.Close(ctx))
	assert.Equal(t, PhaseEnded, f.m.State().Phase)
	assert.Equal(t, 1, f.backend.finalizeCount())

	assert.ErrorIs(t, f.m.StartCall(ctx, "B"), ErrClosed)
	require.NoError(t, f.m.Close(ctx))
}

func TestEmptyAgentRejected(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.m.StartCall(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyAgentID)
	assert.Empty(t, f.log.Entries())
}

func TestStaleEventsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.m.StartCall(ctx, "A"))
	waitPhase(t, f.m, PhaseConnected)
	old := f.tr.Last()

	require.NoError(t, f.m.StartCall(ctx, "B"))
	waitPhase(t, f.m, PhaseConnected)

	// The old adapter's stream is closed; pushes after Disconnect are dropped.
	old.Emit(transport.Event{Type: transport.EventReconnecting})
	old.Drop()
	time.Sleep(20 * time.Millisecond)

	snap := f.m.State()
	assert.Equal(t, PhaseConnected, snap.Phase)
	assert.Equal(t, "B", snap.AgentID)
}

func TestDropWhileReconnectingEndsCall(t *testing.T) {
	f := newFixture(t, Options{})

	require.NoError(t, f.m.StartCall(context.Background(), "A"))
	waitPhase(t, f.m, PhaseConnected)
	adapter := f.tr.Last()

	adapter.Emit(transport.Event{Type: transport.EventReconnecting})
	waitPhase(t, f.m, PhaseReconnecting)

	adapter.Drop()
	snap := waitPhase(t, f.m, PhaseEnded)

	assert.Empty(t, snap.BusyAgentID)
	assert.False(t, snap.VoiceVisible)
	assert.Equal(t, map[string]int{"c1": 1}, f.backend.finalizedPerCall())
	assert.Zero(t, f.tr.Active())
}

func TestDropWhileConnectingFailsStart(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.ManualConnected(true)
	release := f.tr.BlockConnect()
	defer release()

	done := make(chan error, 1)
	go func() { done <- f.m.StartCall(context.Background(), "A") }()

	waitPhase(t, f.m, PhaseConnecting)
	f.tr.Last().Drop()
	snap := waitPhase(t, f.m, PhaseEnded)
	assert.Empty(t, snap.BusyAgentID)
	assert.False(t, snap.VoiceVisible)
	release()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall did not return after the drop")
	}
	var startErr *AgentStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, ReasonTransport, startErr.Reason)

	assert.Equal(t, map[string]int{"c1": 1}, f.backend.finalizedPerCall())
	assert.Equal(t, PhaseEnded, f.m.State().Phase)
	assert.Zero(t, f.tr.Active())
}

func TestDropDuringMicrophoneSetupFailsStart(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.OnMicrophone(func(a *transporttest.Fake) {
		a.Drop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = f.m.WaitForPhase(ctx, PhaseEnded)
	})

	err := f.m.StartCall(context.Background(), "A")

	var startErr *AgentStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, ReasonTransport, startErr.Reason)
	assert.ErrorIs(t, err, transport.ErrAdapterClosed)

	snap := f.m.State()
	assert.Equal(t, PhaseEnded, snap.Phase)
	assert.Empty(t, snap.MicError)
	assert.Equal(t, map[string]int{"c1": 1}, f.backend.finalizedPerCall())
}
