// Package transporttest provides an in-process transport.Adapter for tests.
// Adapters created by one Harness share a call log and a live connection
// counter, so tests can assert ordering across components and that no two
// connections were ever open at once.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sebas/agentline/internal/transport"
)

// Compile-time interface check.
var _ transport.Adapter = (*Fake)(nil)

// Log is an ordered, concurrency-safe record of calls.
type Log struct {
	mu      sync.Mutex
	entries []string
}

// Record appends an entry.
func (l *Log) Record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of every entry in record order.
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Harness creates Fake adapters and scripts their behavior.
type Harness struct {
	Log *Log

	mu         sync.Mutex
	adapters   []*Fake
	active     int
	maxActive  int
	connectErr error
	micErr     error
	block      chan struct{}
	manual     bool
	onMic      func(*Fake)
}

// NewHarness creates a harness writing to log. A nil log gets a fresh one.
func NewHarness(log *Log) *Harness {
	if log == nil {
		log = &Log{}
	}
	return &Harness{Log: log}
}

// Factory returns a transport.Factory producing Fakes bound to h.
func (h *Harness) Factory() transport.Factory {
	return func() transport.Adapter {
		f := &Fake{h: h, id: 0, queue: transport.NewEventQueue()}
		h.mu.Lock()
		h.adapters = append(h.adapters, f)
		f.id = len(h.adapters)
		h.mu.Unlock()
		return f
	}
}

// FailConnect makes subsequent Connect calls fail with err. Nil restores
// success.
func (h *Harness) FailConnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErr = err
}

// FailMicrophone makes subsequent EnableLocalAudio calls fail with err.
func (h *Harness) FailMicrophone(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.micErr = err
}

// BlockConnect makes subsequent Connect calls wait until the returned
// release function is called or their context ends.
func (h *Harness) BlockConnect() (release func()) {
	ch := make(chan struct{})
	h.mu.Lock()
	h.block = ch
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.block == ch {
				h.block = nil
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ManualConnected stops Connect from emitting EventConnected on success;
// the test emits it with Emit.
func (h *Harness) ManualConnected(manual bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manual = manual
}

// OnMicrophone runs fn at the start of every EnableLocalAudio call, before
// the fake checks its connection. Nil removes the hook.
func (h *Harness) OnMicrophone(fn func(*Fake)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMic = fn
}

// Adapters returns every Fake created so far.
func (h *Harness) Adapters() []*Fake {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Fake(nil), h.adapters...)
}

// Last returns the most recently created Fake, or nil.
func (h *Harness) Last() *Fake {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.adapters) == 0 {
		return nil
	}
	return h.adapters[len(h.adapters)-1]
}

// Active returns the number of connections currently open.
func (h *Harness) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// MaxActive returns the highest number of simultaneously open connections.
func (h *Harness) MaxActive() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxActive
}

// Fake is a scripted transport.Adapter.
type Fake struct {
	h     *Harness
	id    int
	queue *transport.EventQueue

	mu          sync.Mutex
	connected   bool
	closed      bool
	micEnabled  bool
	disconnects int
}

// ID is the 1-based creation index within the harness.
func (f *Fake) ID() int { return f.id }

// Connect implements transport.Adapter.
func (f *Fake) Connect(ctx context.Context, address, token string) error {
	f.h.Log.Record("connect %s", address)

	f.h.mu.Lock()
	block := f.h.block
	connectErr := f.h.connectErr
	manual := f.h.manual
	f.h.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &transport.ConnectError{Address: address, Cause: ctx.Err()}
		}
	}
	if connectErr != nil {
		return &transport.ConnectError{Address: address, Cause: connectErr}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return &transport.ConnectError{Address: address, Cause: transport.ErrAdapterClosed}
	}
	if f.connected {
		f.mu.Unlock()
		return &transport.ConnectError{Address: address, Cause: transport.ErrAlreadyConnected}
	}
	f.connected = true
	f.mu.Unlock()

	f.h.mu.Lock()
	f.h.active++
	if f.h.active > f.h.maxActive {
		f.h.maxActive = f.h.active
	}
	f.h.mu.Unlock()

	if !manual {
		f.queue.Push(transport.Event{Type: transport.EventConnected})
	}
	return nil
}

// EnableLocalAudio implements transport.Adapter.
func (f *Fake) EnableLocalAudio(ctx context.Context) error {
	f.h.Log.Record("microphone")

	f.h.mu.Lock()
	micErr := f.h.micErr
	onMic := f.h.onMic
	f.h.mu.Unlock()
	if onMic != nil {
		onMic(f)
	}
	if micErr != nil {
		return &transport.MicrophoneError{Cause: micErr}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return &transport.MicrophoneError{Cause: transport.ErrNotConnected}
	}
	f.micEnabled = true
	return nil
}

// Disconnect implements transport.Adapter.
func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()

	f.h.Log.Record("disconnect")
	if wasConnected {
		f.h.mu.Lock()
		f.h.active--
		f.h.mu.Unlock()
		f.queue.Push(transport.Event{Type: transport.EventDisconnected, Reason: transport.DisconnectLocal})
	}
	f.queue.Close()
	return nil
}

// Events implements transport.Adapter.
func (f *Fake) Events() <-chan transport.Event {
	return f.queue.Events()
}

// Emit injects an event as if the media client raised it.
func (f *Fake) Emit(ev transport.Event) {
	f.queue.Push(ev)
}

// Drop simulates the server ending the session.
func (f *Fake) Drop() {
	f.queue.Push(transport.Event{Type: transport.EventDisconnected, Reason: transport.DisconnectRemote})
}

// Connected reports whether the fake holds an open connection.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// MicEnabled reports whether EnableLocalAudio succeeded.
func (f *Fake) MicEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.micEnabled
}

// Disconnects returns how many times Disconnect was called.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}
