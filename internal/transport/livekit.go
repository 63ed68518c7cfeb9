package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LiveKitOptions configures a LiveKit adapter.
type LiveKitOptions struct {
	// Sink plays remote audio. Defaults to DiscardSink.
	Sink AudioSink
	// Microphone supplies the local capture track. When nil,
	// EnableLocalAudio fails with ErrNoCaptureDevice.
	Microphone Microphone
	// AutoSubscribe subscribes to remote tracks as soon as they are published.
	AutoSubscribe bool
	Logger        *slog.Logger
}

// LiveKit is an Adapter backed by the LiveKit Go SDK.
type LiveKit struct {
	opts     LiveKitOptions
	logger   *slog.Logger
	queue    *EventQueue
	attached *Attachments

	mu     sync.Mutex
	room   *lksdk.Room
	join   *pendingJoin
	mic    LocalAudioTrack
	closed bool
}

// NewLiveKit creates an adapter. Each adapter joins at most one room.
func NewLiveKit(opts LiveKitOptions) *LiveKit {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")
	return &LiveKit{
		opts:     opts,
		logger:   logger,
		queue:    NewEventQueue(),
		attached: NewAttachments(opts.Sink, logger),
	}
}

// LiveKitFactory returns a Factory producing LiveKit adapters with opts.
func LiveKitFactory(opts LiveKitOptions) Factory {
	return func() Adapter {
		return NewLiveKit(opts)
	}
}

// Events implements Adapter.
func (l *LiveKit) Events() <-chan Event {
	return l.queue.Events()
}

// pendingJoin is a room join that has not settled yet.
type pendingJoin struct {
	room *lksdk.Room
	done chan struct{}
	err  error

	releaseOnce sync.Once
}

// release disconnects the room, aborting the join if it is still running.
func (j *pendingJoin) release() {
	j.releaseOnce.Do(j.room.Disconnect)
}

// Connect implements Adapter.
func (l *LiveKit) Connect(ctx context.Context, address, token string) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return &ConnectError{Address: address, Cause: ErrAdapterClosed}
	case l.join != nil || l.room != nil:
		l.mu.Unlock()
		return &ConnectError{Address: address, Cause: ErrAlreadyConnected}
	}
	join := &pendingJoin{
		room: lksdk.NewRoom(l.roomCallback()),
		done: make(chan struct{}),
	}
	l.join = join
	l.mu.Unlock()

	l.logger.Info("[LiveKit] Connecting", "address", address)

	go func() {
		join.err = join.room.JoinWithToken(address, token, lksdk.WithAutoSubscribe(l.opts.AutoSubscribe))
		close(join.done)
	}()

	select {
	case <-join.done:
		l.mu.Lock()
		if l.closed {
			// Disconnect owns the pending join and releases the room.
			l.mu.Unlock()
			return &ConnectError{Address: address, Cause: ErrAdapterClosed}
		}
		l.join = nil
		if join.err != nil {
			l.mu.Unlock()
			return &ConnectError{Address: address, Cause: join.err}
		}
		l.room = join.room
		l.mu.Unlock()

		l.logger.Info("[LiveKit] Connected", "room", join.room.Name())
		l.queue.Push(Event{Type: EventConnected})
		return nil

	case <-ctx.Done():
		// The join stays registered until it settles so that Disconnect
		// can wait for its signaling connection to close.
		join.release()
		return &ConnectError{Address: address, Cause: ctx.Err()}
	}
}

// EnableLocalAudio implements Adapter.
func (l *LiveKit) EnableLocalAudio(ctx context.Context) error {
	if l.opts.Microphone == nil {
		return &MicrophoneError{Cause: ErrNoCaptureDevice}
	}

	l.mu.Lock()
	room := l.room
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return &MicrophoneError{Cause: ErrAdapterClosed}
	}
	if room == nil {
		return &MicrophoneError{Cause: ErrNotConnected}
	}

	track, err := l.opts.Microphone.Open(ctx)
	if err != nil {
		return &MicrophoneError{Cause: err}
	}

	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		_ = track.Close()
		return &MicrophoneError{Cause: fmt.Errorf("publish: %w", err)}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = track.Close()
		return &MicrophoneError{Cause: ErrAdapterClosed}
	}
	l.mic = track
	l.mu.Unlock()

	l.logger.Info("[LiveKit] Microphone published")
	return nil
}

// Disconnect implements Adapter.
func (l *LiveKit) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	room := l.room
	join := l.join
	mic := l.mic
	l.room = nil
	l.join = nil
	l.mic = nil
	l.mu.Unlock()

	if join != nil {
		l.awaitJoin(ctx, join)
	}

	n := l.attached.DetachAll()
	if mic != nil {
		if err := mic.Close(); err != nil {
			l.logger.Debug("[LiveKit] Microphone close failed", "error", err)
		}
	}
	if room != nil {
		room.Disconnect()
		l.queue.Push(Event{Type: EventDisconnected, Reason: DisconnectLocal})
	}
	l.queue.Close()

	l.logger.Info("[LiveKit] Disconnected", "detached_tracks", n)
	return nil
}

// awaitJoin aborts a pending join and waits, bounded by ctx, until its
// signaling connection is gone.
func (l *LiveKit) awaitJoin(ctx context.Context, join *pendingJoin) {
	join.release()
	select {
	case <-join.done:
		if join.err == nil {
			// The join won the race against the abort.
			join.room.Disconnect()
		}
	case <-ctx.Done():
		l.logger.Warn("[LiveKit] Join still pending after disconnect", "error", ctx.Err())
		go func() {
			<-join.done
			if join.err == nil {
				join.room.Disconnect()
			}
		}()
	}
}

func (l *LiveKit) roomCallback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				l.onTrack(&liveKitTrack{track: track, participant: rp.Identity()})
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				l.attached.Detach(track.ID())
			},
		},
		OnReconnecting: func() {
			l.logger.Warn("[LiveKit] Reconnecting")
			l.queue.Push(Event{Type: EventReconnecting})
		},
		OnReconnected: func() {
			l.logger.Info("[LiveKit] Reconnected")
			l.queue.Push(Event{Type: EventReconnected})
		},
		OnDisconnected: func() {
			l.onRemoteDisconnect()
		},
	}
}

func (l *LiveKit) onTrack(track RemoteTrack) {
	info := &TrackInfo{
		ID:          track.ID(),
		Kind:        track.Kind(),
		Codec:       track.Codec(),
		Participant: track.Participant(),
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()

	if track.Kind() == TrackKindAudio && !closed {
		if err := l.attached.Attach(track); err != nil {
			l.logger.Warn("[LiveKit] Could not attach remote audio", "track", info.ID, "error", err)
		} else {
			info.Attached = true
		}
	}
	l.queue.Push(Event{Type: EventRemoteTrack, Track: info})
}

// onRemoteDisconnect handles a drop the caller did not ask for. Drops of a
// join that never completed are reported by Connect instead.
func (l *LiveKit) onRemoteDisconnect() {
	l.mu.Lock()
	if l.closed || l.join != nil {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	n := l.attached.DetachAll()
	l.logger.Warn("[LiveKit] Remote disconnect", "detached_tracks", n)
	l.queue.Push(Event{Type: EventDisconnected, Reason: DisconnectRemote})
}

// liveKitTrack adapts a pion remote track to RemoteTrack.
type liveKitTrack struct {
	track       *webrtc.TrackRemote
	participant string
}

func (t *liveKitTrack) ID() string { return t.track.ID() }

func (t *liveKitTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

func (t *liveKitTrack) Codec() string { return t.track.Codec().MimeType }

func (t *liveKitTrack) Participant() string { return t.participant }

func (t *liveKitTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
