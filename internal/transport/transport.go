// Package transport wraps the real-time media client used to talk to a
// voice agent. An Adapter joins one room, plays the agent's audio through an
// AudioSink, publishes the local microphone and reports what happens to the
// connection as an ordered stream of Events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType identifies a transport event.
type EventType int

const (
	// EventConnected fires once the room join succeeded.
	EventConnected EventType = iota
	// EventDisconnected fires when the connection is gone, whether the caller
	// asked for it or the network dropped it.
	EventDisconnected
	// EventReconnecting fires when the client lost the media path and is
	// trying to restore it.
	EventReconnecting
	// EventReconnected fires when a reconnect attempt succeeded.
	EventReconnected
	// EventRemoteTrack fires when a remote participant's track is available.
	EventRemoteTrack
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventRemoteTrack:
		return "remote_track"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// DisconnectReason explains an EventDisconnected.
type DisconnectReason string

const (
	// DisconnectLocal means Disconnect was called.
	DisconnectLocal DisconnectReason = "local"
	// DisconnectRemote means the server or the network ended the session.
	DisconnectRemote DisconnectReason = "remote"
)

// TrackKind is the media kind of a track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TrackInfo describes a remote track carried by an EventRemoteTrack.
type TrackInfo struct {
	ID          string
	Kind        TrackKind
	Codec       string
	Participant string
	Attached    bool // true when the track was attached to the audio sink
}

// Event is a single transport notification.
type Event struct {
	Type   EventType
	Time   time.Time
	Track  *TrackInfo       // EventRemoteTrack only
	Reason DisconnectReason // EventDisconnected only
}

// Adapter is one media connection. Adapters are single-use: after
// Disconnect the adapter cannot connect again.
type Adapter interface {
	// Connect joins the room at address with token. It blocks until the join
	// succeeds or fails; ctx bounds only the join attempt, not the lifetime
	// of the connection. Failures are *ConnectError.
	Connect(ctx context.Context, address, token string) error

	// EnableLocalAudio opens the capture device and starts sending it.
	// Failures are *MicrophoneError and leave the connection usable.
	EnableLocalAudio(ctx context.Context) error

	// Disconnect tears the connection down, detaches every remote audio
	// track and closes the event stream. Calling it again is a no-op.
	Disconnect(ctx context.Context) error

	// Events returns the ordered event stream. It is closed after
	// Disconnect once pending events are delivered.
	Events() <-chan Event
}

// Factory creates a fresh Adapter for each call.
type Factory func() Adapter

// Sentinel errors for use with errors.Is.
var (
	// ErrAlreadyConnected indicates Connect was called twice on one adapter.
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrAdapterClosed indicates the adapter was disconnected before or
	// during the operation.
	ErrAdapterClosed = errors.New("transport adapter closed")

	// ErrNotConnected indicates an operation that needs a live connection.
	ErrNotConnected = errors.New("transport not connected")

	// ErrNoCaptureDevice indicates no microphone is configured.
	ErrNoCaptureDevice = errors.New("no capture device")
)

// ConnectError describes a failed room join.
type ConnectError struct {
	Address string
	Cause   error
}

// Error returns the error message.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Address, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// IsTimeout returns true if the join attempt ran out of time.
func (e *ConnectError) IsTimeout() bool {
	return errors.Is(e.Cause, context.DeadlineExceeded)
}

// MicrophoneError describes a failure to capture or publish local audio.
type MicrophoneError struct {
	Cause error
}

// Error returns the error message.
func (e *MicrophoneError) Error() string {
	return fmt.Sprintf("enable microphone: %v", e.Cause)
}

// Unwrap returns the underlying error.
func (e *MicrophoneError) Unwrap() error {
	return e.Cause
}
