package transport

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// RemoteTrack is a track received from a remote participant.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	// Codec returns the negotiated MIME type, e.g. "audio/PCMU".
	Codec() string
	Participant() string
	// ReadRTP reads the next RTP packet. It returns an error once the track
	// has ended.
	ReadRTP() (*rtp.Packet, error)
}

// AudioSink plays remote audio. Attach starts consuming the track; the
// returned Attachment stops it.
type AudioSink interface {
	Attach(track RemoteTrack) (Attachment, error)
}

// Attachment is a track currently bound to a sink.
type Attachment interface {
	// Detach stops playback. Packets still in flight are discarded; the
	// reader goroutine exits at the next read.
	Detach() error
}

// Attachments records which remote tracks are bound to a sink so that all
// of them can be released when the connection goes away.
type Attachments struct {
	sink   AudioSink
	logger *slog.Logger

	mu      sync.Mutex
	byTrack map[string]Attachment
}

// NewAttachments creates a registry for sink.
func NewAttachments(sink AudioSink, logger *slog.Logger) *Attachments {
	if sink == nil {
		sink = DiscardSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Attachments{
		sink:    sink,
		logger:  logger,
		byTrack: make(map[string]Attachment),
	}
}

// Attach binds track to the sink. Attaching a track twice is a no-op.
func (a *Attachments) Attach(track RemoteTrack) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byTrack[track.ID()]; ok {
		return nil
	}
	att, err := a.sink.Attach(track)
	if err != nil {
		return fmt.Errorf("attach track %s: %w", track.ID(), err)
	}
	a.byTrack[track.ID()] = att
	a.logger.Debug("[Sink] Track attached", "track", track.ID(), "codec", track.Codec(), "participant", track.Participant())
	return nil
}

// Detach releases one track. Unknown tracks are ignored.
func (a *Attachments) Detach(trackID string) {
	a.mu.Lock()
	att, ok := a.byTrack[trackID]
	delete(a.byTrack, trackID)
	a.mu.Unlock()

	if ok {
		a.detach(trackID, att)
	}
}

// DetachAll releases every track and returns how many were attached.
func (a *Attachments) DetachAll() int {
	a.mu.Lock()
	all := a.byTrack
	a.byTrack = make(map[string]Attachment)
	a.mu.Unlock()

	for id, att := range all {
		a.detach(id, att)
	}
	return len(all)
}

// Len returns the number of attached tracks.
func (a *Attachments) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byTrack)
}

func (a *Attachments) detach(trackID string, att Attachment) {
	if err := att.Detach(); err != nil {
		a.logger.Warn("[Sink] Detach failed", "track", trackID, "error", err)
		return
	}
	a.logger.Debug("[Sink] Track detached", "track", trackID)
}

// DiscardSink reads and drops every packet so the remote jitter buffer
// keeps draining when no audio output is configured.
type DiscardSink struct{}

// Attach implements AudioSink.
func (DiscardSink) Attach(track RemoteTrack) (Attachment, error) {
	att := &readerAttachment{}
	go att.pump(track, func(*rtp.Packet) {})
	return att, nil
}

// PayloadSink decodes G.711 payloads to 16-bit little-endian PCM and writes
// them to an io.Writer. Tracks with other codecs are drained without output.
type PayloadSink struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewPayloadSink creates a sink writing decoded PCM to w.
func NewPayloadSink(w io.Writer, logger *slog.Logger) *PayloadSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadSink{w: w, logger: logger}
}

// Attach implements AudioSink.
func (s *PayloadSink) Attach(track RemoteTrack) (Attachment, error) {
	if track.Kind() != TrackKindAudio {
		return nil, fmt.Errorf("track %s is %s, not audio", track.ID(), track.Kind())
	}

	decode := decoderFor(track.Codec())
	if decode == nil {
		s.logger.Info("[Sink] No decoder for codec, draining track", "track", track.ID(), "codec", track.Codec())
	}

	att := &readerAttachment{}
	go att.pump(track, func(pkt *rtp.Packet) {
		if decode == nil || len(pkt.Payload) == 0 {
			return
		}
		pcm := decode(pkt.Payload)

		s.mu.Lock()
		defer s.mu.Unlock()
		if att.detached.Load() {
			return
		}
		if _, err := s.w.Write(pcm); err != nil {
			s.logger.Warn("[Sink] Write failed, detaching", "track", track.ID(), "error", err)
			att.detached.Store(true)
		}
	})
	return att, nil
}

// decoderFor returns the PCM decoder for a MIME type, or nil.
func decoderFor(mimeType string) func([]byte) []byte {
	switch strings.ToLower(mimeType) {
	case "audio/pcmu":
		return g711.DecodeUlaw
	case "audio/pcma":
		return g711.DecodeAlaw
	default:
		return nil
	}
}

// readerAttachment runs the per-track read loop.
type readerAttachment struct {
	detached atomic.Bool
	packets  atomic.Uint64
}

func (a *readerAttachment) pump(track RemoteTrack, handle func(*rtp.Packet)) {
	for !a.detached.Load() {
		pkt, err := track.ReadRTP()
		if err != nil {
			return
		}
		if a.detached.Load() {
			return
		}
		a.packets.Add(1)
		handle(pkt)
	}
}

// Detach implements Attachment.
func (a *readerAttachment) Detach() error {
	a.detached.Store(true)
	return nil
}
