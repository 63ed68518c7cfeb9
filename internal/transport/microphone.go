package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/zaf/g711"
)

const (
	micSampleRate    = 8000
	micFrameDuration = 20 * time.Millisecond
	// samples per frame * 2 bytes per PCM16 sample
	micFrameBytes = micSampleRate / 1000 * 20 * 2
	ulawSilence   = 0xFF
)

// LocalAudioTrack is a capture track ready to publish.
type LocalAudioTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Microphone opens the local capture device.
type Microphone interface {
	Open(ctx context.Context) (LocalAudioTrack, error)
}

// ReaderMicrophone captures 8kHz mono 16-bit little-endian PCM from an
// io.Reader and sends it as G.711 µ-law. A nil Source, or one that has run
// dry, produces silence so the agent keeps receiving a steady stream.
type ReaderMicrophone struct {
	Source io.Reader
	Logger *slog.Logger
}

// Open implements Microphone.
func (m *ReaderMicrophone) Open(ctx context.Context) (LocalAudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := lksdk.NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: micSampleRate,
		Channels:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("create capture track: %w", err)
	}

	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &captureTrack{LocalTrack: track, stop: make(chan struct{})}
	go t.run(m.Source, logger)
	return t, nil
}

type captureTrack struct {
	*lksdk.LocalTrack
	stop     chan struct{}
	stopOnce sync.Once
}

// Close stops the capture loop and closes the track.
func (t *captureTrack) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return t.LocalTrack.Close()
}

func (t *captureTrack) run(source io.Reader, logger *slog.Logger) {
	ticker := time.NewTicker(micFrameDuration)
	defer ticker.Stop()

	buf := make([]byte, micFrameBytes)
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		var frame []byte
		frame, source = nextFrame(source, buf)
		if err := t.WriteSample(media.Sample{Data: frame, Duration: micFrameDuration}, nil); err != nil {
			logger.Debug("[Mic] Write sample failed", "error", err)
		}
	}
}

// nextFrame reads one frame of PCM from source and encodes it as µ-law.
// Short reads are padded with silence. It returns a nil source once the
// reader is exhausted so later frames are pure silence.
func nextFrame(source io.Reader, buf []byte) ([]byte, io.Reader) {
	if source == nil {
		return silenceFrame(len(buf) / 2), nil
	}

	n, err := io.ReadFull(source, buf)
	if n > 0 {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		frame := g711.EncodeUlaw(buf)
		if err != nil {
			return frame, nil
		}
		return frame, source
	}
	return silenceFrame(len(buf) / 2), nil
}

func silenceFrame(samples int) []byte {
	frame := make([]byte, samples)
	for i := range frame {
		frame[i] = ulawSilence
	}
	return frame
}
