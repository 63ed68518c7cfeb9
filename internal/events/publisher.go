package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher delivers events to a sink.
type Publisher interface {
	// Publish delivers one event. Implementations must not block on slow
	// consumers for long; the session manager calls it inline.
	Publish(ctx context.Context, e Event) error
	// Flush waits until buffered events reached the sink.
	Flush(ctx context.Context) error
	Close() error
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that discards events.
func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (*NoopPublisher) Publish(context.Context, Event) error { return nil }
func (*NoopPublisher) Flush(context.Context) error          { return nil }
func (*NoopPublisher) Close() error                         { return nil }

// LoggingPublisher writes each event as a structured log line.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher logging at Info.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, e Event) error {
	b := e.Base()
	p.logger.InfoContext(ctx, "[Events] "+string(e.Type()),
		"subject", e.Subject(),
		"agent", b.AgentID,
		"call_id", b.CallID,
		"session_id", b.SessionID,
	)
	return nil
}

func (p *LoggingPublisher) Flush(context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                { return nil }

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// ChannelPublisher hands events to an in-process consumer. When the buffer
// is full events are dropped and counted.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(size int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan Event, size)}
}

func (p *ChannelPublisher) Publish(_ context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.ch <- e:
	default:
		p.dropped.Add(1)
	}
	return nil
}

// Events returns the consumer side.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

// DroppedCount returns how many events were dropped on a full buffer.
func (p *ChannelPublisher) DroppedCount() uint64 { return p.dropped.Load() }

func (p *ChannelPublisher) Flush(context.Context) error { return nil }

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// MultiPublisher fans events out to several publishers.
type MultiPublisher struct {
	pubs []Publisher
}

// NewMultiPublisher combines publishers.
func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: pubs}
}

func (m *MultiPublisher) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m.pubs {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) Flush(ctx context.Context) error {
	var errs []error
	for _, p := range m.pubs {
		if err := p.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
