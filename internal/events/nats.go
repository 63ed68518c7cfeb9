package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// Name announced to the server
	Name string
	// Connection timeout
	ConnectTimeout time.Duration
	// Reconnect settings
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	// Auth
	CredsFile string
	Token     string
	User      string
	Password  string
}

// DefaultNATSConfig returns defaults for a single daemon.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		Name:            "agentline-events",
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// NATSPublisher publishes events as JSON on their subject. Publishing only
// buffers the message in the client, so it does not block the caller while
// the server is slow or reconnecting. A JetStream stream capturing
// "agentline.calls.>" deduplicates on the Nats-Msg-Id header.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger

	closeOnce sync.Once
	published atomic.Int64
	failed    atomic.Int64
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[Events] NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[Events] NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("[Events] NATS error", "error", err)
		}),
	}

	switch {
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info("[Events] NATS publisher initialized", "url", conn.ConnectedUrl())
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// natsMsg encodes e for publishing.
func natsMsg(e Event) (*nats.Msg, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(e.Subject())
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.Base().EventID)
	msg.Header.Set("Agentline-Event-Type", string(e.Type()))
	return msg, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	msg, err := natsMsg(e)
	if err != nil {
		p.failed.Add(1)
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	p.published.Add(1)
	return nil
}

func (p *NATSPublisher) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return p.conn.Flush()
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains buffered messages and closes the connection.
func (p *NATSPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Drain()
		published, failed := p.Stats()
		p.logger.Info("[Events] NATS publisher closed", "published", published, "failed", failed)
	})
	return err
}

// Stats returns how many events were published and how many failed.
func (p *NATSPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}
