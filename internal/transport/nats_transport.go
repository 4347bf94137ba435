package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig mirrors the teacher's nats.Config reconnection knobs.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// DefaultNATSConfig matches the teacher's production defaults.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:             url,
		MaxReconnects:   -1, // retry forever
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}
}

// NATSTransport delivers envelope bytes by publishing to a per-recipient
// subject. Adapted from the teacher's pkg/nats.Client: same connection
// event handlers and reconnect options, collapsed from a general pub/sub
// wrapper down to the single Send the router needs, since subscription
// management belongs to whatever process consumes the hub's output, not to
// the hub itself.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSTransport connects to NATS and returns a Transport bound to
// subject. One NATSTransport per recipient keeps Send trivial; callers
// typically build one per route registration.
func NewNATSTransport(cfg NATSConfig, subject string, logger zerolog.Logger) (*NATSTransport, error) {
	t := &NATSTransport{subject: subject, logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats connected")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			t.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	t.conn = conn
	return t, nil
}

// Send publishes the envelope payload to the transport's bound subject.
// NATS publish is fire-and-forget; QoS retry semantics live entirely in
// internal/qos, not here.
func (t *NATSTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.Publish(t.subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", t.subject, err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (t *NATSTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Drain()
}

// IsConnected reports the underlying NATS connection's liveness.
func (t *NATSTransport) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}
