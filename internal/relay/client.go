// Package relay moves domain events through NATS JetStream.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Stream and consumer names used for payment events.
const (
	StreamPayments            = "payments"
	DurablePaymentProvisioner = "payment_succeeded_provisioner"
)

const defaultStreamMaxMsgs int64 = 100000

// Config contains connection settings.
type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// StreamConfig describes a work-queue stream.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxMsgs  int64
	MaxAge   time.Duration
	// Duplicates is the window in which publishes with the same message ID are dropped.
	Duplicates time.Duration
}

// Client is a JetStream connection.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
}

// Connect dials the server and opens a JetStream context.
func Connect(ctx context.Context, config Config) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if config.Name == "" {
		config.Name = "channel-access"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, err
	}

	slog.Info("connected to nats", "url", nc.ConnectedUrlRedacted())
	return &Client{nc: nc, js: js, config: config}, nil
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
		c.nc.Close()
	}
}

// Ping reports whether the connection is up.
func (c *Client) Ping(_ context.Context) error {
	if c.nc == nil || !c.nc.IsConnected() {
		return errors.New("nats is not connected")
	}
	return nil
}

// JetStream returns the underlying JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// EnsureStream creates the stream or updates it to cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	if cfg.MaxMsgs <= 0 {
		cfg.MaxMsgs = defaultStreamMaxMsgs
	}
	sc := jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		MaxMsgs:    cfg.MaxMsgs,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.Duplicates,
	}

	_, err := c.js.CreateStream(ctx, sc)
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		_, err = c.js.UpdateStream(ctx, sc)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	slog.Info("stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return nil
}

// Publish sends v as JSON. The server drops a second publish with the same
// msgID inside the stream duplicate window.
func (c *Client) Publish(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	opts := []jetstream.PublishOpt{}
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := c.js.Publish(pubCtx, subject, data, opts...)
	if err != nil {
		recordPublished(subject, "error")
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	if ack.Duplicate {
		recordPublished(subject, "duplicate")
		slog.Debug("duplicate publish dropped", "subject", subject, "msg_id", msgID)
		return nil
	}

	recordPublished(subject, "ok")
	slog.Debug("event published", "subject", subject, "msg_id", msgID, "seq", ack.Sequence)
	return nil
}
