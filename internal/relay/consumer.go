package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/channel-access/internal/pkg/ctxlog"
	"github.com/nats-io/nats.go/jetstream"
)

// Handler processes one message payload.
type Handler func(ctx context.Context, data []byte) error

// ConsumerConfig contains durable consumer configuration.
type ConsumerConfig struct {
	Stream            string
	Durable           string
	FilterSubject     string
	MaxDeliver        int
	AckWait           time.Duration
	MaxAckPending     int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConsumerConfig returns the provisioning consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Stream:            StreamPayments,
		Durable:           DurablePaymentProvisioner,
		MaxDeliver:        20,
		AckWait:           30 * time.Second,
		MaxAckPending:     16,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Consumer delivers messages of a durable pull consumer to a Handler.
type Consumer struct {
	js      jetstream.JetStream
	config  ConsumerConfig
	handler Handler

	mu      sync.Mutex
	cc      jetstream.ConsumeContext
	stopped bool
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer. Call Start to begin delivery.
func NewConsumer(js jetstream.JetStream, config ConsumerConfig, handler Handler) *Consumer {
	return &Consumer{
		js:      js,
		config:  config,
		handler: handler,
	}
}

// Start creates or updates the durable consumer and starts delivery.
func (c *Consumer) Start(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.config.Stream, jetstream.ConsumerConfig{
		Durable:       c.config.Durable,
		FilterSubject: c.config.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		MaxAckPending: c.config.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.config.Durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if !c.enter() {
			return
		}
		defer c.wg.Done()
		c.handle(ctx, msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrNoHeartbeat) {
			slog.Warn("consumer heartbeat missed", "consumer", c.config.Durable)
			return
		}
		slog.Error("consume error", "consumer", c.config.Durable, "error", err)
	}))
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.config.Durable, err)
	}

	c.mu.Lock()
	c.cc = cc
	c.mu.Unlock()

	slog.Info("starting event consumer",
		"stream", c.config.Stream,
		"consumer", c.config.Durable,
		"subject", c.config.FilterSubject,
	)
	return nil
}

// Stop stops delivery and waits for in-flight handlers.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.stopped = true
	cc := c.cc
	c.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	c.wg.Wait()
	slog.Info("event consumer stopped", "consumer", c.config.Durable)
}

func (c *Consumer) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	return true
}

// handle runs the handler and settles the message: nil and non-retryable
// errors acknowledge, anything else naks with a delay.
func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	start := time.Now()

	var delivered uint64 = 1
	if md, err := msg.Metadata(); err == nil {
		delivered = md.NumDelivered
	}
	ctx, log := ctxlog.With(ctx,
		"consumer", c.config.Durable,
		"subject", msg.Subject(),
		"delivered", delivered,
	)

	err := c.handler(ctx, msg.Data())
	duration := time.Since(start)

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("failed to ack message", "error", ackErr)
		}
		recordConsumed(c.config.Durable, "ack", duration)
		return
	}

	if !IsRetryable(err) {
		log.Warn("dropping message", "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("failed to ack message", "error", ackErr)
		}
		recordConsumed(c.config.Durable, "drop", duration)
		return
	}

	delay := c.backoff(delivered)
	log.Warn("message handling failed, scheduling redelivery", "delay", delay, "error", err)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		log.Error("failed to nak message", "error", nakErr)
	}
	recordConsumed(c.config.Durable, "nak", duration)
}

func (c *Consumer) backoff(delivered uint64) time.Duration {
	backoff := float64(c.config.InitialBackoff)
	for i := uint64(1); i < delivered; i++ {
		backoff *= c.config.BackoffMultiplier
		if backoff > float64(c.config.MaxBackoff) {
			break
		}
	}

	if backoff > float64(c.config.MaxBackoff) {
		backoff = float64(c.config.MaxBackoff)
	}
	return time.Duration(backoff)
}
