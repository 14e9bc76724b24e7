package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nathanyu/transfer-saga/internal/domain"
	"github.com/nathanyu/transfer-saga/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	DefaultStreamName    = "TRANSFER_EVENTS"
	DefaultConsumerName  = "transfer-saga"
	DefaultAckWait       = 30 * time.Second
	DefaultMaxDeliver    = 20
	DefaultStreamMaxAge  = 24 * time.Hour
	DefaultRedeliveryGap = 2 * time.Second
)

// SubmitFunc hands a decoded event to the saga. done receives the handling
// result once the event was processed.
type SubmitFunc func(ctx context.Context, event domain.Event, done func(error)) error

// ConsumerConfig describes the stream holding inbound events and the durable
// consumer the saga reads them through
type ConsumerConfig struct {
	Stream        string
	Durable       string
	Prefix        string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAge        time.Duration
	RedeliveryGap time.Duration
}

func (c *ConsumerConfig) setDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStreamName
	}
	if c.Durable == "" {
		c.Durable = DefaultConsumerName
	}
	if c.Prefix == "" {
		c.Prefix = DefaultEventPrefix
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultStreamMaxAge
	}
	if c.RedeliveryGap <= 0 {
		c.RedeliveryGap = DefaultRedeliveryGap
	}
}

// EventConsumer reads every event published under <prefix>.> from a
// JetStream stream. A message is acked only after the saga handled it, and
// nak'ed for redelivery otherwise, so an infrastructure failure never loses
// an event. Replicas sharing the durable name split the stream between them.
type EventConsumer struct {
	js      jetstream.JetStream
	cfg     ConsumerConfig
	submit  SubmitFunc
	consume jetstream.ConsumeContext
	logger  *slog.Logger
}

func NewEventConsumer(conn *nats.Conn, cfg ConsumerConfig, submit SubmitFunc, logger *slog.Logger) (*EventConsumer, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &EventConsumer{js: js, cfg: cfg, submit: submit, logger: logger}, nil
}

// Subject returns the subject filter of the stream
func (c *EventConsumer) Subject() string {
	return c.cfg.Prefix + ".>"
}

// Start creates the stream and durable consumer if needed and begins
// consuming
func (c *EventConsumer) Start(ctx context.Context) error {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.cfg.Stream,
		Subjects: []string{c.Subject()},
		MaxAge:   c.cfg.MaxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		FilterSubject: c.Subject(),
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", c.cfg.Durable, err)
	}

	cc, err := consumer.Consume(c.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to consume events: %w", err)
	}
	c.consume = cc

	c.logger.Info("event consumer started",
		"stream", c.cfg.Stream,
		"consumer", c.cfg.Durable,
		"subject", c.Subject(),
	)
	return nil
}

// Stop stops pulling new messages. Messages in flight are settled when
// their handling finishes; unsettled ones are redelivered after AckWait.
func (c *EventConsumer) Stop() {
	if c.consume != nil {
		c.consume.Stop()
	}
}

func (c *EventConsumer) handleMessage(msg jetstream.Msg) {
	subject := msg.Subject()
	telemetry.NATSMessagesReceived.WithLabelValues(subject).Inc()

	ctx := context.Background()
	if headers := msg.Headers(); headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
	}

	event, err := domain.DeserializeEvent(msg.Data())
	if err != nil {
		c.logger.WarnContext(ctx, "dropping undecodable event", "subject", subject, "error", err)
		c.settle(ctx, msg, "term", msg.Term())
		return
	}

	logger := c.logger.With(
		"subject", subject,
		"transfer_id", event.GetTransferID(),
		"event_type", event.GetType(),
	)

	err = c.submit(ctx, event, func(err error) {
		if err == nil {
			c.settle(ctx, msg, "ack", msg.Ack())
			return
		}
		c.retry(ctx, logger, msg, err)
	})
	if err != nil {
		c.retry(ctx, logger, msg, err)
	}
}

func (c *EventConsumer) retry(ctx context.Context, logger *slog.Logger, msg jetstream.Msg, cause error) {
	attrs := []any{"retry_in", c.cfg.RedeliveryGap, "error", cause}
	if meta, err := msg.Metadata(); err == nil {
		attrs = append(attrs, "delivered", meta.NumDelivered)
		if c.cfg.MaxDeliver > 0 && meta.NumDelivered >= uint64(c.cfg.MaxDeliver) {
			logger.ErrorContext(ctx, "event failed on its last delivery attempt", attrs...)
		}
	}
	logger.WarnContext(ctx, "event handling failed, redelivering", attrs...)
	c.settle(ctx, msg, "nak", msg.NakWithDelay(c.cfg.RedeliveryGap))
}

func (c *EventConsumer) settle(ctx context.Context, msg jetstream.Msg, ack string, err error) {
	if err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		c.logger.WarnContext(ctx, "failed to settle event", "subject", msg.Subject(), "ack", ack, "error", err)
		return
	}
	telemetry.EventAcksTotal.WithLabelValues(ack).Inc()
}
