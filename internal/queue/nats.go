package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nathanyu/transfer-saga/internal/domain"
	"github.com/nathanyu/transfer-saga/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultEventPrefix   = "transfer.events"
	DefaultCommandPrefix = "transfer.commands"
)

// NATSClient wraps the NATS connection shared by publisher and subscriber
type NATSClient struct {
	conn *nats.Conn
}

// NewNATSClient connects to url, reconnecting in the background on failure
func NewNATSClient(url, name string, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSClient{conn: conn}, nil
}

// GetConn returns the underlying NATS connection
func (c *NATSClient) GetConn() *nats.Conn {
	return c.conn
}

// Close drains pending messages and closes the connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
}

// CommandPublisher sends saga commands to the account and transfer services.
// Each command goes to <prefix>.<CommandType>.
type CommandPublisher struct {
	conn       *nats.Conn
	prefix     string
	maxElapsed time.Duration
	logger     *slog.Logger
}

func NewCommandPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *CommandPublisher {
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPublisher{
		conn:       conn,
		prefix:     prefix,
		maxElapsed: 10 * time.Second,
		logger:     logger,
	}
}

// Subject returns the subject a command type is published on
func (p *CommandPublisher) Subject(commandType string) string {
	return p.prefix + "." + commandType
}

// Dispatch publishes cmd, retrying transient failures with exponential
// backoff until ctx is done or the retry budget runs out.
func (p *CommandPublisher) Dispatch(ctx context.Context, cmd domain.Command) (err error) {
	subject := p.Subject(cmd.GetType())

	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "queue.Dispatch",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.system", "nats"),
				attribute.String("messaging.destination", subject),
				attribute.String("transfer_id", cmd.GetTransferID()),
			),
		)
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	data, err := domain.SerializeCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to serialize command: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = p.maxElapsed

	publish := func() error {
		if err := p.conn.PublishMsg(msg); err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.WarnContext(ctx, "command publish failed, retrying",
			"subject", subject, "transfer_id", cmd.GetTransferID(), "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(publish, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to publish command to %s: %w", subject, err)
	}

	telemetry.NATSMessagesPublished.WithLabelValues(subject).Inc()
	return nil
}
