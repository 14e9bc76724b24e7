package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/nathanyu/transfer-saga/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerConfig_Defaults(t *testing.T) {
	cfg := ConsumerConfig{}
	cfg.setDefaults()

	assert.Equal(t, DefaultStreamName, cfg.Stream)
	assert.Equal(t, DefaultConsumerName, cfg.Durable)
	assert.Equal(t, DefaultEventPrefix, cfg.Prefix)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultStreamMaxAge, cfg.MaxAge)
	assert.Equal(t, DefaultRedeliveryGap, cfg.RedeliveryGap)
}

// startConsumer starts a consumer on a throwaway stream, skipping when the
// server has no JetStream
func startConsumer(t *testing.T, stream string, submit SubmitFunc) (*EventConsumer, jetstream.JetStream) {
	t.Helper()
	nc := connectOrSkip(t)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	c, err := NewEventConsumer(nc, ConsumerConfig{
		Stream:        stream,
		Durable:       "test",
		Prefix:        "test." + stream,
		AckWait:       2 * time.Second,
		MaxDeliver:    5,
		MaxAge:        time.Minute,
		RedeliveryGap: 50 * time.Millisecond,
	}, submit, nil)
	require.NoError(t, err)

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Skipf("JetStream not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		c.Stop()
		_ = js.DeleteStream(context.Background(), stream)
	})
	return c, js
}

func publishEvent(t *testing.T, js jetstream.JetStream, subject string, ev domain.Event) {
	t.Helper()
	data, err := domain.SerializeEvent(ev)
	require.NoError(t, err)
	_, err = js.Publish(context.Background(), subject, data)
	require.NoError(t, err)
}

func TestEventConsumer_AcksHandledEvents(t *testing.T) {
	received := make(chan domain.Event, 2)
	_, js := startConsumer(t, "ACKS", func(_ context.Context, ev domain.Event, done func(error)) error {
		received <- ev
		done(nil)
		return nil
	})

	_, err := js.Publish(context.Background(), "test.ACKS.garbage", []byte("not json"))
	require.NoError(t, err)
	publishEvent(t, js, "test.ACKS.SourceDebited", domain.SourceDebited{TransferID: "t1", Amount: 100})

	select {
	case ev := <-received:
		assert.Equal(t, domain.Event(domain.SourceDebited{TransferID: "t1", Amount: 100}), ev)
	case <-time.After(2 * time.Second):
		t.Fatal("event not submitted")
	}

	// nothing left unacknowledged
	require.Eventually(t, func() bool {
		cons, err := js.Consumer(context.Background(), "ACKS", "test")
		if err != nil {
			return false
		}
		info, err := cons.Info(context.Background())
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, received)
}

func TestEventConsumer_RedeliversFailedEvents(t *testing.T) {
	var attempts atomic.Int32
	handled := make(chan struct{})
	_, js := startConsumer(t, "RETRY", func(_ context.Context, _ domain.Event, done func(error)) error {
		if attempts.Add(1) == 1 {
			done(errors.New("redis timeout"))
			return nil
		}
		done(nil)
		close(handled)
		return nil
	})
	publishEvent(t, js, "test.RETRY.SourceDebited", domain.SourceDebited{TransferID: "t1", Amount: 100})

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("failed event was not redelivered")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestEventConsumer_RedeliversWhenSubmitFails(t *testing.T) {
	var attempts atomic.Int32
	handled := make(chan struct{})
	_, js := startConsumer(t, "SUBMIT", func(_ context.Context, _ domain.Event, done func(error)) error {
		if attempts.Add(1) == 1 {
			return errors.New("router stopped")
		}
		done(nil)
		close(handled)
		return nil
	})
	publishEvent(t, js, "test.SUBMIT.DestinationCredited", domain.DestinationCredited{TransferID: "t1"})

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("rejected event was not redelivered")
	}
}
