package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nathanyu/transfer-saga/internal/domain"
	"github.com/nathanyu/transfer-saga/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultScheduleKey  = "saga:schedule"
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRetryDelay   = 5 * time.Second
	defaultBatchSize    = 100
)

// RedisScheduler keeps pending events in a sorted set scored by due time in
// unix milliseconds. Members are full event envelopes, so every scheduled
// event is a distinct member. Several replicas may poll the same set: a
// member is only delivered by whoever removed it.
type RedisScheduler struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
	retryDelay   time.Duration
	logger       *slog.Logger
}

func NewRedisScheduler(client *redis.Client, pollInterval time.Duration, logger *slog.Logger) *RedisScheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisScheduler{
		client:       client,
		key:          DefaultScheduleKey,
		pollInterval: pollInterval,
		retryDelay:   DefaultRetryDelay,
		logger:       logger,
	}
}

func (s *RedisScheduler) ScheduleAt(ctx context.Context, at time.Time, event domain.Event) error {
	data, err := domain.SerializeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to serialize scheduled event: %w", err)
	}

	// ZADD saga:schedule <due-ms> <envelope>
	err = s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule event in redis: %w", err)
	}
	telemetry.ScheduledEventsTotal.WithLabelValues("scheduled").Inc()
	return nil
}

// Run polls for due events until ctx is cancelled. deliver must report the
// handling result, so a failed handling is requeued too.
func (s *RedisScheduler) Run(ctx context.Context, deliver DeliverFunc) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("redis scheduler started", "key", s.key, "poll_interval", s.pollInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("redis scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.poll(ctx, time.Now(), deliver); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to poll scheduled events", "error", err)
			}
		}
	}
}

// poll delivers every event due at now and returns how many were delivered
func (s *RedisScheduler) poll(ctx context.Context, now time.Time, deliver DeliverFunc) (int, error) {
	// ZRANGEBYSCORE saga:schedule -inf <now-ms> LIMIT 0 100
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: defaultBatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due events: %w", err)
	}

	delivered := 0
	for _, member := range members {
		claimed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return delivered, fmt.Errorf("failed to claim scheduled event: %w", err)
		}
		if claimed == 0 {
			continue
		}

		event, err := domain.DeserializeEvent([]byte(member))
		if err != nil {
			s.logger.Error("dropping undecodable scheduled event", "error", err)
			continue
		}

		if err := deliver(ctx, event); err != nil {
			s.requeue(ctx, now, member, event, err)
			continue
		}
		telemetry.ScheduledEventsTotal.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered, nil
}

// requeue puts a claimed member back. It must outlive a cancelled poll, or
// the claimed event would be gone.
func (s *RedisScheduler) requeue(ctx context.Context, now time.Time, member string, event domain.Event, cause error) {
	at := now.Add(s.retryDelay)
	err := s.client.ZAdd(context.WithoutCancel(ctx), s.key, redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
	if err != nil {
		s.logger.Error("failed to requeue scheduled event, event lost",
			"transfer_id", event.GetTransferID(), "event_type", event.GetType(), "error", err)
		return
	}
	telemetry.ScheduledEventsTotal.WithLabelValues("requeued").Inc()
	s.logger.Warn("scheduled event delivery failed, requeued",
		"transfer_id", event.GetTransferID(),
		"event_type", event.GetType(),
		"retry_at", at,
		"error", cause,
	)
}

// Pending returns the number of events waiting in the sorted set
func (s *RedisScheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}
