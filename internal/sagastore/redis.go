package sagastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nathanyu/transfer-saga/internal/saga"
	"github.com/redis/go-redis/v9"
)

// DefaultTombstoneTTL is how long an ended saga keeps rejecting late events
const DefaultTombstoneTTL = 24 * time.Hour

// RedisRepository stores each live saga as a JSON string. Ending a saga
// swaps the instance key for a tombstone in one MULTI/EXEC.
type RedisRepository struct {
	client       *redis.Client
	tombstoneTTL time.Duration
}

func NewRedisRepository(client *redis.Client, tombstoneTTL time.Duration) *RedisRepository {
	if tombstoneTTL <= 0 {
		tombstoneTTL = DefaultTombstoneTTL
	}
	return &RedisRepository{client: client, tombstoneTTL: tombstoneTTL}
}

func instanceKey(transferID string) string {
	return fmt.Sprintf("saga:instance:%s", transferID)
}

func tombstoneKey(transferID string) string {
	return fmt.Sprintf("saga:ended:%s", transferID)
}

func (r *RedisRepository) Load(ctx context.Context, transferID string) (*saga.Saga, error) {
	// EXISTS saga:ended:t1 ; GET saga:instance:t1
	var endedCmd *redis.IntCmd
	var getCmd *redis.StringCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		endedCmd = pipe.Exists(ctx, tombstoneKey(transferID))
		getCmd = pipe.Get(ctx, instanceKey(transferID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load saga from redis: %w", err)
	}

	if endedCmd.Val() > 0 {
		return nil, saga.ErrSagaEnded
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga from redis: %w", err)
	}

	var s saga.Saga
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode saga %s: %w", transferID, err)
	}
	return &s, nil
}

func (r *RedisRepository) Save(ctx context.Context, s *saga.Saga) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	// Callers serialise per transfer, so check-then-set cannot race with End.
	ended, err := r.client.Exists(ctx, tombstoneKey(s.TransferID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check saga tombstone: %w", err)
	}
	if ended > 0 {
		return nil
	}

	if err := r.client.Set(ctx, instanceKey(s.TransferID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save saga to redis: %w", err)
	}
	return nil
}

func (r *RedisRepository) End(ctx context.Context, s *saga.Saga) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, instanceKey(s.TransferID))
		pipe.Set(ctx, tombstoneKey(s.TransferID), string(s.State), r.tombstoneTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to end saga in redis: %w", err)
	}
	return nil
}

// CountLive returns the number of sagas not yet ended. It walks the
// keyspace with SCAN, so it is meant for startup, not the hot path.
func (r *RedisRepository) CountLive(ctx context.Context) (int, error) {
	n := 0
	// SCAN 0 MATCH saga:instance:* COUNT 500
	iter := r.client.Scan(ctx, 0, instanceKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count live sagas in redis: %w", err)
	}
	return n, nil
}
