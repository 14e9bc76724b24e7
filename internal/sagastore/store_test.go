package sagastore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nathanyu/transfer-saga/internal/saga"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSaga(id string) *saga.Saga {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &saga.Saga{
		TransferID:           id,
		SourceAccountID:      "A",
		DestinationAccountID: "B",
		Amount:               100,
		State:                saga.StateStarted,
		StartedAt:            now,
		UpdatedAt:            now,
	}
}

// testRepository runs the behaviour every Repository must share
func testRepository(t *testing.T, repo saga.Repository) {
	ctx := context.Background()

	t.Run("load unknown", func(t *testing.T) {
		_, err := repo.Load(ctx, uuid.NewString())
		assert.ErrorIs(t, err, saga.ErrSagaNotFound)
	})

	t.Run("save and load", func(t *testing.T) {
		s := newSaga(uuid.NewString())
		require.NoError(t, repo.Save(ctx, s))

		got, err := repo.Load(ctx, s.TransferID)
		require.NoError(t, err)
		assert.Equal(t, s, got)

		s.State = saga.StateSourceDebited
		s.UpdatedAt = s.UpdatedAt.Add(time.Second)
		require.NoError(t, repo.Save(ctx, s))

		got, err = repo.Load(ctx, s.TransferID)
		require.NoError(t, err)
		assert.Equal(t, saga.StateSourceDebited, got.State)
		assert.Equal(t, s.UpdatedAt, got.UpdatedAt)
	})

	t.Run("end leaves a tombstone", func(t *testing.T) {
		s := newSaga(uuid.NewString())
		require.NoError(t, repo.Save(ctx, s))

		s.State = saga.StateCompleted
		require.NoError(t, repo.End(ctx, s))

		_, err := repo.Load(ctx, s.TransferID)
		assert.ErrorIs(t, err, saga.ErrSagaEnded)

		// a late save does not revive it
		s.State = saga.StateStarted
		require.NoError(t, repo.Save(ctx, s))
		_, err = repo.Load(ctx, s.TransferID)
		assert.ErrorIs(t, err, saga.ErrSagaEnded)
	})

	t.Run("end without save", func(t *testing.T) {
		s := newSaga(uuid.NewString())
		s.State = saga.StateFailed
		require.NoError(t, repo.End(ctx, s))

		_, err := repo.Load(ctx, s.TransferID)
		assert.ErrorIs(t, err, saga.ErrSagaEnded)
	})
}

// liveCounter is implemented by every repository
type liveCounter interface {
	saga.Repository
	CountLive(ctx context.Context) (int, error)
}

func testCountLive(t *testing.T, repo liveCounter) {
	ctx := context.Background()
	before, err := repo.CountLive(ctx)
	require.NoError(t, err)

	a, b := newSaga(uuid.NewString()), newSaga(uuid.NewString())
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, repo.Save(ctx, b))
	b.State = saga.StateCompleted
	require.NoError(t, repo.End(ctx, b))

	after, err := repo.CountLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	testRepository(t, repo)
	testCountLive(t, repo)

	n, err := repo.CountLive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRepository(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewRedisRepository(client, time.Hour)
	testRepository(t, repo)
	testCountLive(t, repo)
}

func TestRedisRepository_TombstoneExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewRedisRepository(client, time.Minute)
	ctx := context.Background()

	s := newSaga("t1")
	require.NoError(t, repo.Save(ctx, s))
	s.State = saga.StateFailed
	require.NoError(t, repo.End(ctx, s))

	assert.False(t, mr.Exists(instanceKey("t1")))
	assert.True(t, mr.Exists(tombstoneKey("t1")))
	assert.Equal(t, time.Minute, mr.TTL(tombstoneKey("t1")))

	mr.FastForward(2 * time.Minute)
	_, err := repo.Load(ctx, "t1")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func TestRedisRepository_DefaultTTL(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewRedisRepository(client, 0)
	assert.Equal(t, DefaultTombstoneTTL, repo.tombstoneTTL)
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer db.Close()

	repo := NewPostgresRepository(db)
	require.NoError(t, repo.EnsureSchema(ctx))
	testRepository(t, repo)
	testCountLive(t, repo)
}
