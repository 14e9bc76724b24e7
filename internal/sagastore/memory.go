// Package sagastore holds the saga.Repository implementations.
package sagastore

import (
	"context"
	"sync"

	"github.com/nathanyu/transfer-saga/internal/saga"
)

// MemoryRepository keeps sagas in process memory. Tombstones are kept for
// the lifetime of the process.
type MemoryRepository struct {
	mu    sync.RWMutex
	live  map[string]saga.Saga
	ended map[string]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		live:  make(map[string]saga.Saga),
		ended: make(map[string]struct{}),
	}
}

func (r *MemoryRepository) Load(_ context.Context, transferID string) (*saga.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.ended[transferID]; ok {
		return nil, saga.ErrSagaEnded
	}
	s, ok := r.live[transferID]
	if !ok {
		return nil, saga.ErrSagaNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) Save(_ context.Context, s *saga.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ended[s.TransferID]; ok {
		return nil
	}
	r.live[s.TransferID] = *s
	return nil
}

func (r *MemoryRepository) End(_ context.Context, s *saga.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, s.TransferID)
	r.ended[s.TransferID] = struct{}{}
	return nil
}

// CountLive returns the number of sagas not yet ended
func (r *MemoryRepository) CountLive(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live), nil
}
