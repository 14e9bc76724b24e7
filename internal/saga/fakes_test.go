package saga

import (
	"context"
	"sync"
	"time"

	"github.com/nathanyu/transfer-saga/internal/domain"
)

type fakeRepo struct {
	mu      sync.Mutex
	live    map[string]Saga
	ended   map[string]Saga
	saveErr error
	loadErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{live: make(map[string]Saga), ended: make(map[string]Saga)}
}

func (r *fakeRepo) Load(_ context.Context, id string) (*Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	if _, ok := r.ended[id]; ok {
		return nil, ErrSagaEnded
	}
	s, ok := r.live[id]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return &s, nil
}

func (r *fakeRepo) Save(_ context.Context, s *Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.live[s.TransferID] = *s
	return nil
}

func (r *fakeRepo) End(_ context.Context, s *Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	delete(r.live, s.TransferID)
	r.ended[s.TransferID] = *s
	return nil
}

type fakeBus struct {
	mu   sync.Mutex
	cmds []domain.Command
	err  error
}

func (b *fakeBus) Dispatch(_ context.Context, cmd domain.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.cmds = append(b.cmds, cmd)
	return nil
}

func (b *fakeBus) commands() []domain.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Command{}, b.cmds...)
}

func (b *fakeBus) forTransfer(id string) []domain.Command {
	var out []domain.Command
	for _, c := range b.commands() {
		if c.GetTransferID() == id {
			out = append(out, c)
		}
	}
	return out
}

type fakeScheduler struct {
	mu    sync.Mutex
	items []Deferred
	err   error
}

func (s *fakeScheduler) ScheduleAt(_ context.Context, at time.Time, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, Deferred{At: at, Event: event})
	return nil
}

func (s *fakeScheduler) scheduled() []Deferred {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Deferred{}, s.items...)
}

type fakeJournal struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (j *fakeJournal) Append(event domain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, event)
	return nil
}
