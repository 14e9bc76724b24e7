package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nathanyu/transfer-saga/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	manager   *Manager
	repo      *fakeRepo
	bus       *fakeBus
	scheduler *fakeScheduler
	journal   *fakeJournal
}

func newManagerFixture(policy TimeoutPolicy) *managerFixture {
	f := &managerFixture{
		repo:      newFakeRepo(),
		bus:       &fakeBus{},
		scheduler: &fakeScheduler{},
		journal:   &fakeJournal{},
	}
	f.manager = NewManager(NewMachine(DefaultTimeout, policy), f.repo, f.bus, f.scheduler,
		WithJournal(f.journal),
		WithClock(func() time.Time { return testNow }),
	)
	return f
}

func created(id string, amount int64) domain.TransferCreated {
	return domain.TransferCreated{TransferID: id, SourceAccountID: "A", DestinationAccountID: "B", Amount: amount}
}

func TestManager_ScenarioA(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()

	require.NoError(t, f.manager.Handle(ctx, created("t1", 100)))

	s, err := f.manager.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, s.State)
	assert.Equal(t, []Deferred{{At: testNow.Add(DefaultTimeout), Event: domain.TransferTimeoutCheck{TransferID: "t1"}}}, f.scheduler.scheduled())

	require.NoError(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t1", Amount: 100}))
	require.NoError(t, f.manager.Handle(ctx, domain.DestinationCredited{TransferID: "t1"}))

	assert.Equal(t, []domain.Command{
		domain.DebitSource{SourceAccountID: "A", TransferID: "t1", Amount: 100},
		domain.CreditDestination{DestinationAccountID: "B", TransferID: "t1", Amount: 100},
		domain.MarkTransferCompleted{TransferID: "t1"},
	}, f.bus.commands())

	_, err = f.manager.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrSagaEnded)
	assert.Equal(t, StateCompleted, f.repo.ended["t1"].State)
	assert.Len(t, f.journal.events, 3)
}

func TestManager_ScenarioC(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()

	require.NoError(t, f.manager.Handle(ctx, created("t3", 75)))
	require.NoError(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t3", Amount: 75}))
	require.NoError(t, f.manager.Handle(ctx, domain.DestinationAccountNotFound{TransferID: "t3"}))

	cmds := f.bus.commands()
	assert.Contains(t, cmds, domain.Command(domain.ReturnMoney{SourceAccountID: "A", Amount: 75, TransferID: "t3"}))
	assert.Contains(t, cmds, domain.Command(domain.MarkTransferFailed{TransferID: "t3"}))
	assert.Equal(t, StateFailed, f.repo.ended["t3"].State)
}

func TestManager_IgnoresDuplicateStart(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()

	require.NoError(t, f.manager.Handle(ctx, created("t1", 100)))
	require.NoError(t, f.manager.Handle(ctx, domain.TransferCreated{TransferID: "t1", SourceAccountID: "X", DestinationAccountID: "Y", Amount: 1}))

	assert.Len(t, f.bus.commands(), 1)
	assert.Len(t, f.scheduler.scheduled(), 1)

	s, err := f.manager.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "A", s.SourceAccountID)
	assert.Equal(t, int64(100), s.Amount)
}

func TestManager_IgnoresEventWithoutSaga(t *testing.T) {
	f := newManagerFixture(TimeoutLog)

	require.NoError(t, f.manager.Handle(context.Background(), domain.SourceDebited{TransferID: "unknown", Amount: 5}))

	assert.Empty(t, f.bus.commands())
	assert.Empty(t, f.journal.events)
	assert.Empty(t, f.repo.live)
}

func TestManager_IgnoresEventsAfterEnd(t *testing.T) {
	f := newManagerFixture(TimeoutCompensate)
	ctx := context.Background()

	require.NoError(t, f.manager.Handle(ctx, created("t2", 50)))
	require.NoError(t, f.manager.Handle(ctx, domain.SourceAccountNotFound{TransferID: "t2"}))
	before := f.bus.commands()

	// A restarted transfer with the same id must not revive the saga.
	require.NoError(t, f.manager.Handle(ctx, created("t2", 50)))
	require.NoError(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t2", Amount: 50}))
	require.NoError(t, f.manager.Handle(ctx, domain.TransferTimeoutCheck{TransferID: "t2"}))

	assert.Equal(t, before, f.bus.commands())
	assert.Equal(t, []domain.Command{
		domain.DebitSource{SourceAccountID: "A", TransferID: "t2", Amount: 50},
		domain.MarkTransferFailed{TransferID: "t2"},
	}, before)
}

func TestManager_IgnoresUnexpectedEvent(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()

	require.NoError(t, f.manager.Handle(ctx, created("t1", 10)))
	require.NoError(t, f.manager.Handle(ctx, domain.DestinationCredited{TransferID: "t1"}))

	s, err := f.manager.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, s.State)
	assert.Len(t, f.bus.commands(), 1)
	assert.Len(t, f.journal.events, 1)
}

func TestManager_InvalidTransferEndsImmediately(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()

	require.NoError(t, f.manager.Handle(ctx, domain.TransferCreated{TransferID: "t1", SourceAccountID: "A", DestinationAccountID: "A", Amount: 10}))

	assert.Equal(t, []domain.Command{domain.MarkTransferFailed{TransferID: "t1"}}, f.bus.commands())
	assert.Empty(t, f.scheduler.scheduled())
	_, err := f.manager.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrSagaEnded)
}

func TestManager_TimeoutCheck(t *testing.T) {
	t.Run("log policy keeps the saga", func(t *testing.T) {
		f := newManagerFixture(TimeoutLog)
		ctx := context.Background()

		require.NoError(t, f.manager.Handle(ctx, created("t1", 10)))
		require.NoError(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t1", Amount: 10}))
		require.NoError(t, f.manager.Handle(ctx, domain.TransferTimeoutCheck{TransferID: "t1"}))

		s, err := f.manager.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StateSourceDebited, s.State)
		assert.Len(t, f.bus.commands(), 2)
	})

	t.Run("compensate policy refunds", func(t *testing.T) {
		f := newManagerFixture(TimeoutCompensate)
		ctx := context.Background()

		require.NoError(t, f.manager.Handle(ctx, created("t1", 10)))
		require.NoError(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t1", Amount: 10}))
		require.NoError(t, f.manager.Handle(ctx, domain.TransferTimeoutCheck{TransferID: "t1"}))

		assert.Equal(t, []domain.Command{
			domain.ReturnMoney{SourceAccountID: "A", Amount: 10, TransferID: "t1"},
			domain.MarkTransferFailed{TransferID: "t1"},
		}, f.bus.commands()[2:])

		// late account event after the timeout decided the outcome
		require.NoError(t, f.manager.Handle(ctx, domain.DestinationCredited{TransferID: "t1"}))
		assert.Len(t, f.bus.commands(), 4)
	})
}

func TestManager_InfrastructureErrorsAreNotPersisted(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatch", func(t *testing.T) {
		f := newManagerFixture(TimeoutLog)
		require.NoError(t, f.manager.Handle(ctx, created("t1", 10)))

		f.bus.err = errors.New("nats down")
		err := f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t1", Amount: 10})
		require.Error(t, err)

		s, err := f.manager.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StateStarted, s.State)

		// redelivery after recovery produces the transition once
		f.bus.err = nil
		require.NoError(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t1", Amount: 10}))
		assert.Equal(t, []domain.Command{
			domain.DebitSource{SourceAccountID: "A", TransferID: "t1", Amount: 10},
			domain.CreditDestination{DestinationAccountID: "B", TransferID: "t1", Amount: 10},
		}, f.bus.commands())
	})

	t.Run("schedule", func(t *testing.T) {
		f := newManagerFixture(TimeoutLog)
		f.scheduler.err = errors.New("redis down")

		require.Error(t, f.manager.Handle(ctx, created("t1", 10)))
		assert.Empty(t, f.bus.commands())
		_, err := f.manager.Get(ctx, "t1")
		assert.ErrorIs(t, err, ErrSagaNotFound)
	})

	t.Run("journal", func(t *testing.T) {
		f := newManagerFixture(TimeoutLog)
		f.journal.err = errors.New("disk full")

		require.Error(t, f.manager.Handle(ctx, created("t1", 10)))
		_, err := f.manager.Get(ctx, "t1")
		assert.ErrorIs(t, err, ErrSagaNotFound)

		// a redelivery sends the same commands again
		f.journal.err = nil
		require.NoError(t, f.manager.Handle(ctx, created("t1", 10)))
		assert.Equal(t, []domain.Command{
			domain.DebitSource{SourceAccountID: "A", TransferID: "t1", Amount: 10},
			domain.DebitSource{SourceAccountID: "A", TransferID: "t1", Amount: 10},
		}, f.bus.commands())
		assert.Len(t, f.journal.events, 1)
	})

	t.Run("save", func(t *testing.T) {
		f := newManagerFixture(TimeoutLog)
		f.repo.saveErr = errors.New("db down")

		require.Error(t, f.manager.Handle(ctx, created("t1", 10)))
		_, err := f.manager.Get(ctx, "t1")
		assert.ErrorIs(t, err, ErrSagaNotFound)
	})
}

func TestManager_ConcurrentTransfers(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, f.manager.Handle(ctx, created(id, 10)))
			assert.NoError(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: id, Amount: 10}))
			assert.NoError(t, f.manager.Handle(ctx, domain.DestinationCredited{TransferID: id}))
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	assert.Len(t, f.repo.ended, n)
	assert.Empty(t, f.repo.live)
	assert.Len(t, f.bus.commands(), 3*n)
	assert.Zero(t, f.manager.locks.size())
}

func TestManager_Restore(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()
	at := testNow.Add(-10 * time.Second)

	records := []domain.Recorded{
		{Event: created("live", 10), RecordedAt: at},
		{Event: created("done", 20), RecordedAt: at},
		{Event: domain.SourceDebited{TransferID: "live", Amount: 10}, RecordedAt: at.Add(time.Second)},
		{Event: domain.SourceDebited{TransferID: "done", Amount: 20}, RecordedAt: at.Add(time.Second)},
		{Event: domain.DestinationCredited{TransferID: "done"}, RecordedAt: at.Add(2 * time.Second)},
		{Event: domain.SourceDebited{TransferID: "orphan", Amount: 1}, RecordedAt: at},
	}

	live, err := f.manager.Restore(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	s, err := f.manager.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, StateSourceDebited, s.State)
	assert.Equal(t, at, s.StartedAt)

	_, err = f.manager.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrSagaEnded)
	_, err = f.manager.Get(ctx, "orphan")
	assert.ErrorIs(t, err, ErrSagaNotFound)

	assert.Empty(t, f.bus.commands(), "restore must not dispatch")
	assert.Equal(t, []Deferred{{At: at.Add(DefaultTimeout), Event: domain.TransferTimeoutCheck{TransferID: "live"}}}, f.scheduler.scheduled())

	// the restored saga continues where it stopped
	require.NoError(t, f.manager.Handle(ctx, domain.DestinationCredited{TransferID: "live"}))
	assert.Equal(t, []domain.Command{domain.MarkTransferCompleted{TransferID: "live"}}, f.bus.commands())
}

func TestManager_FailedDispatchIsNotJournaled(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()

	require.NoError(t, f.manager.Handle(ctx, created("t1", 10)))
	f.bus.err = errors.New("nats down")
	require.Error(t, f.manager.Handle(ctx, domain.SourceDebited{TransferID: "t1", Amount: 10}))
	require.Len(t, f.journal.events, 1)

	// restart from the journal
	records := make([]domain.Recorded, 0, len(f.journal.events))
	for _, ev := range f.journal.events {
		records = append(records, domain.Recorded{Event: ev, RecordedAt: testNow})
	}
	restarted := newManagerFixture(TimeoutLog)
	live, err := restarted.manager.Restore(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	s, err := restarted.manager.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, s.State)
	assert.Empty(t, restarted.bus.commands())

	require.NoError(t, restarted.manager.Handle(ctx, domain.SourceDebited{TransferID: "t1", Amount: 10}))
	assert.Equal(t, []domain.Command{
		domain.CreditDestination{DestinationAccountID: "B", TransferID: "t1", Amount: 10},
	}, restarted.bus.commands())
}

func TestManager_Retain(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	ctx := context.Background()
	old := testNow.Add(-48 * time.Hour)
	recent := testNow.Add(-time.Hour)

	records := []domain.Recorded{
		{Event: created("live", 10), RecordedAt: old},
		{Event: created("old", 10), RecordedAt: old},
		{Event: domain.SourceDebitRejected{TransferID: "old"}, RecordedAt: old},
		{Event: created("recent", 10), RecordedAt: old},
		{Event: domain.SourceAccountNotFound{TransferID: "recent"}, RecordedAt: recent},
		{Event: domain.SourceDebited{TransferID: "orphan", Amount: 1}, RecordedAt: recent},
	}
	_, err := f.manager.Restore(ctx, records)
	require.NoError(t, err)

	retained, err := f.manager.Retain(ctx, records, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []domain.Recorded{records[0], records[3], records[4]}, retained)

	// the retained records rebuild the same tombstone
	restarted := newManagerFixture(TimeoutLog)
	live, err := restarted.manager.Restore(ctx, retained)
	require.NoError(t, err)
	assert.Equal(t, 1, live)
	_, err = restarted.manager.Get(ctx, "recent")
	assert.ErrorIs(t, err, ErrSagaEnded)
}

func TestManager_RetainLoadError(t *testing.T) {
	f := newManagerFixture(TimeoutLog)
	f.repo.loadErr = errors.New("db down")

	_, err := f.manager.Retain(context.Background(), []domain.Recorded{{Event: created("t1", 10), RecordedAt: testNow}}, testNow)
	assert.Error(t, err)
}
