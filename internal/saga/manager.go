package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nathanyu/transfer-saga/internal/domain"
	"github.com/nathanyu/transfer-saga/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ignore reasons, also used as metric labels
const (
	ignoreNoSaga         = "no_saga"
	ignoreEnded          = "ended"
	ignoreDuplicateStart = "duplicate_start"
	ignoreNoTransition   = "no_transition"
)

// Manager runs the event loop around the state machine: for each event it
// loads the matching saga, applies the transition, schedules deferred
// events, dispatches commands and persists the new state. Events for the
// same transfer are processed one at a time.
type Manager struct {
	machine   *Machine
	repo      Repository
	bus       CommandBus
	scheduler Scheduler
	journal   Journal
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyLock
}

// Option configures a Manager
type Option func(*Manager)

// WithJournal records every accepted event once its commands went out
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a saga manager
func NewManager(machine *Machine, repo Repository, bus CommandBus, scheduler Scheduler, opts ...Option) *Manager {
	m := &Manager{
		machine:   machine,
		repo:      repo,
		bus:       bus,
		scheduler: scheduler,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyLock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle processes a single event. Business failures are ordinary
// transitions; an error is only returned for infrastructure failures, in
// which case the saga state was not persisted and the event must be
// redelivered. Commands may then be sent again, so receivers deduplicate
// by transfer ID.
func (m *Manager) Handle(ctx context.Context, event domain.Event) (err error) {
	start := time.Now()
	transferID := event.GetTransferID()
	telemetry.EventsReceivedTotal.WithLabelValues(event.GetType()).Inc()

	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "saga.Handle",
			trace.WithAttributes(
				attribute.String("transfer_id", transferID),
				attribute.String("event_type", event.GetType()),
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

	unlock := m.locks.Lock(transferID)
	defer unlock()

	logger := m.logger.With("transfer_id", transferID, "event_type", event.GetType())

	current, err := m.repo.Load(ctx, transferID)
	switch {
	case errors.Is(err, ErrSagaNotFound):
		current = nil
	case errors.Is(err, ErrSagaEnded):
		m.ignore(ctx, logger, ignoreEnded)
		return nil
	case err != nil:
		return fmt.Errorf("failed to load saga %s: %w", transferID, err)
	}

	var outcome Outcome
	var from State
	if created, ok := event.(domain.TransferCreated); ok {
		if current != nil {
			m.ignore(ctx, logger, ignoreDuplicateStart)
			return nil
		}
		outcome = m.machine.Start(created, m.now())
	} else {
		if current == nil {
			m.ignore(ctx, logger, ignoreNoSaga)
			return nil
		}
		from = current.State
		if debited, ok := event.(domain.SourceDebited); ok && debited.Amount != current.Amount {
			logger.WarnContext(ctx, "debited amount differs from transfer amount, using transfer amount",
				"debited_amount", debited.Amount, "amount", current.Amount)
		}
		outcome = m.machine.Apply(*current, event, m.now())
		if !outcome.Handled {
			m.ignore(ctx, logger, ignoreNoTransition, "state", current.State)
			return nil
		}
	}

	if err := m.apply(ctx, event, outcome); err != nil {
		return err
	}

	m.record(ctx, logger, event, from, current == nil, outcome)
	telemetry.HandleDuration.Observe(time.Since(start).Seconds())
	return nil
}

// apply performs the side effects of an outcome in order: deferred events,
// commands, journal, then persistence. The event is journaled only once all
// of its commands went out, so a restore never skips a dispatch.
func (m *Manager) apply(ctx context.Context, event domain.Event, outcome Outcome) error {
	for _, d := range outcome.Deferred {
		if err := m.scheduler.ScheduleAt(ctx, d.At, d.Event); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", d.Event.GetType(), err)
		}
	}

	for _, cmd := range outcome.Commands {
		if err := m.bus.Dispatch(ctx, cmd); err != nil {
			return fmt.Errorf("failed to dispatch %s: %w", cmd.GetType(), err)
		}
		telemetry.CommandsDispatchedTotal.WithLabelValues(cmd.GetType()).Inc()
	}

	if m.journal != nil {
		journalStart := time.Now()
		if err := m.journal.Append(event); err != nil {
			return fmt.Errorf("failed to journal event: %w", err)
		}
		telemetry.JournalWriteDuration.Observe(time.Since(journalStart).Seconds())
	}

	s := outcome.Saga
	if s.State.Terminal() {
		if err := m.repo.End(ctx, &s); err != nil {
			return fmt.Errorf("failed to end saga %s: %w", s.TransferID, err)
		}
		return nil
	}
	if err := m.repo.Save(ctx, &s); err != nil {
		return fmt.Errorf("failed to save saga %s: %w", s.TransferID, err)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, logger *slog.Logger, event domain.Event, from State, started bool, outcome Outcome) {
	to := outcome.Saga.State

	if started {
		telemetry.ActiveSagas.Inc()
		telemetry.TransitionsTotal.WithLabelValues("", string(to)).Inc()
		logger.InfoContext(ctx, "saga started",
			"source_account_id", outcome.Saga.SourceAccountID,
			"destination_account_id", outcome.Saga.DestinationAccountID,
			"amount", outcome.Saga.Amount,
			"state", to,
		)
	} else if outcome.Transitioned(from) {
		telemetry.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		logger.InfoContext(ctx, "saga transitioned", "from", from, "to", to, "commands", len(outcome.Commands))
	}

	if event.GetType() == domain.EventTypeTransferTimeoutCheck {
		action := "logged"
		if outcome.Transitioned(from) {
			action = "compensated"
		}
		telemetry.TimeoutChecksTotal.WithLabelValues(action).Inc()
		logger.WarnContext(ctx, "transfer timeout check fired", "state", from, "action", action)
	}

	if to.Terminal() {
		telemetry.ActiveSagas.Dec()
		telemetry.OutcomesTotal.WithLabelValues(string(to)).Inc()
		logger.InfoContext(ctx, "saga ended", "outcome", to)
	}
}

func (m *Manager) ignore(ctx context.Context, logger *slog.Logger, reason string, args ...any) {
	telemetry.EventsIgnoredTotal.WithLabelValues(reason).Inc()
	logger.DebugContext(ctx, "event ignored", append([]any{"reason", reason}, args...)...)
}

// Get returns the live saga for a transfer
func (m *Manager) Get(ctx context.Context, transferID string) (*Saga, error) {
	return m.repo.Load(ctx, transferID)
}

// Restore rebuilds saga instances from previously journaled events without
// dispatching any command. Sagas still in flight get their timeout check
// scheduled again. It returns the number of live sagas restored.
func (m *Manager) Restore(ctx context.Context, records []domain.Recorded) (int, error) {
	sagas := make(map[string]*Saga)
	var order []string

	for _, rec := range records {
		id := rec.Event.GetTransferID()
		current, exists := sagas[id]

		if created, ok := rec.Event.(domain.TransferCreated); ok {
			if exists {
				continue
			}
			out := m.machine.Start(created, rec.RecordedAt)
			s := out.Saga
			sagas[id] = &s
			order = append(order, id)
			continue
		}
		if !exists {
			continue
		}

		out := m.machine.Apply(*current, rec.Event, rec.RecordedAt)
		if out.Handled {
			s := out.Saga
			sagas[id] = &s
		}
	}

	live := 0
	for _, id := range order {
		s := sagas[id]
		if s.State.Terminal() {
			if err := m.repo.End(ctx, s); err != nil {
				return live, fmt.Errorf("failed to end restored saga %s: %w", id, err)
			}
			continue
		}

		if err := m.repo.Save(ctx, s); err != nil {
			return live, fmt.Errorf("failed to save restored saga %s: %w", id, err)
		}
		at := s.StartedAt.Add(m.machine.Timeout)
		if err := m.scheduler.ScheduleAt(ctx, at, domain.TransferTimeoutCheck{TransferID: id}); err != nil {
			return live, fmt.Errorf("failed to reschedule timeout for %s: %w", id, err)
		}
		live++
	}

	m.logger.InfoContext(ctx, "sagas restored from journal", "events", len(records), "live", live, "total", len(order))
	return live, nil
}

// Retain returns the records worth keeping in a compacted journal: those of
// live sagas, and those of ended sagas last touched after endedAfter, so a
// late duplicate still meets a tombstone after a restart. Records of
// transfers that never started are dropped.
func (m *Manager) Retain(ctx context.Context, records []domain.Recorded, endedAfter time.Time) ([]domain.Recorded, error) {
	last := make(map[string]time.Time)
	for _, rec := range records {
		id := rec.Event.GetTransferID()
		if rec.RecordedAt.After(last[id]) {
			last[id] = rec.RecordedAt
		}
	}

	keep := make(map[string]bool, len(last))
	for id, at := range last {
		_, err := m.repo.Load(ctx, id)
		switch {
		case err == nil:
			keep[id] = true
		case errors.Is(err, ErrSagaEnded):
			keep[id] = at.After(endedAfter)
		case errors.Is(err, ErrSagaNotFound):
		default:
			return nil, fmt.Errorf("failed to load saga %s: %w", id, err)
		}
	}

	retained := make([]domain.Recorded, 0, len(records))
	for _, rec := range records {
		if keep[rec.Event.GetTransferID()] {
			retained = append(retained, rec)
		}
	}
	return retained, nil
}
