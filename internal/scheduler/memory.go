// Package scheduler delivers events back to the saga at a later time.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nathanyu/transfer-saga/internal/domain"
	"github.com/nathanyu/transfer-saga/internal/telemetry"
)

var ErrStopped = errors.New("scheduler stopped")

// DeliverFunc hands a due event to the saga
type DeliverFunc func(ctx context.Context, event domain.Event) error

// MemoryScheduler keeps pending events in timers. Anything pending is lost
// when the process exits. A failed delivery is retried after retryDelay.
type MemoryScheduler struct {
	mu         sync.Mutex
	deliver    DeliverFunc
	timers     map[*time.Timer]struct{}
	stopped    bool
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewMemoryScheduler(logger *slog.Logger) *MemoryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryScheduler{
		timers:     make(map[*time.Timer]struct{}),
		retryDelay: DefaultRetryDelay,
		logger:     logger,
	}
}

// Start sets the delivery target. Events that fall due before Start are
// delivered once it is called.
func (s *MemoryScheduler) Start(deliver DeliverFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = deliver
}

func (s *MemoryScheduler) ScheduleAt(_ context.Context, at time.Time, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	var timer *time.Timer
	timer = time.AfterFunc(time.Until(at), func() {
		s.fire(timer, event)
	})
	s.timers[timer] = struct{}{}
	telemetry.ScheduledEventsTotal.WithLabelValues("scheduled").Inc()
	return nil
}

func (s *MemoryScheduler) fire(timer *time.Timer, event domain.Event) {
	s.mu.Lock()
	deliver := s.deliver
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if deliver == nil {
		// not started yet, try again shortly
		timer.Reset(100 * time.Millisecond)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := deliver(context.Background(), event); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		timer.Reset(s.retryDelay)
		telemetry.ScheduledEventsTotal.WithLabelValues("requeued").Inc()
		s.logger.Warn("scheduled event delivery failed, retrying",
			"transfer_id", event.GetTransferID(),
			"event_type", event.GetType(),
			"retry_in", s.retryDelay,
			"error", err,
		)
		return
	}

	s.mu.Lock()
	delete(s.timers, timer)
	s.mu.Unlock()
	telemetry.ScheduledEventsTotal.WithLabelValues("delivered").Inc()
}

// Pending returns the number of events not yet delivered
func (s *MemoryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending event
func (s *MemoryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}
