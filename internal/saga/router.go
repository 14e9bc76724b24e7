package saga

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/nathanyu/transfer-saga/internal/domain"
)

var ErrRouterStopped = errors.New("router stopped")

// HandlerFunc processes one event
type HandlerFunc func(ctx context.Context, event domain.Event) error

// Router fans events out to a fixed set of workers. Every event of a given
// transfer lands on the same worker, so per-transfer delivery order is kept
// while different transfers are handled in parallel.
type Router struct {
	handler HandlerFunc
	shards  []chan routed
	logger  *slog.Logger

	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type routed struct {
	ctx   context.Context
	event domain.Event
	done  func(error)
}

// NewRouter creates a router with workers shards of bufferSize each
func NewRouter(handler HandlerFunc, workers, bufferSize int, logger *slog.Logger) *Router {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	shards := make([]chan routed, workers)
	for i := range shards {
		shards[i] = make(chan routed, bufferSize)
	}
	return &Router{handler: handler, shards: shards, logger: logger}
}

// Start launches one goroutine per shard
func (r *Router) Start() {
	for i, shard := range r.shards {
		r.wg.Add(1)
		go r.run(i, shard)
	}
	r.logger.Info("saga router started", "workers", len(r.shards))
}

func (r *Router) run(id int, shard <-chan routed) {
	defer r.wg.Done()
	for item := range shard {
		err := r.handler(item.ctx, item.event)
		if err != nil {
			r.logger.ErrorContext(item.ctx, "failed to handle event",
				"worker", id,
				"transfer_id", item.event.GetTransferID(),
				"event_type", item.event.GetType(),
				"error", err,
			)
		}
		if item.done != nil {
			item.done(err)
		}
	}
}

// Route enqueues event on its transfer's shard. It blocks while the shard
// is full, until ctx is done. Once handled, done (if not nil) receives the
// handler's result; the caller owns redelivery on error.
func (r *Router) Route(ctx context.Context, event domain.Event, done func(error)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrRouterStopped
	}

	shard := r.shards[r.shardFor(event.GetTransferID())]
	select {
	case shard <- routed{ctx: context.WithoutCancel(ctx), event: event, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RouteAndWait routes event and blocks until it was handled, returning the
// handler's error
func (r *Router) RouteAndWait(ctx context.Context, event domain.Event) error {
	result := make(chan error, 1)
	if err := r.Route(ctx, event, func(err error) { result <- err }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) shardFor(transferID string) int {
	h := fnv.New32a()
	h.Write([]byte(transferID))
	return int(h.Sum32() % uint32(len(r.shards)))
}

// Stop rejects new events and waits until queued ones are handled
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		for _, shard := range r.shards {
			close(shard)
		}
		r.mu.Unlock()

		r.wg.Wait()
		r.logger.Info("saga router stopped")
	})
}
