package cqrs

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nathanyu/transfer-saga/internal/domain"
)

// Transfer status as seen from the commands the sagas sent
const (
	StatusDebiting  = "debiting"
	StatusCrediting = "crediting"
	StatusRefunding = "refunding"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const defaultMaxTransfers = 100_000

// TransferView is the read side of one transfer
type TransferView struct {
	TransferID  string    `json:"transfer_id"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	Refunded    bool      `json:"refunded"`
	LastCommand string    `json:"last_command"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary aggregates every transfer seen
type Summary struct {
	InFlight  int   `json:"in_flight"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Refunded  int   `json:"refunded"`
	Moved     int64 `json:"moved"`
	Returned  int64 `json:"returned"`
}

// ReadModel projects the command stream of all saga replicas into a view of
// transfers, including those whose saga already ended. Only the most recent
// transfers are kept. Evicted transfer IDs are remembered for as long again,
// so a late redelivered command does not count the transfer twice.
type ReadModel struct {
	mu           sync.RWMutex
	transfers    map[string]*TransferView
	order        []string
	evicted      map[string]struct{}
	evictedOrder []string
	max          int
	summary      Summary
	now          func() time.Time

	natsConn     *nats.Conn
	subscription *nats.Subscription
	logger       *slog.Logger
	stopOnce     sync.Once
}

// NewReadModel creates a read model; natsConn may be nil when commands are
// fed directly.
func NewReadModel(natsConn *nats.Conn, maxTransfers int, logger *slog.Logger) *ReadModel {
	if maxTransfers <= 0 {
		maxTransfers = defaultMaxTransfers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadModel{
		transfers: make(map[string]*TransferView),
		evicted:   make(map[string]struct{}),
		max:       maxTransfers,
		now:       func() time.Time { return time.Now().UTC() },
		natsConn:  natsConn,
		logger:    logger,
	}
}

// Start subscribes to the command stream
func (r *ReadModel) Start(commandSubject string) error {
	if r.natsConn == nil {
		return fmt.Errorf("read model has no NATS connection")
	}
	sub, err := r.natsConn.Subscribe(commandSubject, r.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe read model: %w", err)
	}

	r.subscription = sub
	r.logger.Info("read model started", "subject", commandSubject)
	return nil
}

func (r *ReadModel) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		if r.subscription != nil {
			err = r.subscription.Unsubscribe()
		}
	})
	return err
}

func (r *ReadModel) handleMessage(msg *nats.Msg) {
	cmd, err := domain.DeserializeCommand(msg.Data)
	if err != nil {
		r.logger.Warn("failed to deserialize command in read model", "subject", msg.Subject, "error", err)
		return
	}
	r.HandleCommandDirect(cmd)
}

// HandleCommandDirect applies a command without going through NATS
func (r *ReadModel) HandleCommandDirect(cmd domain.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyCommand(cmd)
}

// applyCommand is not thread-safe; caller must hold the lock
func (r *ReadModel) applyCommand(cmd domain.Command) {
	id := cmd.GetTransferID()
	view, ok := r.transfers[id]
	if !ok {
		if _, gone := r.evicted[id]; gone {
			return
		}
		view = &TransferView{TransferID: id}
		r.track(id, view)
	}
	if view.Status == StatusCompleted || view.Status == StatusFailed {
		// terminal views only change for redelivered commands, which are ignored
		return
	}

	wasInFlight := ok
	switch c := cmd.(type) {
	case domain.DebitSource:
		view.Status = StatusDebiting
		view.Amount = c.Amount
	case domain.CreditDestination:
		view.Status = StatusCrediting
		view.Amount = c.Amount
	case domain.ReturnMoney:
		view.Status = StatusRefunding
		view.Refunded = true
		r.summary.Refunded++
		r.summary.Returned += c.Amount
	case domain.MarkTransferCompleted:
		view.Status = StatusCompleted
		r.summary.Completed++
		r.summary.Moved += view.Amount
	case domain.MarkTransferFailed:
		view.Status = StatusFailed
		r.summary.Failed++
	}
	view.LastCommand = cmd.GetType()
	view.UpdatedAt = r.now()

	terminal := view.Status == StatusCompleted || view.Status == StatusFailed
	switch {
	case !wasInFlight && !terminal:
		r.summary.InFlight++
	case wasInFlight && terminal:
		r.summary.InFlight--
	}
}

func (r *ReadModel) track(id string, view *TransferView) {
	r.transfers[id] = view
	r.order = append(r.order, id)
	for len(r.order) > r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		if v, ok := r.transfers[oldest]; ok && v.Status != StatusCompleted && v.Status != StatusFailed && v.Status != "" {
			r.summary.InFlight--
		}
		delete(r.transfers, oldest)
		r.forget(oldest)
	}
}

func (r *ReadModel) forget(id string) {
	r.evicted[id] = struct{}{}
	r.evictedOrder = append(r.evictedOrder, id)
	for len(r.evictedOrder) > r.max {
		delete(r.evicted, r.evictedOrder[0])
		r.evictedOrder = r.evictedOrder[1:]
	}
}

// GetTransfer returns the view of a single transfer
func (r *ReadModel) GetTransfer(transferID string) (TransferView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view, ok := r.transfers[transferID]
	if !ok {
		return TransferView{}, false
	}
	return *view, true
}

// GetSummary returns the aggregate counters
func (r *ReadModel) GetSummary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary
}
