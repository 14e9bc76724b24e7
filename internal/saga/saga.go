// Package saga coordinates a funds transfer between two accounts. The
// transfer saga reacts to account and transfer events and issues commands
// until the transfer is either completed or failed with the source refunded.
//
// Machine is the pure (state, event) -> (state, commands) function. Manager
// wraps it with loading, dispatching and persisting around each event, and
// Router feeds the Manager with per-transfer ordering.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/nathanyu/transfer-saga/internal/domain"
)

// State is the phase of a transfer saga
type State string

const (
	StateStarted       State = "Started"
	StateSourceDebited State = "SourceDebited"
	StateCompleted     State = "Completed"
	StateFailed        State = "Failed"
)

// Terminal reports whether no further transitions can occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrSagaNotFound = errors.New("saga not found")
	ErrSagaEnded    = errors.New("saga already ended")
)

// Saga is one in-flight transfer. Everything except State and UpdatedAt is
// captured from TransferCreated and never changes afterwards.
type Saga struct {
	TransferID           string    `json:"transfer_id"`
	SourceAccountID      string    `json:"source_account_id"`
	DestinationAccountID string    `json:"destination_account_id"`
	Amount               int64     `json:"amount"`
	State                State     `json:"state"`
	StartedAt            time.Time `json:"started_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Repository persists saga instances by transfer ID.
//
// Load returns ErrSagaNotFound when no instance was ever started and
// ErrSagaEnded once End has been called for the transfer.
type Repository interface {
	Load(ctx context.Context, transferID string) (*Saga, error)
	Save(ctx context.Context, s *Saga) error
	End(ctx context.Context, s *Saga) error
}

// CommandBus sends commands fire-and-forget. A nil error only means the
// transport accepted the command.
type CommandBus interface {
	Dispatch(ctx context.Context, cmd domain.Command) error
}

// Scheduler delivers event back to the saga no earlier than at.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, event domain.Event) error
}

// Journal records accepted inbound events so instances can be restored.
type Journal interface {
	Append(event domain.Event) error
}
