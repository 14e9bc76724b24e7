package saga

import (
	"fmt"
	"time"

	"github.com/nathanyu/transfer-saga/internal/domain"
)

// DefaultTimeout is how long after TransferCreated the timeout check fires
const DefaultTimeout = 30 * time.Second

// TimeoutPolicy decides what a timeout check does to a saga still in flight.
type TimeoutPolicy string

const (
	// TimeoutLog only records that the check fired
	TimeoutLog TimeoutPolicy = "log"
	// TimeoutCompensate fails the transfer and refunds the source if it was debited
	TimeoutCompensate TimeoutPolicy = "compensate"
)

// ParseTimeoutPolicy validates a policy name
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch p := TimeoutPolicy(s); p {
	case TimeoutLog, TimeoutCompensate:
		return p, nil
	default:
		return "", fmt.Errorf("invalid timeout policy %q (want %q or %q)", s, TimeoutLog, TimeoutCompensate)
	}
}

// Deferred is an event to be delivered back to the saga at a later time
type Deferred struct {
	At    time.Time
	Event domain.Event
}

// Outcome is the result of applying one event
type Outcome struct {
	Saga     Saga
	Commands []domain.Command
	Deferred []Deferred
	// Handled is false when the event matched no transition and was ignored.
	Handled bool
}

// Transitioned reports whether the state changed
func (o Outcome) Transitioned(from State) bool {
	return o.Handled && o.Saga.State != from
}

type transitionKey struct {
	from      State
	eventType string
}

type transition struct {
	to      State
	actions func(s Saga) []domain.Command
}

// transitions is the complete table of event-driven moves. Anything not
// listed here is ignored.
var transitions = map[transitionKey]transition{
	{StateStarted, domain.EventTypeSourceAccountNotFound}:            {StateFailed, markFailed},
	{StateStarted, domain.EventTypeSourceDebitRejected}:              {StateFailed, markFailed},
	{StateStarted, domain.EventTypeSourceDebited}:                    {StateSourceDebited, creditDestination},
	{StateSourceDebited, domain.EventTypeDestinationAccountNotFound}: {StateFailed, refundAndMarkFailed},
	{StateSourceDebited, domain.EventTypeDestinationCredited}:        {StateCompleted, markCompleted},
}

// Timeout checks are table driven too, but only under TimeoutCompensate.
var timeoutTransitions = map[State]transition{
	StateStarted:       {StateFailed, markFailed},
	StateSourceDebited: {StateFailed, refundAndMarkFailed},
}

func markFailed(s Saga) []domain.Command {
	return []domain.Command{domain.MarkTransferFailed{TransferID: s.TransferID}}
}

func markCompleted(s Saga) []domain.Command {
	return []domain.Command{domain.MarkTransferCompleted{TransferID: s.TransferID}}
}

func creditDestination(s Saga) []domain.Command {
	return []domain.Command{domain.CreditDestination{
		DestinationAccountID: s.DestinationAccountID,
		TransferID:           s.TransferID,
		Amount:               s.Amount,
	}}
}

// Money only reaches the destination after the source debit succeeded, so
// the source refund is the only compensation ever needed.
func refundAndMarkFailed(s Saga) []domain.Command {
	return []domain.Command{
		domain.ReturnMoney{
			SourceAccountID: s.SourceAccountID,
			Amount:          s.Amount,
			TransferID:      s.TransferID,
		},
		domain.MarkTransferFailed{TransferID: s.TransferID},
	}
}

// Machine is the transfer saga state machine. It holds no state of its own
// and is safe for concurrent use.
type Machine struct {
	Timeout       time.Duration
	TimeoutPolicy TimeoutPolicy
}

// NewMachine creates a machine with the given timeout settings
func NewMachine(timeout time.Duration, policy TimeoutPolicy) *Machine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if policy == "" {
		policy = TimeoutLog
	}
	return &Machine{Timeout: timeout, TimeoutPolicy: policy}
}

// Start creates a saga from TransferCreated. A transfer that can never
// succeed is failed straight away without touching any account.
func (m *Machine) Start(ev domain.TransferCreated, now time.Time) Outcome {
	s := Saga{
		TransferID:           ev.TransferID,
		SourceAccountID:      ev.SourceAccountID,
		DestinationAccountID: ev.DestinationAccountID,
		Amount:               ev.Amount,
		State:                StateStarted,
		StartedAt:            now,
		UpdatedAt:            now,
	}

	if !validTransfer(ev) {
		s.State = StateFailed
		return Outcome{Saga: s, Commands: markFailed(s), Handled: true}
	}

	return Outcome{
		Saga: s,
		Commands: []domain.Command{domain.DebitSource{
			SourceAccountID: s.SourceAccountID,
			TransferID:      s.TransferID,
			Amount:          s.Amount,
		}},
		Deferred: []Deferred{{
			At:    now.Add(m.Timeout),
			Event: domain.TransferTimeoutCheck{TransferID: s.TransferID},
		}},
		Handled: true,
	}
}

func validTransfer(ev domain.TransferCreated) bool {
	return ev.TransferID != "" &&
		ev.SourceAccountID != "" &&
		ev.DestinationAccountID != "" &&
		ev.SourceAccountID != ev.DestinationAccountID &&
		ev.Amount > 0
}

// Apply feeds one event to an existing saga. s is not modified.
func (m *Machine) Apply(s Saga, ev domain.Event, now time.Time) Outcome {
	ignored := Outcome{Saga: s}
	if s.State.Terminal() || ev.GetTransferID() != s.TransferID {
		return ignored
	}

	var t transition
	var ok bool
	if ev.GetType() == domain.EventTypeTransferTimeoutCheck {
		if m.TimeoutPolicy != TimeoutCompensate {
			// Observed but deliberately left without effect.
			return Outcome{Saga: s, Handled: true}
		}
		t, ok = timeoutTransitions[s.State]
	} else {
		t, ok = transitions[transitionKey{s.State, ev.GetType()}]
	}
	if !ok {
		return ignored
	}

	next := s
	next.State = t.to
	next.UpdatedAt = now
	return Outcome{Saga: next, Commands: t.actions(s), Handled: true}
}
