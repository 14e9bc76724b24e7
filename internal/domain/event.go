package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType constants
const (
	EventTypeTransferCreated            = "TransferCreated"
	EventTypeSourceAccountNotFound      = "SourceAccountNotFound"
	EventTypeSourceDebitRejected        = "SourceDebitRejected"
	EventTypeSourceDebited              = "SourceDebited"
	EventTypeDestinationAccountNotFound = "DestinationAccountNotFound"
	EventTypeDestinationCredited        = "DestinationCredited"
	EventTypeTransferTimeoutCheck       = "TransferTimeoutCheck"
)

// ErrUnknownEventType is returned when an envelope names an event this service does not know.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is the base interface for all events. The transfer ID is the
// correlation key used to route an event to its saga instance.
type Event interface {
	GetType() string
	GetTransferID() string
}

// Envelope wraps an event or a command with metadata for serialization
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TransferCreated starts a saga
type TransferCreated struct {
	TransferID           string `json:"transfer_id"`
	SourceAccountID      string `json:"source_account_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               int64  `json:"amount"` // Amount in cents
}

func (e TransferCreated) GetType() string       { return EventTypeTransferCreated }
func (e TransferCreated) GetTransferID() string { return e.TransferID }

type SourceAccountNotFound struct {
	TransferID string `json:"transfer_id"`
}

func (e SourceAccountNotFound) GetType() string       { return EventTypeSourceAccountNotFound }
func (e SourceAccountNotFound) GetTransferID() string { return e.TransferID }

// SourceDebitRejected is emitted by the source account, e.g. on insufficient funds
type SourceDebitRejected struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

func (e SourceDebitRejected) GetType() string       { return EventTypeSourceDebitRejected }
func (e SourceDebitRejected) GetTransferID() string { return e.TransferID }

type SourceDebited struct {
	TransferID string `json:"transfer_id"`
	Amount     int64  `json:"amount"`
}

func (e SourceDebited) GetType() string       { return EventTypeSourceDebited }
func (e SourceDebited) GetTransferID() string { return e.TransferID }

type DestinationAccountNotFound struct {
	TransferID string `json:"transfer_id"`
}

func (e DestinationAccountNotFound) GetType() string       { return EventTypeDestinationAccountNotFound }
func (e DestinationAccountNotFound) GetTransferID() string { return e.TransferID }

type DestinationCredited struct {
	TransferID string `json:"transfer_id"`
}

func (e DestinationCredited) GetType() string       { return EventTypeDestinationCredited }
func (e DestinationCredited) GetTransferID() string { return e.TransferID }

// TransferTimeoutCheck is scheduled by the saga itself when a transfer starts
type TransferTimeoutCheck struct {
	TransferID string `json:"transfer_id"`
}

func (e TransferTimeoutCheck) GetType() string       { return EventTypeTransferTimeoutCheck }
func (e TransferTimeoutCheck) GetTransferID() string { return e.TransferID }

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	return marshalEnvelope(event.GetType(), event)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var event Event
	var err error
	switch envelope.Type {
	case EventTypeTransferCreated:
		event, err = decode[TransferCreated](envelope.Data)
	case EventTypeSourceAccountNotFound:
		event, err = decode[SourceAccountNotFound](envelope.Data)
	case EventTypeSourceDebitRejected:
		event, err = decode[SourceDebitRejected](envelope.Data)
	case EventTypeSourceDebited:
		event, err = decode[SourceDebited](envelope.Data)
	case EventTypeDestinationAccountNotFound:
		event, err = decode[DestinationAccountNotFound](envelope.Data)
	case EventTypeDestinationCredited:
		event, err = decode[DestinationCredited](envelope.Data)
	case EventTypeTransferTimeoutCheck:
		event, err = decode[TransferTimeoutCheck](envelope.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, envelope.Type)
	}
	if err != nil {
		return nil, err
	}

	return event, nil
}

func marshalEnvelope(typ string, payload any) ([]byte, error) {
	return marshalEnvelopeAt(typ, payload, time.Now().UTC())
}

func marshalEnvelopeAt(typ string, payload any, at time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	envelope := Envelope{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      typ,
		Timestamp: at,
		Data:      data,
	}

	return json.Marshal(envelope)
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Recorded is an event together with the time it was written
type Recorded struct {
	Event      Event
	RecordedAt time.Time
}

// SerializeRecorded encodes an event keeping its original timestamp
func SerializeRecorded(rec Recorded) ([]byte, error) {
	return marshalEnvelopeAt(rec.Event.GetType(), rec.Event, rec.RecordedAt.UTC())
}

// DeserializeRecorded decodes an envelope keeping its timestamp
func DeserializeRecorded(data []byte) (Recorded, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Recorded{}, err
	}

	event, err := DeserializeEvent(data)
	if err != nil {
		return Recorded{}, err
	}

	return Recorded{Event: event, RecordedAt: envelope.Timestamp}, nil
}
