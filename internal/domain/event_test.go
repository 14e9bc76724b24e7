package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeEvent_Envelope(t *testing.T) {
	data, err := SerializeEvent(TransferCreated{
		TransferID:           "t1",
		SourceAccountID:      "A",
		DestinationAccountID: "B",
		Amount:               100,
	})
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, EventTypeTransferCreated, envelope.Type)
	assert.NotEmpty(t, envelope.ID)
	assert.False(t, envelope.Timestamp.IsZero())

	event, err := DeserializeEvent(data)
	require.NoError(t, err)
	created, ok := event.(TransferCreated)
	require.True(t, ok)
	assert.Equal(t, "A", created.SourceAccountID)
	assert.Equal(t, "B", created.DestinationAccountID)
	assert.Equal(t, int64(100), created.Amount)
}

func TestDeserializeEvent_AllTypes(t *testing.T) {
	events := []Event{
		TransferCreated{TransferID: "t1"},
		SourceAccountNotFound{TransferID: "t1"},
		SourceDebitRejected{TransferID: "t1", Reason: "insufficient funds"},
		SourceDebited{TransferID: "t1", Amount: 5},
		DestinationAccountNotFound{TransferID: "t1"},
		DestinationCredited{TransferID: "t1"},
		TransferTimeoutCheck{TransferID: "t1"},
	}

	for _, ev := range events {
		t.Run(ev.GetType(), func(t *testing.T) {
			data, err := SerializeEvent(ev)
			require.NoError(t, err)

			decoded, err := DeserializeEvent(data)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
			assert.Equal(t, "t1", decoded.GetTransferID())
		})
	}
}

func TestDeserializeEvent_UnknownType(t *testing.T) {
	_, err := DeserializeEvent([]byte(`{"type":"AccountOpened","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = DeserializeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestCommand_Targets(t *testing.T) {
	tests := []struct {
		cmd    Command
		target string
	}{
		{DebitSource{SourceAccountID: "A", TransferID: "t1", Amount: 1}, "A"},
		{CreditDestination{DestinationAccountID: "B", TransferID: "t1", Amount: 1}, "B"},
		{ReturnMoney{SourceAccountID: "A", TransferID: "t1", Amount: 1}, "A"},
		{MarkTransferFailed{TransferID: "t1"}, "t1"},
		{MarkTransferCompleted{TransferID: "t1"}, "t1"},
	}

	for _, tc := range tests {
		t.Run(tc.cmd.GetType(), func(t *testing.T) {
			assert.Equal(t, tc.target, tc.cmd.TargetID())
			assert.Equal(t, "t1", tc.cmd.GetTransferID())

			data, err := SerializeCommand(tc.cmd)
			require.NoError(t, err)
			decoded, err := DeserializeCommand(data)
			require.NoError(t, err)
			assert.Equal(t, tc.cmd, decoded)
		})
	}
}

func TestDeserializeCommand_UnknownType(t *testing.T) {
	_, err := DeserializeCommand([]byte(`{"type":"CloseAccount","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownCommandType)
}

func TestSerializeRecorded_KeepsTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Recorded{Event: SourceDebited{TransferID: "t1", Amount: 10}, RecordedAt: at}

	data, err := SerializeRecorded(rec)
	require.NoError(t, err)

	got, err := DeserializeRecorded(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Event, got.Event)
	assert.True(t, at.Equal(got.RecordedAt))
}
