package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType constants
const (
	CommandTypeDebitSource           = "DebitSource"
	CommandTypeCreditDestination     = "CreditDestination"
	CommandTypeReturnMoney           = "ReturnMoney"
	CommandTypeMarkTransferFailed    = "MarkTransferFailed"
	CommandTypeMarkTransferCompleted = "MarkTransferCompleted"
)

var ErrUnknownCommandType = errors.New("unknown command type")

// Command is sent fire-and-forget to the aggregate identified by TargetID.
// Every command carries the transfer ID so the receiving aggregate can
// reject or dedupe stale and duplicate commands.
type Command interface {
	GetType() string
	GetTransferID() string
	TargetID() string
}

// DebitSource asks the source account to debit the transfer amount
type DebitSource struct {
	SourceAccountID string `json:"source_account_id"`
	TransferID      string `json:"transfer_id"`
	Amount          int64  `json:"amount"`
}

func (c DebitSource) GetType() string       { return CommandTypeDebitSource }
func (c DebitSource) GetTransferID() string { return c.TransferID }
func (c DebitSource) TargetID() string      { return c.SourceAccountID }

// CreditDestination asks the destination account to credit the transfer amount
type CreditDestination struct {
	DestinationAccountID string `json:"destination_account_id"`
	TransferID           string `json:"transfer_id"`
	Amount               int64  `json:"amount"`
}

func (c CreditDestination) GetType() string       { return CommandTypeCreditDestination }
func (c CreditDestination) GetTransferID() string { return c.TransferID }
func (c CreditDestination) TargetID() string      { return c.DestinationAccountID }

// ReturnMoney refunds the source account after a failed credit
type ReturnMoney struct {
	SourceAccountID string `json:"source_account_id"`
	Amount          int64  `json:"amount"`
	TransferID      string `json:"transfer_id"`
}

func (c ReturnMoney) GetType() string       { return CommandTypeReturnMoney }
func (c ReturnMoney) GetTransferID() string { return c.TransferID }
func (c ReturnMoney) TargetID() string      { return c.SourceAccountID }

type MarkTransferFailed struct {
	TransferID string `json:"transfer_id"`
}

func (c MarkTransferFailed) GetType() string       { return CommandTypeMarkTransferFailed }
func (c MarkTransferFailed) GetTransferID() string { return c.TransferID }
func (c MarkTransferFailed) TargetID() string      { return c.TransferID }

type MarkTransferCompleted struct {
	TransferID string `json:"transfer_id"`
}

func (c MarkTransferCompleted) GetType() string       { return CommandTypeMarkTransferCompleted }
func (c MarkTransferCompleted) GetTransferID() string { return c.TransferID }
func (c MarkTransferCompleted) TargetID() string      { return c.TransferID }

// SerializeCommand converts a command to JSON bytes with envelope
func SerializeCommand(cmd Command) ([]byte, error) {
	return marshalEnvelope(cmd.GetType(), cmd)
}

// DeserializeCommand converts JSON bytes back to a Command
func DeserializeCommand(data []byte) (Command, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var cmd Command
	var err error
	switch envelope.Type {
	case CommandTypeDebitSource:
		cmd, err = decode[DebitSource](envelope.Data)
	case CommandTypeCreditDestination:
		cmd, err = decode[CreditDestination](envelope.Data)
	case CommandTypeReturnMoney:
		cmd, err = decode[ReturnMoney](envelope.Data)
	case CommandTypeMarkTransferFailed:
		cmd, err = decode[MarkTransferFailed](envelope.Data)
	case CommandTypeMarkTransferCompleted:
		cmd, err = decode[MarkTransferCompleted](envelope.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommandType, envelope.Type)
	}
	if err != nil {
		return nil, err
	}

	return cmd, nil
}
