package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Payload is the closed set of event payloads. The unexported marker keeps
// other packages from adding variants, so type switches over Payload are
// exhaustive.
type Payload interface {
	EventType() EventType
	Validate() error
	isPayload()
}

// AccountCreated opens an account.
type AccountCreated struct {
	OwnerName      string          `json:"owner_name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Currency       string          `json:"currency,omitempty"`
}

// MoneyDeposited credits an account.
type MoneyDeposited struct {
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	Description   string          `json:"description,omitempty"`
}

// MoneyWithdrawn debits an account.
type MoneyWithdrawn struct {
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	Description   string          `json:"description,omitempty"`
}

// AccountClosed closes an account.
type AccountClosed struct {
	Reason string `json:"reason,omitempty"`
}

func (AccountCreated) EventType() EventType { return EventAccountCreated }
func (MoneyDeposited) EventType() EventType { return EventMoneyDeposited }
func (MoneyWithdrawn) EventType() EventType { return EventMoneyWithdrawn }
func (AccountClosed) EventType() EventType  { return EventAccountClosed }

func (AccountCreated) isPayload() {}
func (MoneyDeposited) isPayload() {}
func (MoneyWithdrawn) isPayload() {}
func (AccountClosed) isPayload()  {}

// Validate checks the structural shape of the payload.
func (p AccountCreated) Validate() error {
	if strings.TrimSpace(p.OwnerName) == "" {
		return fmt.Errorf("owner_name is required")
	}
	if p.InitialBalance.IsNegative() {
		return fmt.Errorf("initial_balance must not be negative")
	}
	return nil
}

// Validate checks the structural shape of the payload.
func (p MoneyDeposited) Validate() error {
	return validateMovement(p.Amount, p.TransactionID)
}

// Validate checks the structural shape of the payload.
func (p MoneyWithdrawn) Validate() error {
	return validateMovement(p.Amount, p.TransactionID)
}

// Validate checks the structural shape of the payload.
func (AccountClosed) Validate() error { return nil }

func validateMovement(amount decimal.Decimal, transactionID string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if strings.TrimSpace(transactionID) == "" {
		return fmt.Errorf("transaction_id is required")
	}
	return nil
}

// UnknownEventTypeError is returned by DecodePayload for a type outside the
// closed set.
type UnknownEventTypeError struct {
	Type EventType
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", string(e.Type))
}

// DecodePayload decodes raw JSON into the payload variant named by t.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case EventAccountCreated:
		var v AccountCreated
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventMoneyDeposited:
		var v MoneyDeposited
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventMoneyWithdrawn:
		var v MoneyWithdrawn
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventAccountClosed:
		var v AccountClosed
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, &UnknownEventTypeError{Type: t}
	}
	return p, nil
}

// EncodePayload marshals a payload for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

func unmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
