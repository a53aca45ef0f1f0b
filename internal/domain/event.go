package domain

import (
	"encoding/json"
	"time"
)

// AggregateTypeBankAccount is the only aggregate kind stored in the log.
const AggregateTypeBankAccount = "BankAccount"

// EventType defines the type of domain event.
type EventType string

const (
	EventAccountCreated EventType = "AccountCreated"
	EventMoneyDeposited EventType = "MoneyDeposited"
	EventMoneyWithdrawn EventType = "MoneyWithdrawn"
	EventAccountClosed  EventType = "AccountClosed"
)

// EventTypes lists every known event type.
func EventTypes() []EventType {
	return []EventType{
		EventAccountCreated,
		EventMoneyDeposited,
		EventMoneyWithdrawn,
		EventAccountClosed,
	}
}

// Known reports whether t is one of the closed set of event types.
func (t EventType) Known() bool {
	switch t {
	case EventAccountCreated, EventMoneyDeposited, EventMoneyWithdrawn, EventAccountClosed:
		return true
	}
	return false
}

// Event is an immutable fact in an account's stream.
//
// SequenceNumber is gapless per aggregate and assigned by the event store.
// GlobalPosition is assigned by storage and increases across the whole log.
type Event struct {
	ID             string          `json:"event_id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	Type           EventType       `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	SequenceNumber int64           `json:"sequence_number"`
	GlobalPosition int64           `json:"global_position"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Decode returns the typed payload of the event.
func (e Event) Decode() (Payload, error) {
	return DecodePayload(e.Type, e.Payload)
}
