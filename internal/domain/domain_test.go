package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
)

func mustEvent(t *testing.T, seq int64, p Payload) Event {
	t.Helper()
	raw, err := EncodePayload(p)
	require.NoError(t, err)
	return Event{
		AggregateID:    "A1",
		AggregateType:  AggregateTypeBankAccount,
		Type:           p.EventType(),
		Payload:        raw,
		SequenceNumber: seq,
	}
}

func TestFold_AccountScenario(t *testing.T) {
	events := []Event{
		mustEvent(t, 1, AccountCreated{OwnerName: "Ada", InitialBalance: decimal.NewFromInt(100), Currency: "USD"}),
		mustEvent(t, 2, MoneyDeposited{Amount: decimal.NewFromInt(50), TransactionID: "t1"}),
		mustEvent(t, 3, MoneyWithdrawn{Amount: decimal.NewFromInt(30), TransactionID: "t2"}),
	}

	state, err := Fold(NewAccountState("A1"), events...)
	require.NoError(t, err)

	assert.True(t, state.Balance.Equal(decimal.NewFromInt(120)), "balance = %s", state.Balance)
	assert.Equal(t, AccountStatusOpen, state.Status)
	assert.Equal(t, "Ada", state.OwnerName)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, map[string]struct{}{"t1": {}, "t2": {}}, state.ProcessedTransactions)
	assert.True(t, state.HasProcessed("t1"))
	assert.False(t, state.HasProcessed("t3"))
}

func TestFold_DefaultCurrency(t *testing.T) {
	created := mustEvent(t, 1, AccountCreated{OwnerName: "Ada", InitialBalance: decimal.Zero})

	state, err := Fold(NewAccountState("A1"), created)
	require.NoError(t, err)
	assert.Equal(t, DefaultCurrency, state.Currency)

	state, err = NewReducer("EUR").Fold(NewAccountState("A1"), created)
	require.NoError(t, err)
	assert.Equal(t, "EUR", state.Currency)
}

func TestFold_ForcedCloseWithBalance(t *testing.T) {
	state, err := Fold(NewAccountState("A1"),
		mustEvent(t, 1, AccountCreated{OwnerName: "Ada", InitialBalance: decimal.NewFromInt(100)}),
		mustEvent(t, 2, AccountClosed{Reason: "forced"}),
	)
	require.NoError(t, err)
	assert.Equal(t, AccountStatusClosed, state.Status)
	assert.True(t, state.Balance.Equal(decimal.NewFromInt(100)))
}

func TestFold_WithdrawWithoutSufficiencyCheck(t *testing.T) {
	state, err := Fold(NewAccountState("A1"),
		mustEvent(t, 1, AccountCreated{OwnerName: "Ada", InitialBalance: decimal.NewFromInt(10)}),
		mustEvent(t, 2, MoneyWithdrawn{Amount: decimal.NewFromInt(25), TransactionID: "t1"}),
	)
	require.NoError(t, err)
	assert.True(t, state.Balance.Equal(decimal.NewFromInt(-15)))
}

func TestFold_UnknownEventType(t *testing.T) {
	evt := Event{AggregateID: "A1", Type: "InterestAccrued", Payload: json.RawMessage(`{}`), SequenceNumber: 1}

	_, err := Fold(NewAccountState("A1"), evt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConsistencyViolation))
	assert.False(t, errors.Is(err, apperrors.ErrValidation))
}

func TestFold_SequenceGap(t *testing.T) {
	_, err := Fold(NewAccountState("A1"),
		mustEvent(t, 1, AccountCreated{OwnerName: "Ada"}),
		mustEvent(t, 3, MoneyDeposited{Amount: decimal.NewFromInt(1), TransactionID: "t1"}),
	)
	require.ErrorIs(t, err, apperrors.ErrConsistencyViolation)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	state, err := Fold(NewAccountState("A1"),
		mustEvent(t, 1, AccountCreated{OwnerName: "Ada", InitialBalance: decimal.NewFromInt(5)}),
	)
	require.NoError(t, err)

	next, err := Apply(state, mustEvent(t, 2, MoneyDeposited{Amount: decimal.NewFromInt(5), TransactionID: "t1"}))
	require.NoError(t, err)

	assert.False(t, state.HasProcessed("t1"))
	assert.True(t, next.HasProcessed("t1"))
	assert.True(t, state.Balance.Equal(decimal.NewFromInt(5)))
}

func TestFold_SnapshotCadenceIndependence(t *testing.T) {
	events := []Event{
		mustEvent(t, 1, AccountCreated{OwnerName: "Ada", InitialBalance: decimal.NewFromInt(100)}),
	}
	for i := int64(2); i <= 20; i++ {
		events = append(events, mustEvent(t, i, MoneyDeposited{
			Amount:        decimal.RequireFromString("1.25"),
			TransactionID: "t" + decimal.NewFromInt(i).String(),
		}))
	}

	full, err := Fold(NewAccountState("A1"), events...)
	require.NoError(t, err)

	for cut := 1; cut < len(events); cut++ {
		head, err := Fold(NewAccountState("A1"), events[:cut]...)
		require.NoError(t, err)
		resumed, err := Fold(head, events[cut:]...)
		require.NoError(t, err)

		assert.True(t, full.Balance.Equal(resumed.Balance), "cut %d", cut)
		assert.Equal(t, full.ProcessedTransactions, resumed.ProcessedTransactions, "cut %d", cut)
		assert.Equal(t, full.Version, resumed.Version)
	}
}

func TestDecodePayload_Validation(t *testing.T) {
	tests := []struct {
		name    string
		typ     EventType
		raw     string
		wantErr bool
	}{
		{"valid deposit", EventMoneyDeposited, `{"amount":"10.50","transaction_id":"t1"}`, false},
		{"numeric amount", EventMoneyDeposited, `{"amount":10.5,"transaction_id":"t1"}`, false},
		{"zero amount", EventMoneyDeposited, `{"amount":"0","transaction_id":"t1"}`, true},
		{"missing transaction", EventMoneyWithdrawn, `{"amount":"1"}`, true},
		{"negative opening balance", EventAccountCreated, `{"owner_name":"Ada","initial_balance":"-1"}`, true},
		{"missing owner", EventAccountCreated, `{"initial_balance":"1"}`, true},
		{"close without reason", EventAccountClosed, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.typ, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.typ, p.EventType())
			if tt.wantErr {
				assert.Error(t, p.Validate())
			} else {
				assert.NoError(t, p.Validate())
			}
		})
	}
}

func TestDecodePayload_Malformed(t *testing.T) {
	_, err := DecodePayload(EventMoneyDeposited, []byte(`{"amount":`))
	assert.Error(t, err)

	_, err = DecodePayload("Bogus", []byte(`{}`))
	var unknown *UnknownEventTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, EventType("Bogus"), unknown.Type)
}

func TestEventType_Known(t *testing.T) {
	for _, et := range EventTypes() {
		assert.True(t, et.Known(), et)
	}
	assert.False(t, EventType("AccountFrozen").Known())
}
