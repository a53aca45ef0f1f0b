// Package storagetest is a conformance suite run against every storage
// backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/storage"
)

// Opener returns a fresh, migrated, empty backend.
type Opener func(t *testing.T) storage.Backend

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Run("EventLog", func(t *testing.T) { testEventLog(t, open(t)) })
	t.Run("DuplicateSequence", func(t *testing.T) { testDuplicateSequence(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, open(t)) })
	t.Run("ReadAllPaging", func(t *testing.T) { testReadAllPaging(t, open(t)) })
	t.Run("EventsUntil", func(t *testing.T) { testEventsUntil(t, open(t)) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, open(t)) })
	t.Run("ProjectionTx", func(t *testing.T) { testProjectionTx(t, open(t)) })
	t.Run("ResetProjections", func(t *testing.T) { testResetProjections(t, open(t)) })
	t.Run("ListTransactions", func(t *testing.T) { testListTransactions(t, open(t)) })
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newEvent(aggregateID string, seq int64, at time.Time) domain.Event {
	return domain.Event{
		ID:             uuid.NewString(),
		AggregateID:    aggregateID,
		AggregateType:  domain.AggregateTypeBankAccount,
		Type:           domain.EventMoneyDeposited,
		Payload:        []byte(fmt.Sprintf(`{"amount":"1","transaction_id":"%s-%d"}`, aggregateID, seq)),
		SequenceNumber: seq,
		RecordedAt:     at,
	}
}

func insert(t *testing.T, b storage.Backend, evt domain.Event) domain.Event {
	t.Helper()
	var out domain.Event
	err := b.WithinTx(context.Background(), func(tx storage.EventTx) error {
		var err error
		out, err = tx.InsertEvent(context.Background(), evt)
		return err
	})
	require.NoError(t, err)
	return out
}

func testEventLog(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	v, err := b.CurrentVersion(ctx, "A1")
	require.NoError(t, err)
	assert.Zero(t, v)

	events, err := b.ReadStream(ctx, "A1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	var last int64
	for seq := int64(1); seq <= 5; seq++ {
		stored := insert(t, b, newEvent("A1", seq, base.Add(time.Duration(seq)*time.Second)))
		assert.Greater(t, stored.GlobalPosition, last)
		last = stored.GlobalPosition
	}
	insert(t, b, newEvent("B1", 1, base))

	v, err = b.CurrentVersion(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	events, err = b.ReadStream(ctx, "A1", 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].SequenceNumber)
	assert.Equal(t, int64(4), events[1].SequenceNumber)
	assert.Equal(t, domain.EventMoneyDeposited, events[0].Type)
	assert.True(t, events[0].RecordedAt.Equal(base.Add(3*time.Second)))
	assert.JSONEq(t, `{"amount":"1","transaction_id":"A1-3"}`, string(events[0].Payload))

	events, err = b.ReadStream(ctx, "A1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.TotalEvents)
	assert.GreaterOrEqual(t, stats.HeadPosition, last)
}

func testDuplicateSequence(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	insert(t, b, newEvent("A1", 1, base))

	err := b.WithinTx(ctx, func(tx storage.EventTx) error {
		_, err := tx.InsertEvent(ctx, newEvent("A1", 1, base))
		return err
	})
	require.ErrorIs(t, err, storage.ErrDuplicateSequence)

	v, err := b.CurrentVersion(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func testRollbackOnError(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := b.WithinTx(ctx, func(tx storage.EventTx) error {
		if _, err := tx.InsertEvent(ctx, newEvent("A1", 1, base)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, err := b.CurrentVersion(ctx, "A1")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func testReadAllPaging(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	// Same timestamp for A1/1 and B1/1: ties break on sequence, then position.
	insert(t, b, newEvent("B1", 1, base))
	insert(t, b, newEvent("A1", 1, base))
	insert(t, b, newEvent("A1", 2, base.Add(time.Second)))
	insert(t, b, newEvent("B1", 2, base.Add(2*time.Second)))
	insert(t, b, newEvent("C1", 1, base.Add(500*time.Millisecond)))

	var (
		got    []string
		cursor storage.ReplayCursor
	)
	for {
		page, err := b.ReadAll(ctx, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			got = append(got, fmt.Sprintf("%s/%d", evt.AggregateID, evt.SequenceNumber))
		}
		cursor = storage.After(page[len(page)-1])
	}

	assert.Equal(t, []string{"B1/1", "A1/1", "C1/1", "A1/2", "B1/2"}, got)
}

func testEventsUntil(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		insert(t, b, newEvent("A1", seq, base.Add(time.Duration(seq)*time.Minute)))
	}

	events, err := b.EventsUntil(ctx, "A1", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].SequenceNumber)

	events, err = b.EventsUntil(ctx, "A1", base)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testSnapshots(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetSnapshot(ctx, "A1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, b.PutSnapshot(ctx, storage.Snapshot{AggregateID: "A1", State: []byte("v50"), ThroughSequence: 50, CreatedAt: base}))
	require.NoError(t, b.PutSnapshot(ctx, storage.Snapshot{AggregateID: "A1", State: []byte("v100"), ThroughSequence: 100, CreatedAt: base}))
	// An older snapshot never replaces a newer one.
	require.NoError(t, b.PutSnapshot(ctx, storage.Snapshot{AggregateID: "A1", State: []byte("v50"), ThroughSequence: 50, CreatedAt: base}))

	snap, err := b.GetSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.ThroughSequence)
	assert.Equal(t, []byte("v100"), snap.State)
}

func testProjectionTx(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := base

	err := b.WithinProjectionTx(ctx, func(tx storage.ProjectionTx) error {
		inserted, err := tx.InsertAccountSummaryIfAbsent(ctx, storage.AccountSummary{
			AccountID: "A1", OwnerName: "Ada", Balance: decimal.NewFromInt(100),
			Currency: "USD", Status: string(domain.AccountStatusOpen), Version: 1, UpdatedAt: now,
		})
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertAccountSummaryIfAbsent(ctx, storage.AccountSummary{
			AccountID: "A1", OwnerName: "Other", Balance: decimal.Zero,
			Currency: "EUR", Status: string(domain.AccountStatusOpen), Version: 1, UpdatedAt: now,
		})
		require.NoError(t, err)
		assert.False(t, inserted)

		sum, err := tx.LockAccountSummary(ctx, "A1")
		require.NoError(t, err)
		sum.Balance = sum.Balance.Add(decimal.RequireFromString("50.25"))
		sum.Version = 2
		updated, err := tx.UpdateAccountSummary(ctx, sum)
		require.NoError(t, err)
		assert.True(t, updated)

		// Same version again is gated out.
		sum.Balance = decimal.NewFromInt(999)
		updated, err = tx.UpdateAccountSummary(ctx, sum)
		require.NoError(t, err)
		assert.False(t, updated)

		_, err = tx.LockAccountSummary(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		entry := storage.TransactionEntry{
			TransactionID: "t1", AccountID: "A1", Kind: storage.TransactionKindDeposit,
			Amount: decimal.RequireFromString("50.25"), SequenceNumber: 2, RecordedAt: now,
		}
		inserted, err = tx.InsertTransaction(ctx, entry)
		require.NoError(t, err)
		assert.True(t, inserted)
		inserted, err = tx.InsertTransaction(ctx, entry)
		require.NoError(t, err)
		assert.False(t, inserted)

		require.NoError(t, tx.AdvanceProjection(ctx, storage.ProjectionAccountSummaries, 7, now))
		require.NoError(t, tx.AdvanceProjection(ctx, storage.ProjectionAccountSummaries, 3, now))
		return nil
	})
	require.NoError(t, err)

	sum, err := b.GetAccountSummary(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", sum.OwnerName)
	assert.True(t, sum.Balance.Equal(decimal.RequireFromString("150.25")), "balance = %s", sum.Balance)
	assert.Equal(t, int64(2), sum.Version)

	statuses, err := b.ListProjectionStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, storage.ProjectionAccountSummaries, statuses[0].Name)
	assert.Equal(t, int64(7), statuses[0].LastProcessedGlobalSequence)
	assert.Equal(t, storage.ProjectionTransactionHistory, statuses[1].Name)
	assert.Zero(t, statuses[1].LastProcessedGlobalSequence)
}

func testResetProjections(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.WithinProjectionTx(ctx, func(tx storage.ProjectionTx) error {
		if _, err := tx.InsertAccountSummaryIfAbsent(ctx, storage.AccountSummary{
			AccountID: "A1", OwnerName: "Ada", Balance: decimal.Zero, Currency: "USD",
			Status: string(domain.AccountStatusOpen), Version: 1, UpdatedAt: base,
		}); err != nil {
			return err
		}
		for _, name := range storage.ProjectionNames() {
			if err := tx.AdvanceProjection(ctx, name, 42, base); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, b.ResetProjections(ctx))

	_, err := b.GetAccountSummary(ctx, "A1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	statuses, err := b.ListProjectionStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.Zero(t, st.LastProcessedGlobalSequence, st.Name)
	}
}

func testListTransactions(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.WithinProjectionTx(ctx, func(tx storage.ProjectionTx) error {
		for i := 1; i <= 5; i++ {
			if _, err := tx.InsertTransaction(ctx, storage.TransactionEntry{
				TransactionID:  fmt.Sprintf("t%d", i),
				AccountID:      "A1",
				Kind:           storage.TransactionKindWithdrawal,
				Amount:         decimal.NewFromInt(int64(i)),
				SequenceNumber: int64(i + 1),
				RecordedAt:     base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	page, total, err := b.ListTransactions(ctx, "A1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, "t5", page[0].TransactionID)
	assert.Equal(t, "t4", page[1].TransactionID)
	assert.True(t, page[0].Amount.Equal(decimal.NewFromInt(5)))

	page, _, err = b.ListTransactions(ctx, "A1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "t1", page[0].TransactionID)

	page, total, err = b.ListTransactions(ctx, "nobody", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)
}
