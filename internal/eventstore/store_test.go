package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerd.io/ledgerd/internal/domain"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/storage"
	"ledgerd.io/ledgerd/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

type countingProjector struct {
	mu     sync.Mutex
	seen   []domain.Event
	failOn func(domain.Event) error
}

func (p *countingProjector) Apply(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, evt)
	if p.failOn != nil {
		return p.failOn(evt)
	}
	return nil
}

func (p *countingProjector) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func newTestStore(t *testing.T, projector Projector, mutate func(*Options)) (*Store, storage.Backend) {
	t.Helper()
	backend := testutil.OpenSQLite(t)
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	return New(backend, projector, domain.NewReducer("USD"), opts), backend
}

func mustInput(t *testing.T, id string, p domain.Payload, expected *int64) AppendInput {
	t.Helper()
	in, err := NewAppendInput(id, p, expected)
	require.NoError(t, err)
	return in
}

func created(balance int64) domain.AccountCreated {
	return domain.AccountCreated{OwnerName: "Ada", InitialBalance: decimal.NewFromInt(balance), Currency: "USD"}
}

func deposit(txID string, amount int64) domain.MoneyDeposited {
	return domain.MoneyDeposited{Amount: decimal.NewFromInt(amount), TransactionID: txID}
}

func TestAppend_GaplessSequence(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, nil, nil)

	res, err := store.Append(ctx, mustInput(t, "A1", created(100), ExpectVersion(0)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.SequenceNumber)
	assert.NotEmpty(t, res.EventID)
	assert.False(t, res.Projected)

	for i := 2; i <= 6; i++ {
		res, err = store.Append(ctx, mustInput(t, "A1", deposit(fmt.Sprintf("t%d", i), 1), nil))
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.SequenceNumber)
	}

	events, err := store.ReadStream(ctx, "A1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 6)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.SequenceNumber)
		assert.Equal(t, domain.AggregateTypeBankAccount, evt.AggregateType)
	}
}

func TestAppend_ExpectedVersionConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, nil, nil)

	_, err := store.Append(ctx, mustInput(t, "A1", created(100), ExpectVersion(0)))
	require.NoError(t, err)
	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t1", 50), ExpectVersion(1)))
	require.NoError(t, err)
	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t2", 50), ExpectVersion(2)))
	require.NoError(t, err)

	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t3", 50), ExpectVersion(2)))
	require.ErrorIs(t, err, apperrors.ErrConcurrencyConflict)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), appErr.Params["expected_version"])
	assert.Equal(t, int64(3), appErr.Params["current_version"])

	v, err := store.CurrentVersion(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	res, err := store.Append(ctx, mustInput(t, "A1", deposit("t3", 50), ExpectVersion(3)))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.SequenceNumber)
}

func TestAppend_ConcurrentSameExpectedVersion(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, nil, nil)
	_, err := store.Append(ctx, mustInput(t, "A1", created(100), ExpectVersion(0)))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			in, err := NewAppendInput("A1", deposit(fmt.Sprintf("t%d", i), 1), ExpectVersion(1))
			if err != nil {
				t.Error(err)
				return
			}
			_, err = store.Append(ctx, in)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, apperrors.ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	v, err := store.CurrentVersion(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestAppend_ConcurrentUnconditionalStaysGapless(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, nil, nil)
	_, err := store.Append(ctx, mustInput(t, "A1", created(0), nil))
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in, err := NewAppendInput("A1", deposit(fmt.Sprintf("t%d", i), 1), nil)
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := store.Append(ctx, in); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	events, err := store.ReadStream(ctx, "A1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers+1)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.SequenceNumber)
	}
}

func TestAppend_Validation(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, nil, nil)

	tests := []struct {
		name string
		in   AppendInput
	}{
		{"missing aggregate", AppendInput{Type: domain.EventAccountClosed}},
		{"unknown type", AppendInput{AggregateID: "A1", Type: "InterestAccrued", Payload: json.RawMessage(`{}`)}},
		{"malformed payload", AppendInput{AggregateID: "A1", Type: domain.EventMoneyDeposited, Payload: json.RawMessage(`{"amount":`)}},
		{"non-positive amount", AppendInput{AggregateID: "A1", Type: domain.EventMoneyDeposited, Payload: json.RawMessage(`{"amount":"0","transaction_id":"t1"}`)}},
		{"negative expected version", AppendInput{AggregateID: "A1", Type: domain.EventAccountClosed, ExpectedVersion: ExpectVersion(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(ctx, tt.in)
			require.ErrorIs(t, err, apperrors.ErrValidation)
			assert.False(t, errors.Is(err, apperrors.ErrConsistencyViolation))
		})
	}

	stats, err := backend.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEvents)
}

func TestAppend_ProjectorCalledOncePerEvent(t *testing.T) {
	ctx := context.Background()
	projector := &countingProjector{}
	store, _ := newTestStore(t, projector, nil)

	res, err := store.Append(ctx, mustInput(t, "A1", created(10), ExpectVersion(0)))
	require.NoError(t, err)
	assert.True(t, res.Projected)

	require.Equal(t, 1, projector.count())
	assert.Equal(t, res.GlobalPosition, projector.seen[0].GlobalPosition)
	assert.Equal(t, res.EventID, projector.seen[0].ID)
}

func TestAppend_ProjectorFailureDoesNotFailAppend(t *testing.T) {
	ctx := context.Background()
	projector := &countingProjector{failOn: func(domain.Event) error {
		return apperrors.ProjectionApplyFailure(storage.ProjectionAccountSummaries, errors.New("disk full"))
	}}
	store, _ := newTestStore(t, projector, nil)

	res, err := store.Append(ctx, mustInput(t, "A1", created(10), ExpectVersion(0)))
	require.NoError(t, err)
	assert.False(t, res.Projected)
	assert.Equal(t, int64(1), res.SequenceNumber)

	state, err := store.Reconstruct(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, domain.AccountStatusOpen, state.Status)
}

func TestReconstruct_Absent(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)

	state, err := store.Reconstruct(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestReconstruct_AccountScenario(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, nil, nil)

	_, err := store.Append(ctx, mustInput(t, "A1", created(100), ExpectVersion(0)))
	require.NoError(t, err)
	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t1", 50), ExpectVersion(1)))
	require.NoError(t, err)
	_, err = store.Append(ctx, mustInput(t, "A1", domain.MoneyWithdrawn{Amount: decimal.NewFromInt(30), TransactionID: "t2"}, ExpectVersion(2)))
	require.NoError(t, err)

	state, err := store.Reconstruct(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Balance.Equal(decimal.NewFromInt(120)), "balance = %s", state.Balance)
	assert.Equal(t, domain.AccountStatusOpen, state.Status)
	assert.Equal(t, map[string]struct{}{"t1": {}, "t2": {}}, state.ProcessedTransactions)
}

func TestAppend_SnapshotCadence(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, nil, func(o *Options) { o.SnapshotInterval = 5 })

	_, err := store.Append(ctx, mustInput(t, "A1", created(100), nil))
	require.NoError(t, err)
	for i := 2; i <= 12; i++ {
		_, err := store.Append(ctx, mustInput(t, "A1", deposit(fmt.Sprintf("t%d", i), int64(i)), nil))
		require.NoError(t, err)
	}

	snap, err := backend.GetSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.ThroughSequence)

	withSnapshot, err := store.Reconstruct(ctx, "A1")
	require.NoError(t, err)

	events, err := store.ReadStream(ctx, "A1", 0, 0)
	require.NoError(t, err)
	replayed, err := domain.NewReducer("USD").Fold(domain.NewAccountState("A1"), events...)
	require.NoError(t, err)

	assert.True(t, replayed.Balance.Equal(withSnapshot.Balance))
	assert.Equal(t, replayed.ProcessedTransactions, withSnapshot.ProcessedTransactions)
	assert.Equal(t, replayed.Version, withSnapshot.Version)
	assert.Equal(t, replayed.Status, withSnapshot.Status)
	assert.Equal(t, int64(12), withSnapshot.Version)
}

func TestAppend_DeferredSnapshot(t *testing.T) {
	ctx := context.Background()
	var (
		deferred []func(context.Context)
		reject   bool
	)
	store, backend := newTestStore(t, nil, func(o *Options) {
		o.SnapshotInterval = 2
		o.Defer = func(_ context.Context, task func(context.Context)) error {
			if reject {
				return errors.New("pool closed")
			}
			deferred = append(deferred, task)
			return nil
		}
	})

	_, err := store.Append(ctx, mustInput(t, "A1", created(100), nil))
	require.NoError(t, err)
	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t2", 5), nil))
	require.NoError(t, err)

	require.Len(t, deferred, 1)
	_, err = backend.GetSnapshot(ctx, "A1")
	require.ErrorIs(t, err, storage.ErrNotFound, "snapshot written before the deferred task ran")

	deferred[0](ctx)
	snap, err := backend.GetSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.ThroughSequence)

	// A rejected submission falls back to an inline write.
	reject = true
	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t3", 1), nil))
	require.NoError(t, err)
	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t4", 1), nil))
	require.NoError(t, err)
	snap, err = backend.GetSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.ThroughSequence)
}

func TestAppend_DefaultSnapshotAtFifty(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, nil, nil)

	_, err := store.Append(ctx, mustInput(t, "A1", created(0), nil))
	require.NoError(t, err)
	for i := 2; i <= 49; i++ {
		_, err := store.Append(ctx, mustInput(t, "A1", deposit(fmt.Sprintf("t%d", i), 1), nil))
		require.NoError(t, err)
	}
	_, err = backend.GetSnapshot(ctx, "A1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Append(ctx, mustInput(t, "A1", deposit("t50", 1), nil))
	require.NoError(t, err)
	snap, err := backend.GetSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.ThroughSequence)

	state, err := decodeSnapshot(snap.State)
	require.NoError(t, err)
	assert.True(t, state.Balance.Equal(decimal.NewFromInt(49)))
}

func TestReconstruct_SnapshotAheadOfLog(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, nil, nil)
	_, err := store.Append(ctx, mustInput(t, "A1", created(100), nil))
	require.NoError(t, err)

	ahead := domain.NewAccountState("A1")
	ahead.Status = domain.AccountStatusOpen
	ahead.Version = 9
	data, err := encodeSnapshot(ahead)
	require.NoError(t, err)
	require.NoError(t, backend.PutSnapshot(ctx, storage.Snapshot{AggregateID: "A1", State: data, ThroughSequence: 9, CreatedAt: time.Now()}))

	_, err = store.Reconstruct(ctx, "A1")
	require.ErrorIs(t, err, apperrors.ErrConsistencyViolation)
}

func TestReconstruct_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t, nil, nil)
	_, err := store.Append(ctx, mustInput(t, "A1", created(100), nil))
	require.NoError(t, err)
	require.NoError(t, backend.PutSnapshot(ctx, storage.Snapshot{AggregateID: "A1", State: []byte{0xc1}, ThroughSequence: 1, CreatedAt: time.Now()}))

	_, err = store.Reconstruct(ctx, "A1")
	require.ErrorIs(t, err, apperrors.ErrConsistencyViolation)
}

func TestReadStream_Bounds(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, nil, nil)
	_, err := store.Append(ctx, mustInput(t, "A1", created(0), nil))
	require.NoError(t, err)
	for i := 2; i <= 5; i++ {
		_, err := store.Append(ctx, mustInput(t, "A1", deposit(fmt.Sprintf("t%d", i), 1), nil))
		require.NoError(t, err)
	}

	events, err := store.ReadStream(ctx, "A1", 1, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].SequenceNumber)
	assert.Equal(t, int64(3), events[1].SequenceNumber)

	events, err = store.ReadStream(ctx, "A1", 4, 2)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = store.ReadStream(ctx, "unknown", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = store.ReadStream(ctx, "A1", -1, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSnapshotCodec(t *testing.T) {
	state := domain.NewAccountState("A1")
	state.Balance = decimal.RequireFromString("1234.5678")
	state.Status = domain.AccountStatusClosed
	state.OwnerName = "Ada"
	state.Currency = "EUR"
	state.Version = 50
	state.ProcessedTransactions["t2"] = struct{}{}
	state.ProcessedTransactions["t1"] = struct{}{}

	data, err := encodeSnapshot(state)
	require.NoError(t, err)
	decoded, err := decodeSnapshot(data)
	require.NoError(t, err)

	assert.True(t, state.Balance.Equal(decoded.Balance))
	assert.Equal(t, state.ProcessedTransactions, decoded.ProcessedTransactions)
	assert.Equal(t, state.Status, decoded.Status)
	assert.Equal(t, state.Version, decoded.Version)
	assert.Equal(t, state.Currency, decoded.Currency)
}
