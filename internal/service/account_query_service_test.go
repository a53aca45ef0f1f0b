package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerd.io/ledgerd/internal/domain"
	"ledgerd.io/ledgerd/internal/eventstore"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/projection"
	"ledgerd.io/ledgerd/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fixture appends through a store whose clock advances one minute per event.
type fixture struct {
	store *eventstore.Store
	svc   *AccountQueryService
	tick  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := testutil.OpenSQLite(t)
	engine := projection.NewEngine(backend, backend, "USD")
	f := &fixture{}
	opts := eventstore.DefaultOptions()
	opts.Now = func() time.Time {
		at := t0.Add(time.Duration(f.tick) * time.Minute)
		f.tick++
		return at
	}
	reducer := domain.NewReducer("USD")
	f.store = eventstore.New(backend, engine, reducer, opts)
	f.svc = NewAccountQueryService(backend, backend, reducer, engine)
	return f
}

func (f *fixture) append(t *testing.T, id string, payloads ...domain.Payload) {
	t.Helper()
	for _, p := range payloads {
		in, err := eventstore.NewAppendInput(id, p, nil)
		require.NoError(t, err)
		_, err = f.store.Append(context.Background(), in)
		require.NoError(t, err)
	}
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetAccount(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A1",
		domain.AccountCreated{OwnerName: "Alice", InitialBalance: amount("100")},
		domain.MoneyDeposited{Amount: amount("0.25"), TransactionID: "t1"},
	)

	view, err := f.svc.GetAccount(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", view.OwnerName)
	assert.True(t, amount("100.25").Equal(view.Balance))
	assert.Equal(t, "USD", view.Currency)
	assert.Equal(t, string(domain.AccountStatusOpen), view.Status)
	assert.Equal(t, int64(2), view.Version)

	_, err = f.svc.GetAccount(context.Background(), "missing")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeAccountNotFound, appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A1",
		domain.AccountCreated{OwnerName: "Alice", InitialBalance: amount("1")},
		domain.MoneyDeposited{Amount: amount("2"), TransactionID: "t1", Description: "salary"},
	)

	events, err := f.svc.ListEvents(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(domain.EventAccountCreated), events[0].EventType)
	assert.Equal(t, int64(1), events[0].SequenceNumber)
	assert.Equal(t, string(domain.EventMoneyDeposited), events[1].EventType)
	assert.True(t, events[1].RecordedAt.After(events[0].RecordedAt))

	var data map[string]any
	require.NoError(t, json.Unmarshal(events[1].Data, &data))
	assert.Equal(t, "salary", data["description"])

	empty, err := f.svc.ListEvents(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NotNil(t, empty)
}

func TestBalanceAt(t *testing.T) {
	f := newFixture(t)
	// Recorded at t0, t0+1m, t0+2m, t0+3m.
	f.append(t, "A1",
		domain.AccountCreated{OwnerName: "Alice", InitialBalance: amount("100")},
		domain.MoneyDeposited{Amount: amount("50"), TransactionID: "t1"},
		domain.MoneyWithdrawn{Amount: amount("30"), TransactionID: "t2"},
		domain.MoneyDeposited{Amount: amount("5"), TransactionID: "t3"},
	)

	tests := []struct {
		name    string
		at      time.Time
		balance string
		version int64
	}{
		{"before creation", t0.Add(-time.Second), "0", 0},
		{"at creation", t0, "100", 1},
		{"between events", t0.Add(90 * time.Second), "150", 2},
		{"at third event", t0.Add(2 * time.Minute), "120", 3},
		{"after everything", t0.Add(time.Hour), "125", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view, err := f.svc.BalanceAt(context.Background(), "A1", tt.at)
			require.NoError(t, err)
			assert.True(t, amount(tt.balance).Equal(view.BalanceAt), "balance = %s, want %s", view.BalanceAt, tt.balance)
			assert.Equal(t, tt.version, view.Version)
			assert.True(t, tt.at.Equal(view.Timestamp))
		})
	}
}

func TestBalanceAt_ClockStepBack(t *testing.T) {
	f := newFixture(t)
	// Recorded at t0, t0+5m, t0+1m: the clock stepped back before seq 3.
	stamps := []time.Duration{0, 5 * time.Minute, time.Minute}
	opts := eventstore.DefaultOptions()
	opts.Now = func() time.Time {
		at := t0.Add(stamps[f.tick])
		f.tick++
		return at
	}
	backend := testutil.OpenSQLite(t)
	f.store = eventstore.New(backend, nil, domain.NewReducer("USD"), opts)
	f.svc = NewAccountQueryService(backend, backend, nil, nil)
	f.append(t, "A1",
		domain.AccountCreated{OwnerName: "Alice", InitialBalance: amount("100")},
		domain.MoneyDeposited{Amount: amount("50"), TransactionID: "t1"},
		domain.MoneyDeposited{Amount: amount("7"), TransactionID: "t2"},
	)

	tests := []struct {
		name    string
		at      time.Time
		balance string
		version int64
	}{
		{"seq 3 stamped but seq 2 not yet", t0.Add(2 * time.Minute), "100", 1},
		{"all recorded", t0.Add(5 * time.Minute), "157", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view, err := f.svc.BalanceAt(context.Background(), "A1", tt.at)
			require.NoError(t, err)
			assert.True(t, amount(tt.balance).Equal(view.BalanceAt), "balance = %s, want %s", view.BalanceAt, tt.balance)
			assert.Equal(t, tt.version, view.Version)
		})
	}
}

func TestListTransactions_Paging(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A1", domain.AccountCreated{OwnerName: "Alice", InitialBalance: amount("0")})
	for i := 1; i <= 12; i++ {
		f.append(t, "A1", domain.MoneyDeposited{Amount: amount("1"), TransactionID: fmt.Sprintf("t%02d", i)})
	}

	page, err := f.svc.ListTransactions(context.Background(), "A1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Equal(t, DefaultPageSize, page.PageSize)
	assert.Equal(t, int64(12), page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 10)
	assert.Equal(t, "t12", page.Items[0].TransactionID, "newest first")
	assert.Equal(t, "DEPOSIT", page.Items[0].Type)

	page, err = f.svc.ListTransactions(context.Background(), "A1", 2, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "t01", page.Items[1].TransactionID)

	page, err = f.svc.ListTransactions(context.Background(), "A1", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.PageSize)

	page, err = f.svc.ListTransactions(context.Background(), "A1", math.MaxInt, 10)
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt/10, page.CurrentPage)
	assert.Empty(t, page.Items)
	assert.Equal(t, int64(12), page.TotalCount)

	page, err = f.svc.ListTransactions(context.Background(), "nobody", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.TotalCount)
	assert.Zero(t, page.TotalPages)
	assert.Empty(t, page.Items)
}

func TestProjectionStatus(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A1", domain.AccountCreated{OwnerName: "Alice", InitialBalance: amount("1")})

	report, err := f.svc.ProjectionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TotalEvents)
	for _, p := range report.Projections {
		assert.Zero(t, p.Lag, p.Name)
	}

	_, err = NewAccountQueryService(nil, nil, nil, nil).ProjectionStatus(context.Background())
	assert.Error(t, err)
}
