// Package service holds the read side of the ledger: account lookups served
// from the projections, event history and point-in-time balances served from
// the event log.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd.io/ledgerd/internal/domain"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/projection"
	"ledgerd.io/ledgerd/internal/storage"
)

// Transaction paging defaults.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// StatusReporter reports projection lag. *projection.Engine implements it.
type StatusReporter interface {
	Status(ctx context.Context) (projection.StatusReport, error)
}

// AccountView is the account summary projection as served to clients.
type AccountView struct {
	AccountID string          `json:"account_id"`
	OwnerName string          `json:"owner_name"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventView is one stored event as served to clients.
type EventView struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	SequenceNumber int64           `json:"sequence_number"`
	GlobalPosition int64           `json:"global_position"`
	Data           json.RawMessage `json:"data"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// BalanceAtView is a point-in-time balance.
type BalanceAtView struct {
	AccountID string          `json:"account_id"`
	BalanceAt decimal.Decimal `json:"balance_at"`
	Timestamp time.Time       `json:"timestamp"`
	// Version is the last sequence number at or before Timestamp.
	Version int64 `json:"version"`
}

// TransactionView is one transaction history row.
type TransactionView struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	SequenceNumber int64           `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TransactionPage is one page of an account's transaction history.
type TransactionPage struct {
	CurrentPage int               `json:"current_page"`
	PageSize    int               `json:"page_size"`
	TotalPages  int               `json:"total_pages"`
	TotalCount  int64             `json:"total_count"`
	Items       []TransactionView `json:"items"`
}

// AccountQueryService answers account queries.
type AccountQueryService struct {
	projections storage.ProjectionStore
	events      storage.EventLog
	reducer     *domain.Reducer
	status      StatusReporter
}

// NewAccountQueryService creates a new AccountQueryService.
func NewAccountQueryService(projections storage.ProjectionStore, events storage.EventLog, reducer *domain.Reducer, status StatusReporter) *AccountQueryService {
	if reducer == nil {
		reducer = domain.NewReducer(domain.DefaultCurrency)
	}
	return &AccountQueryService{
		projections: projections,
		events:      events,
		reducer:     reducer,
		status:      status,
	}
}

// GetAccount returns the account summary projection. It trails the event log
// by whatever the projections have not applied yet.
func (s *AccountQueryService) GetAccount(ctx context.Context, accountID string) (*AccountView, error) {
	sum, err := s.projections.GetAccountSummary(ctx, strings.TrimSpace(accountID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrAccountNotFoundf(accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account summary %s: %w", accountID, err)
	}
	return &AccountView{
		AccountID: sum.AccountID,
		OwnerName: sum.OwnerName,
		Balance:   sum.Balance,
		Currency:  sum.Currency,
		Status:    sum.Status,
		Version:   sum.Version,
		UpdatedAt: sum.UpdatedAt,
	}, nil
}

// ListEvents returns the account's full event stream in sequence order. An
// unknown account yields an empty list.
func (s *AccountQueryService) ListEvents(ctx context.Context, accountID string) ([]EventView, error) {
	events, err := s.events.ReadStream(ctx, strings.TrimSpace(accountID), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", accountID, err)
	}
	views := make([]EventView, 0, len(events))
	for _, evt := range events {
		views = append(views, EventView{
			EventID:        evt.ID,
			EventType:      string(evt.Type),
			SequenceNumber: evt.SequenceNumber,
			GlobalPosition: evt.GlobalPosition,
			Data:           evt.Payload,
			RecordedAt:     evt.RecordedAt,
		})
	}
	return views, nil
}

// BalanceAt folds the stream up to the first event recorded after at. A
// later event stamped earlier by a clock step back is not counted. An account
// with no events by then has a zero balance.
func (s *AccountQueryService) BalanceAt(ctx context.Context, accountID string, at time.Time) (*BalanceAtView, error) {
	accountID = strings.TrimSpace(accountID)
	events, err := s.events.EventsUntil(ctx, accountID, at)
	if err != nil {
		return nil, fmt.Errorf("read events of %s until %s: %w", accountID, at.Format(time.RFC3339Nano), err)
	}
	state, err := s.reducer.Fold(domain.NewAccountState(accountID), sequencePrefix(events)...)
	if err != nil {
		return nil, err
	}
	return &BalanceAtView{
		AccountID: accountID,
		BalanceAt: state.Balance,
		Timestamp: at.UTC(),
		Version:   state.Version,
	}, nil
}

// sequencePrefix returns the leading events numbered 1, 2, 3 and so on.
func sequencePrefix(events []domain.Event) []domain.Event {
	for i, evt := range events {
		if evt.SequenceNumber != int64(i+1) {
			return events[:i]
		}
	}
	return events
}

// ListTransactions returns one page of history, newest first. page is
// 1-based; non-positive page or pageSize fall back to the defaults and
// pageSize is capped at MaxPageSize.
func (s *AccountQueryService) ListTransactions(ctx context.Context, accountID string, page, pageSize int) (*TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if maxPage := math.MaxInt / pageSize; page > maxPage {
		page = maxPage
	}

	entries, total, err := s.projections.ListTransactions(ctx, strings.TrimSpace(accountID), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", accountID, err)
	}

	items := make([]TransactionView, 0, len(entries))
	for _, e := range entries {
		items = append(items, TransactionView{
			TransactionID:  e.TransactionID,
			Type:           e.Kind,
			Amount:         e.Amount,
			Description:    e.Description,
			SequenceNumber: e.SequenceNumber,
			Timestamp:      e.RecordedAt,
		})
	}
	return &TransactionPage{
		CurrentPage: page,
		PageSize:    pageSize,
		TotalPages:  int((total + int64(pageSize) - 1) / int64(pageSize)),
		TotalCount:  total,
		Items:       items,
	}, nil
}

// ProjectionStatus reports every projection's lag behind the event log.
func (s *AccountQueryService) ProjectionStatus(ctx context.Context) (projection.StatusReport, error) {
	if s.status == nil {
		return projection.StatusReport{}, errors.New("projection status reporter not configured")
	}
	return s.status.Status(ctx)
}
