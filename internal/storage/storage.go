// Package storage defines the persistence contracts of the ledger: the event
// log, the snapshot store and the projection tables.
//
// Two backends implement them: storage/postgres (pgx) and storage/sqlite
// (modernc.org/sqlite). Both enforce UNIQUE (aggregate_id, sequence_number)
// on the event log, which is what makes the check-and-insert in an append
// atomic per aggregate.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd.io/ledgerd/internal/domain"
)

var (
	// ErrNotFound is returned by single-row reads when no row exists.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateSequence is returned by InsertEvent when another writer
	// already committed the same (aggregate_id, sequence_number).
	ErrDuplicateSequence = errors.New("storage: duplicate sequence number")
)

// Projection names tracked in projection_status.
const (
	ProjectionAccountSummaries   = "AccountSummaries"
	ProjectionTransactionHistory = "TransactionHistory"
)

// ProjectionNames lists every projection, in display order.
func ProjectionNames() []string {
	return []string{ProjectionAccountSummaries, ProjectionTransactionHistory}
}

// Transaction kinds stored in transaction_history.
const (
	TransactionKindDeposit    = "DEPOSIT"
	TransactionKindWithdrawal = "WITHDRAWAL"
)

// Snapshot is the latest materialized state of one aggregate.
type Snapshot struct {
	AggregateID     string
	State           []byte
	ThroughSequence int64
	CreatedAt       time.Time
}

// AccountSummary is the current-state read model of one account.
type AccountSummary struct {
	AccountID string
	OwnerName string
	Balance   decimal.Decimal
	Currency  string
	Status    string
	// Version is the aggregate sequence number last applied to this row.
	Version   int64
	UpdatedAt time.Time
}

// TransactionEntry is one row of the transaction history read model.
type TransactionEntry struct {
	TransactionID  string
	AccountID      string
	Kind           string
	Amount         decimal.Decimal
	Description    string
	SequenceNumber int64
	RecordedAt     time.Time
}

// ProjectionStatus is the progress marker of one named projection.
type ProjectionStatus struct {
	Name                        string
	LastProcessedGlobalSequence int64
	UpdatedAt                   time.Time
}

// LogStats summarizes the event log.
type LogStats struct {
	TotalEvents  int64
	HeadPosition int64
}

// ReplayCursor is a keyset position in global replay order
// (recorded_at, sequence_number, global_position). The zero value starts at
// the beginning of the log.
type ReplayCursor struct {
	RecordedAt     time.Time
	SequenceNumber int64
	GlobalPosition int64
}

// IsZero reports whether the cursor points at the beginning of the log.
func (c ReplayCursor) IsZero() bool {
	return c.GlobalPosition == 0 && c.SequenceNumber == 0 && c.RecordedAt.IsZero()
}

// After returns the cursor positioned after evt.
func After(evt domain.Event) ReplayCursor {
	return ReplayCursor{
		RecordedAt:     evt.RecordedAt,
		SequenceNumber: evt.SequenceNumber,
		GlobalPosition: evt.GlobalPosition,
	}
}

// EventTx is the transactional view used by the append path.
type EventTx interface {
	// CurrentVersion returns max(sequence_number) for the aggregate, 0 if none.
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
	// InsertEvent persists evt and returns it with GlobalPosition set.
	// A (aggregate_id, sequence_number) collision returns ErrDuplicateSequence.
	InsertEvent(ctx context.Context, evt domain.Event) (domain.Event, error)
}

// EventLog is the append-only event log plus the snapshot store.
type EventLog interface {
	// WithinTx runs fn in one transaction. fn's error rolls it back.
	WithinTx(ctx context.Context, fn func(tx EventTx) error) error

	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
	// ReadStream returns events with sequence in (from, to], ascending.
	// to <= 0 means unbounded.
	ReadStream(ctx context.Context, aggregateID string, from, to int64) ([]domain.Event, error)
	// EventsUntil returns the aggregate's events recorded at or before until.
	EventsUntil(ctx context.Context, aggregateID string, until time.Time) ([]domain.Event, error)
	// ReadAll returns up to limit events strictly after the cursor in global
	// replay order.
	ReadAll(ctx context.Context, after ReplayCursor, limit int) ([]domain.Event, error)
	Stats(ctx context.Context) (LogStats, error)

	// GetSnapshot returns ErrNotFound if no snapshot was ever written.
	GetSnapshot(ctx context.Context, aggregateID string) (Snapshot, error)
	// PutSnapshot upserts the snapshot. A write never lowers ThroughSequence.
	PutSnapshot(ctx context.Context, snap Snapshot) error
}

// ProjectionTx is the transactional view used to apply one event to the
// read models.
type ProjectionTx interface {
	// InsertAccountSummaryIfAbsent inserts the row unless one exists.
	InsertAccountSummaryIfAbsent(ctx context.Context, s AccountSummary) (bool, error)
	// LockAccountSummary reads the row and holds it for the transaction.
	LockAccountSummary(ctx context.Context, accountID string) (AccountSummary, error)
	// UpdateAccountSummary writes balance, status and version only where the
	// stored version is below s.Version.
	UpdateAccountSummary(ctx context.Context, s AccountSummary) (bool, error)
	// InsertTransaction is a no-op when the transaction id already exists.
	InsertTransaction(ctx context.Context, e TransactionEntry) (bool, error)
	// AdvanceProjection sets the marker to max(current, position).
	AdvanceProjection(ctx context.Context, name string, position int64, at time.Time) error
}

// ProjectionStore holds the read models and their progress markers.
type ProjectionStore interface {
	WithinProjectionTx(ctx context.Context, fn func(tx ProjectionTx) error) error
	// ResetProjections clears every read model and resets every marker to 0
	// in one transaction.
	ResetProjections(ctx context.Context) error

	GetAccountSummary(ctx context.Context, accountID string) (AccountSummary, error)
	// ListTransactions returns one page, newest first, and the total count.
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]TransactionEntry, int64, error)
	ListProjectionStatus(ctx context.Context) ([]ProjectionStatus, error)
}

// Backend is a complete storage backend.
type Backend interface {
	EventLog
	ProjectionStore
	Ping(ctx context.Context) error
	Close() error
}
