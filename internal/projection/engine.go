// Package projection maintains the read models derived from the event log:
// account summaries and transaction history.
//
// Engine.Apply is idempotent. Balance and status changes are gated on the
// summary's version, history rows on the transaction id, and progress markers
// only move forward. Applying the same event twice, or replaying the whole log
// over live state, therefore converges to the same tables.
//
// A summary only advances through contiguous sequence numbers: an event that
// arrives ahead of the summary first pulls the missing predecessors from the
// log. Live applies are serialized per Engine and paused while a rebuild
// owns the tables.
package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerd.io/ledgerd/internal/domain"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/storage"
)

// Engine applies events to the read models.
type Engine struct {
	store           storage.ProjectionStore
	log             storage.EventLog
	defaultCurrency string
	now             func() time.Time

	// mu serializes live applies with PauseLive and ResumeLive.
	mu      sync.Mutex
	paused  bool
	skipped []domain.Event
}

// behindError aborts a projection transaction whose summary is behind the
// event's predecessor.
type behindError struct {
	version int64
}

func (e *behindError) Error() string {
	return fmt.Sprintf("summary behind at version %d", e.version)
}

// NewEngine creates an engine. log is read by Status and to catch up a
// summary that is behind.
func NewEngine(store storage.ProjectionStore, log storage.EventLog, defaultCurrency string) *Engine {
	if defaultCurrency == "" {
		defaultCurrency = domain.DefaultCurrency
	}
	return &Engine{
		store:           store,
		log:             log,
		defaultCurrency: defaultCurrency,
		now:             time.Now,
	}
}

// Apply projects one committed event from the live append path. While a
// rebuild has paused live projection the event is only remembered; the
// rebuild applies it before resuming.
func (e *Engine) Apply(ctx context.Context, evt domain.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.skipped = append(e.skipped, evt)
		logger.Debug("Live projection paused for rebuild",
			zap.String("aggregate_id", evt.AggregateID),
			zap.Int64("sequence_number", evt.SequenceNumber),
		)
		return nil
	}
	return e.apply(ctx, evt)
}

// Replay projects one event for a rebuild. It bypasses the live pause and
// must only be called by the rebuild that holds it.
func (e *Engine) Replay(ctx context.Context, evt domain.Event) error {
	return e.apply(ctx, evt)
}

// PauseLive waits for in-flight live applies and turns later ones into
// no-ops until ResumeLive.
func (e *Engine) PauseLive() {
	e.mu.Lock()
	e.paused = true
	e.skipped = nil
	e.mu.Unlock()
}

// ResumeLive runs final with live applies blocked, then applies the live
// events skipped since PauseLive and resumes live projection. final may be
// nil. Live projection resumes even when final fails.
func (e *Engine) ResumeLive(ctx context.Context, final func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		e.paused = false
		e.skipped = nil
	}()

	var err error
	if final != nil {
		err = final()
	}
	for _, evt := range e.skipped {
		if applyErr := e.apply(ctx, evt); applyErr != nil {
			err = errors.Join(err, applyErr)
		}
	}
	return err
}

// apply projects evt, first catching the summary up from the log when it is
// more than one version behind.
func (e *Engine) apply(ctx context.Context, evt domain.Event) error {
	err := e.applyOnce(ctx, evt, true)
	var behind *behindError
	if !errors.As(err, &behind) {
		return err
	}

	missing, err := e.readPredecessors(ctx, evt, behind.version)
	if err != nil {
		return apperrors.ProjectionApplyFailure(projectionFor(evt.Type), err)
	}
	if len(missing) > 0 {
		logger.Debug("Catching up account summary from the log",
			zap.String("aggregate_id", evt.AggregateID),
			zap.Int64("summary_version", behind.version),
			zap.Int("missing_events", len(missing)),
		)
	}
	for _, prev := range missing {
		if err := e.applyOnce(ctx, prev, false); err != nil {
			return err
		}
	}
	return e.applyOnce(ctx, evt, false)
}

func (e *Engine) readPredecessors(ctx context.Context, evt domain.Event, version int64) ([]domain.Event, error) {
	if e.log == nil {
		return nil, nil
	}
	events, err := e.log.ReadStream(ctx, evt.AggregateID, version, evt.SequenceNumber-1)
	if err != nil {
		return nil, fmt.Errorf("read predecessors of %s seq %d: %w", evt.AggregateID, evt.SequenceNumber, err)
	}
	return events, nil
}

// applyOnce projects evt in a single storage transaction. With detectGap a
// summary that is missing or behind the event's predecessor aborts the
// transaction with *behindError.
func (e *Engine) applyOnce(ctx context.Context, evt domain.Event, detectGap bool) error {
	payload, err := evt.Decode()
	if err != nil {
		return apperrors.ProjectionApplyFailure(projectionFor(evt.Type), err)
	}
	now := e.now().UTC()

	err = e.store.WithinProjectionTx(ctx, func(tx storage.ProjectionTx) error {
		if detectGap && evt.Type != domain.EventAccountCreated {
			if err := checkContiguous(ctx, tx, evt); err != nil {
				return err
			}
		}

		switch p := payload.(type) {
		case domain.AccountCreated:
			if err := e.applyCreated(ctx, tx, evt, p, now); err != nil {
				return err
			}
		case domain.MoneyDeposited:
			if err := applyMovement(ctx, tx, evt, movement{
				kind:          storage.TransactionKindDeposit,
				amount:        p.Amount,
				delta:         p.Amount,
				transactionID: p.TransactionID,
				description:   p.Description,
			}, now); err != nil {
				return err
			}
		case domain.MoneyWithdrawn:
			if err := applyMovement(ctx, tx, evt, movement{
				kind:          storage.TransactionKindWithdrawal,
				amount:        p.Amount,
				delta:         p.Amount.Neg(),
				transactionID: p.TransactionID,
				description:   p.Description,
			}, now); err != nil {
				return err
			}
		case domain.AccountClosed:
			if err := applyClosed(ctx, tx, evt, now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unhandled payload %T", payload)
		}

		for _, name := range storage.ProjectionNames() {
			if err := tx.AdvanceProjection(ctx, name, evt.GlobalPosition, now); err != nil {
				return fmt.Errorf("advance %s: %w", name, err)
			}
		}
		return nil
	})
	var behind *behindError
	if errors.As(err, &behind) {
		return behind
	}
	if err != nil {
		return apperrors.ProjectionApplyFailure(projectionFor(evt.Type), err)
	}
	return nil
}

// checkContiguous returns *behindError when the summary has not yet applied
// evt's predecessor.
func checkContiguous(ctx context.Context, tx storage.ProjectionTx, evt domain.Event) error {
	if evt.SequenceNumber <= 1 {
		return nil
	}
	summary, err := tx.LockAccountSummary(ctx, evt.AggregateID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &behindError{version: 0}
	case err != nil:
		return fmt.Errorf("lock summary: %w", err)
	case summary.Version < evt.SequenceNumber-1:
		return &behindError{version: summary.Version}
	}
	return nil
}

func (e *Engine) applyCreated(ctx context.Context, tx storage.ProjectionTx, evt domain.Event, p domain.AccountCreated, now time.Time) error {
	currency := p.Currency
	if currency == "" {
		currency = e.defaultCurrency
	}
	inserted, err := tx.InsertAccountSummaryIfAbsent(ctx, storage.AccountSummary{
		AccountID: evt.AggregateID,
		OwnerName: p.OwnerName,
		Balance:   p.InitialBalance,
		Currency:  currency,
		Status:    string(domain.AccountStatusOpen),
		Version:   evt.SequenceNumber,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if !inserted {
		logger.Debug("Account summary already present",
			zap.String("aggregate_id", evt.AggregateID),
			zap.Int64("sequence_number", evt.SequenceNumber),
		)
	}
	return nil
}

type movement struct {
	kind          string
	amount        decimal.Decimal
	delta         decimal.Decimal
	transactionID string
	description   string
}

func applyMovement(ctx context.Context, tx storage.ProjectionTx, evt domain.Event, m movement, now time.Time) error {
	summary, err := tx.LockAccountSummary(ctx, evt.AggregateID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Warn("Account summary missing; balance not projected",
			zap.String("aggregate_id", evt.AggregateID),
			zap.Int64("sequence_number", evt.SequenceNumber),
		)
	case err != nil:
		return fmt.Errorf("lock summary: %w", err)
	case summary.Version < evt.SequenceNumber:
		summary.Balance = summary.Balance.Add(m.delta)
		summary.Version = evt.SequenceNumber
		summary.UpdatedAt = now
		if _, err := tx.UpdateAccountSummary(ctx, summary); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
	}

	if _, err := tx.InsertTransaction(ctx, storage.TransactionEntry{
		TransactionID:  m.transactionID,
		AccountID:      evt.AggregateID,
		Kind:           m.kind,
		Amount:         m.amount,
		Description:    m.description,
		SequenceNumber: evt.SequenceNumber,
		RecordedAt:     evt.RecordedAt,
	}); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func applyClosed(ctx context.Context, tx storage.ProjectionTx, evt domain.Event, now time.Time) error {
	summary, err := tx.LockAccountSummary(ctx, evt.AggregateID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Warn("Account summary missing; close not projected",
			zap.String("aggregate_id", evt.AggregateID),
			zap.Int64("sequence_number", evt.SequenceNumber),
		)
		return nil
	case err != nil:
		return fmt.Errorf("lock summary: %w", err)
	case summary.Version >= evt.SequenceNumber:
		return nil
	}

	summary.Status = string(domain.AccountStatusClosed)
	summary.Version = evt.SequenceNumber
	summary.UpdatedAt = now
	if _, err := tx.UpdateAccountSummary(ctx, summary); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

// projectionFor names the read model an event type primarily feeds, for
// error reporting.
func projectionFor(t domain.EventType) string {
	switch t {
	case domain.EventMoneyDeposited, domain.EventMoneyWithdrawn:
		return storage.ProjectionTransactionHistory
	default:
		return storage.ProjectionAccountSummaries
	}
}
