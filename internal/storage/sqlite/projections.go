package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgerd.io/ledgerd/internal/storage"
)

const summaryColumns = `account_id, owner_name, balance, currency, status, version, updated_at`

type projectionTx struct {
	q querier
}

// WithinProjectionTx runs fn in one BEGIN IMMEDIATE transaction.
func (s *Store) WithinProjectionTx(ctx context.Context, fn func(tx storage.ProjectionTx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&projectionTx{q: tx})
	})
}

func (t *projectionTx) InsertAccountSummaryIfAbsent(ctx context.Context, sum storage.AccountSummary) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO account_summaries (account_id, owner_name, balance, currency, status, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO NOTHING`,
		sum.AccountID, sum.OwnerName, sum.Balance.String(), sum.Currency, sum.Status, sum.Version, toMicros(sum.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert account summary %s: %w", sum.AccountID, err)
	}
	return affectedOne(res)
}

// LockAccountSummary reads the row; the surrounding BEGIN IMMEDIATE already
// holds the write lock.
func (t *projectionTx) LockAccountSummary(ctx context.Context, accountID string) (storage.AccountSummary, error) {
	return getSummary(ctx, t.q, accountID)
}

func (t *projectionTx) UpdateAccountSummary(ctx context.Context, sum storage.AccountSummary) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE account_summaries
		 SET balance = ?, status = ?, version = ?, updated_at = ?
		 WHERE account_id = ? AND version < ?`,
		sum.Balance.String(), sum.Status, sum.Version, toMicros(sum.UpdatedAt), sum.AccountID, sum.Version,
	)
	if err != nil {
		return false, fmt.Errorf("update account summary %s: %w", sum.AccountID, err)
	}
	return affectedOne(res)
}

func (t *projectionTx) InsertTransaction(ctx context.Context, e storage.TransactionEntry) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO transaction_history (transaction_id, account_id, kind, amount, description, sequence_number, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		e.TransactionID, e.AccountID, e.Kind, e.Amount.String(), e.Description, e.SequenceNumber, toMicros(e.RecordedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction %s: %w", e.TransactionID, err)
	}
	return affectedOne(res)
}

func (t *projectionTx) AdvanceProjection(ctx context.Context, name string, position int64, at time.Time) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO projection_status (name, last_processed_global_sequence, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE
		 SET last_processed_global_sequence = MAX(projection_status.last_processed_global_sequence, excluded.last_processed_global_sequence),
		     updated_at = excluded.updated_at`,
		name, position, toMicros(at),
	)
	if err != nil {
		return fmt.Errorf("advance projection %s: %w", name, err)
	}
	return nil
}

// ResetProjections clears the read models and zeroes every marker.
func (s *Store) ResetProjections(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"account_summaries", "transaction_history"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		now := toMicros(time.Now())
		for _, name := range storage.ProjectionNames() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO projection_status (name, last_processed_global_sequence, updated_at)
				 VALUES (?, 0, ?)
				 ON CONFLICT (name) DO UPDATE SET last_processed_global_sequence = 0, updated_at = excluded.updated_at`,
				name, now,
			); err != nil {
				return fmt.Errorf("reset projection status %s: %w", name, err)
			}
		}
		return nil
	})
}

// GetAccountSummary returns the summary row of one account.
func (s *Store) GetAccountSummary(ctx context.Context, accountID string) (storage.AccountSummary, error) {
	return getSummary(ctx, s.db, accountID)
}

func getSummary(ctx context.Context, q querier, accountID string) (storage.AccountSummary, error) {
	var (
		sum       storage.AccountSummary
		balance   string
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM account_summaries WHERE account_id = ?`, accountID,
	).Scan(&sum.AccountID, &sum.OwnerName, &balance, &sum.Currency, &sum.Status, &sum.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.AccountSummary{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.AccountSummary{}, fmt.Errorf("get account summary %s: %w", accountID, err)
	}
	if sum.Balance, err = parseDecimal("balance", balance); err != nil {
		return storage.AccountSummary{}, err
	}
	sum.UpdatedAt = fromMicros(updatedAt)
	return sum, nil
}

// ListTransactions returns one page of history, newest first.
func (s *Store) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]storage.TransactionEntry, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transaction_history WHERE account_id = ?`, accountID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions of %s: %w", accountID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, account_id, kind, amount, description, sequence_number, recorded_at
		 FROM transaction_history
		 WHERE account_id = ?
		 ORDER BY recorded_at DESC, sequence_number DESC
		 LIMIT ? OFFSET ?`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions of %s: %w", accountID, err)
	}
	defer rows.Close()

	entries := []storage.TransactionEntry{}
	for rows.Next() {
		var (
			e          storage.TransactionEntry
			amount     string
			recordedAt int64
		)
		if err := rows.Scan(&e.TransactionID, &e.AccountID, &e.Kind, &amount, &e.Description, &e.SequenceNumber, &recordedAt); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		if e.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, 0, err
		}
		e.RecordedAt = fromMicros(recordedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transactions: %w", err)
	}
	return entries, total, nil
}

// ListProjectionStatus returns every projection marker ordered by name.
func (s *Store) ListProjectionStatus(ctx context.Context) ([]storage.ProjectionStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, last_processed_global_sequence, updated_at FROM projection_status ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projection status: %w", err)
	}
	defer rows.Close()

	statuses := []storage.ProjectionStatus{}
	for rows.Next() {
		var (
			st        storage.ProjectionStatus
			updatedAt int64
		)
		if err := rows.Scan(&st.Name, &st.LastProcessedGlobalSequence, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan projection status: %w", err)
		}
		st.UpdatedAt = fromMicros(updatedAt)
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projection status: %w", err)
	}
	return statuses, nil
}
