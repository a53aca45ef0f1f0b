package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ledgerd.io/ledgerd/internal/storage"
)

const summaryColumns = `account_id, owner_name, balance::text, currency, status, version, updated_at`

type projectionTx struct {
	q querier
}

// WithinProjectionTx runs fn in one transaction.
func (s *Store) WithinProjectionTx(ctx context.Context, fn func(tx storage.ProjectionTx) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return fn(&projectionTx{q: tx})
	})
}

func (t *projectionTx) InsertAccountSummaryIfAbsent(ctx context.Context, sum storage.AccountSummary) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO account_summaries (account_id, owner_name, balance, currency, status, version, updated_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
		 ON CONFLICT (account_id) DO NOTHING`,
		sum.AccountID, sum.OwnerName, sum.Balance.String(), sum.Currency, sum.Status, sum.Version, sum.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert account summary %s: %w", sum.AccountID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *projectionTx) LockAccountSummary(ctx context.Context, accountID string) (storage.AccountSummary, error) {
	return getSummary(ctx, t.q,
		`SELECT `+summaryColumns+` FROM account_summaries WHERE account_id = $1 FOR UPDATE`,
		accountID)
}

func (t *projectionTx) UpdateAccountSummary(ctx context.Context, sum storage.AccountSummary) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE account_summaries
		 SET balance = $2::numeric, status = $3, version = $4, updated_at = $5
		 WHERE account_id = $1 AND version < $4`,
		sum.AccountID, sum.Balance.String(), sum.Status, sum.Version, sum.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("update account summary %s: %w", sum.AccountID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *projectionTx) InsertTransaction(ctx context.Context, e storage.TransactionEntry) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO transaction_history (transaction_id, account_id, kind, amount, description, sequence_number, recorded_at)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		e.TransactionID, e.AccountID, e.Kind, e.Amount.String(), e.Description, e.SequenceNumber, e.RecordedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction %s: %w", e.TransactionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *projectionTx) AdvanceProjection(ctx context.Context, name string, position int64, at time.Time) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO projection_status (name, last_processed_global_sequence, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE
		 SET last_processed_global_sequence = GREATEST(projection_status.last_processed_global_sequence, EXCLUDED.last_processed_global_sequence),
		     updated_at = EXCLUDED.updated_at`,
		name, position, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("advance projection %s: %w", name, err)
	}
	return nil
}

// ResetProjections truncates the read models and zeroes every marker.
func (s *Store) ResetProjections(ctx context.Context) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `TRUNCATE account_summaries, transaction_history`); err != nil {
			return fmt.Errorf("truncate projections: %w", err)
		}
		now := time.Now().UTC()
		for _, name := range storage.ProjectionNames() {
			if _, err := tx.Exec(ctx,
				`INSERT INTO projection_status (name, last_processed_global_sequence, updated_at)
				 VALUES ($1, 0, $2)
				 ON CONFLICT (name) DO UPDATE SET last_processed_global_sequence = 0, updated_at = EXCLUDED.updated_at`,
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
	return getSummary(ctx, s.pool,
		`SELECT `+summaryColumns+` FROM account_summaries WHERE account_id = $1`,
		accountID)
}

func getSummary(ctx context.Context, q querier, sql, accountID string) (storage.AccountSummary, error) {
	var (
		sum     storage.AccountSummary
		balance string
	)
	err := q.QueryRow(ctx, sql, accountID).Scan(
		&sum.AccountID, &sum.OwnerName, &balance, &sum.Currency, &sum.Status, &sum.Version, &sum.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.AccountSummary{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.AccountSummary{}, fmt.Errorf("get account summary %s: %w", accountID, err)
	}
	if sum.Balance, err = parseDecimal("balance", balance); err != nil {
		return storage.AccountSummary{}, err
	}
	sum.UpdatedAt = sum.UpdatedAt.UTC()
	return sum, nil
}

// ListTransactions returns one page of history, newest first.
func (s *Store) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]storage.TransactionEntry, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transaction_history WHERE account_id = $1`, accountID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions of %s: %w", accountID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, account_id, kind, amount::text, description, sequence_number, recorded_at
		 FROM transaction_history
		 WHERE account_id = $1
		 ORDER BY recorded_at DESC, sequence_number DESC
		 LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions of %s: %w", accountID, err)
	}
	defer rows.Close()

	entries := []storage.TransactionEntry{}
	for rows.Next() {
		var (
			e      storage.TransactionEntry
			amount string
		)
		if err := rows.Scan(&e.TransactionID, &e.AccountID, &e.Kind, &amount, &e.Description, &e.SequenceNumber, &e.RecordedAt); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		if e.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, 0, err
		}
		e.RecordedAt = e.RecordedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transactions: %w", err)
	}
	return entries, total, nil
}

// ListProjectionStatus returns every projection marker ordered by name.
func (s *Store) ListProjectionStatus(ctx context.Context) ([]storage.ProjectionStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, last_processed_global_sequence, updated_at FROM projection_status ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projection status: %w", err)
	}
	defer rows.Close()

	statuses := []storage.ProjectionStatus{}
	for rows.Next() {
		var st storage.ProjectionStatus
		if err := rows.Scan(&st.Name, &st.LastProcessedGlobalSequence, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan projection status: %w", err)
		}
		st.UpdatedAt = st.UpdatedAt.UTC()
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projection status: %w", err)
	}
	return statuses, nil
}
