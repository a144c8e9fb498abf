package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chorusrelay/chorus/internal/core"
)

// ReadCounter returns the counter stored under key, or nil when none exists.
func (s *Store) ReadCounter(ctx context.Context, key string) (*core.CounterRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("counter key is required")
	}

	release := s.locks.acquire(key, false)
	defer release()

	record, err := scanCounter(s.DB.QueryRowContext(ctx, selectCounterSQL, key))
	if err != nil {
		return nil, fmt.Errorf("fetch counter: %w", err)
	}
	return record, nil
}

// UpdateCounter runs fn under the key's exclusive lock inside a transaction.
func (s *Store) UpdateCounter(ctx context.Context, key string, fn core.CounterMutator) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("counter key is required")
	}
	if fn == nil {
		return errors.New("counter mutator is required")
	}

	release := s.locks.acquire(key, true)
	defer release()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin counter update: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	current, err := scanCounter(tx.QueryRowContext(ctx, selectCounterSQL, key))
	if err != nil {
		return fmt.Errorf("fetch counter: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_counters (key, subject, operation, window_start, window_end, count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = excluded.count,
			window_end = excluded.window_end,
			updated_at = excluded.updated_at
	`, key, next.Subject, next.Operation, next.WindowStart.UTC().Unix(), nullableUnix(next.WindowEnd), next.Count, next.UpdatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("store counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit counter: %w", err)
	}
	return nil
}

const selectCounterSQL = `
	SELECT key, subject, operation, window_start, window_end, count, updated_at
	FROM rate_counters
	WHERE key = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCounter(row rowScanner) (*core.CounterRecord, error) {
	var (
		key         string
		subject     string
		operation   string
		windowStart int64
		windowEnd   sql.NullInt64
		count       int
		updatedAt   int64
	)
	if err := row.Scan(&key, &subject, &operation, &windowStart, &windowEnd, &count, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	record := &core.CounterRecord{
		Key:         key,
		Subject:     subject,
		Operation:   operation,
		WindowStart: time.Unix(windowStart, 0).UTC(),
		Count:       count,
		UpdatedAt:   time.Unix(updatedAt, 0).UTC(),
	}
	if windowEnd.Valid {
		record.WindowEnd = time.Unix(windowEnd.Int64, 0).UTC()
	}
	return record, nil
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}
