package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chorusrelay/chorus/internal/core"
)

// CounterQuery selects counters for listing or reset.
type CounterQuery struct {
	All       bool
	Subject   string
	Operation string
}

func (q CounterQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Subject) != "" {
		return nil
	}
	if strings.TrimSpace(q.Operation) != "" {
		return nil
	}
	return errors.New("must specify --all, --subject, or --operation")
}

// Matches reports whether record falls inside the query.
func (q CounterQuery) Matches(record core.CounterRecord) bool {
	if q.All {
		return true
	}
	if subject := strings.TrimSpace(q.Subject); subject != "" && record.Subject != subject {
		return false
	}
	if operation := strings.TrimSpace(q.Operation); operation != "" && record.Operation != operation {
		return false
	}
	return true
}

func (q CounterQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}

	clauses := []string{}
	args := []any{}
	if subject := strings.TrimSpace(q.Subject); subject != "" {
		clauses = append(clauses, "subject = ?")
		args = append(args, subject)
	}
	if operation := strings.TrimSpace(q.Operation); operation != "" {
		clauses = append(clauses, "operation = ?")
		args = append(args, operation)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (s *Store) ListCounters(ctx context.Context, q CounterQuery) ([]core.CounterRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, subject, operation, window_start, window_end, count, updated_at
		FROM rate_counters
		%s
		ORDER BY subject, operation, window_start
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.CounterRecord{}
	for rows.Next() {
		record, err := scanCounter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		if record != nil {
			records = append(records, *record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}

	return records, nil
}

func (s *Store) CountCounters(ctx context.Context, q CounterQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM rate_counters
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count counters: %w", err)
	}
	return count, nil
}

func (s *Store) ResetCounters(ctx context.Context, q CounterQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM rate_counters
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset counters: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset counters: %w", err)
	}
	return affected, nil
}

// SweepCounters deletes counters last updated before cutoff.
func (s *Store) SweepCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM rate_counters WHERE updated_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep counters: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep counters: %w", err)
	}
	return affected, nil
}
