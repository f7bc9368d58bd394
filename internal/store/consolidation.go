package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecomputeResult reports what a day recompute found and changed.
type RecomputeResult struct {
	EventsScanned int64
	RowsCorrected int64
	RowsDeleted   int64
}

// recomputeSQL rebuilds the table's buckets for one day from usage_events.
// Rows already equal to the aggregate are left untouched so the affected row
// count is exactly the number of drifted or missing buckets.
func (t summaryTable) recomputeSQL() string {
	keys := t.keyColumns()
	aggs := []string{
		"SUM(input_tokens)::bigint", "SUM(output_tokens)::bigint", "SUM(total_tokens)::bigint",
		"COUNT(*)::bigint",
		"SUM(raw_cost_micros)::bigint", "SUM(markup_cost_micros)::bigint", "SUM(billed_cost_micros)::bigint",
	}
	sets := make([]string, 0, len(counterColumns)+1)
	current := make([]string, len(counterColumns))
	excluded := make([]string, len(counterColumns))
	for i, c := range counterColumns {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		current[i] = "t." + c
		excluded[i] = "EXCLUDED." + c
	}
	sets = append(sets, "updated_at = NOW()")

	return fmt.Sprintf(`INSERT INTO %s AS t (%s, %s)
		SELECT %s, %s FROM usage_events WHERE usage_date = $1 GROUP BY %s
		ON CONFLICT (%s) DO UPDATE SET %s
		WHERE (%s) IS DISTINCT FROM (%s)`,
		t.name, strings.Join(keys, ", "), strings.Join(counterColumns, ", "),
		strings.Join(keys, ", "), strings.Join(aggs, ", "), strings.Join(keys, ", "),
		strings.Join(keys, ", "), strings.Join(sets, ", "),
		strings.Join(current, ", "), strings.Join(excluded, ", "))
}

// orphanSQL deletes the day's buckets that no longer have any event.
func (t summaryTable) orphanSQL() string {
	conds := make([]string, 0, 3)
	for _, k := range t.keyColumns() {
		conds = append(conds, fmt.Sprintf("e.%s = t.%s", k, k))
	}
	return fmt.Sprintf(`DELETE FROM %s t WHERE t.usage_date = $1
		AND NOT EXISTS (SELECT 1 FROM usage_events e WHERE %s)`,
		t.name, strings.Join(conds, " AND "))
}

// RecomputeDay rewrites every summary bucket of day from the usage ledger in
// one repeatable-read transaction. Concurrent increments to the same buckets
// surface as serialization failures and the whole recompute is retried.
func (s *Store) RecomputeDay(ctx context.Context, day time.Time) (RecomputeResult, error) {
	var res RecomputeResult
	date := dateOnly(day)

	err := s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		res = RecomputeResult{}
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM usage_events WHERE usage_date = $1`, date,
		).Scan(&res.EventsScanned); err != nil {
			return fmt.Errorf("failed to count usage events: %w", err)
		}

		for _, table := range summaryTables {
			tag, err := tx.Exec(ctx, table.recomputeSQL(), date)
			if err != nil {
				return fmt.Errorf("failed to recompute %s: %w", table.name, err)
			}
			res.RowsCorrected += tag.RowsAffected()

			tag, err = tx.Exec(ctx, table.orphanSQL(), date)
			if err != nil {
				return fmt.Errorf("failed to prune %s: %w", table.name, err)
			}
			res.RowsDeleted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return RecomputeResult{}, err
	}
	res.RowsCorrected += res.RowsDeleted
	return res, nil
}

const runColumns = `id, job, usage_date, status, attempts, events_scanned, rows_corrected, started_at, finished_at, error`

func scanRun(row pgx.Row) (*models.ProcessingRun, error) {
	var r models.ProcessingRun
	if err := row.Scan(&r.ID, &r.Job, &r.UsageDate, &r.Status, &r.Attempts,
		&r.EventsScanned, &r.RowsCorrected, &r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
		return nil, err
	}
	return &r, nil
}

// BeginRun claims the (job, day) log row and moves it to running. A row that
// is already running and started within staleAfter is left alone and
// ErrRunInProgress is returned; an older running row is taken over.
func (s *Store) BeginRun(ctx context.Context, job string, day time.Time, staleAfter time.Duration) (*models.ProcessingRun, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	run, err := scanRun(s.db.Pool.QueryRow(ctx, `
		INSERT INTO usage_processing_log (id, job, usage_date, status, attempts, started_at)
		VALUES ($1, $2, $3, 'running', 1, NOW())
		ON CONFLICT (job, usage_date) DO UPDATE SET
			status = 'running',
			attempts = usage_processing_log.attempts + 1,
			started_at = NOW(),
			finished_at = NULL,
			error = ''
		WHERE usage_processing_log.status <> 'running' OR usage_processing_log.started_at < $4
		RETURNING `+runColumns,
		uuid.New(), job, dateOnly(day), cutoff))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}
	return run, nil
}

// CompleteRun records a successful run.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, res RecomputeResult) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE usage_processing_log
		SET status = 'completed', events_scanned = $2, rows_corrected = $3, finished_at = NOW(), error = ''
		WHERE id = $1
	`, id, res.EventsScanned, res.RowsCorrected)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// FailRun records a failed run with its error message.
func (s *Store) FailRun(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE usage_processing_log SET status = 'failed', finished_at = NOW(), error = $2 WHERE id = $1
	`, id, message)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a job, newest day first.
func (s *Store) ListRuns(ctx context.Context, job string, limit int) ([]models.ProcessingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+runColumns+` FROM usage_processing_log
		WHERE job = $1 ORDER BY usage_date DESC LIMIT $2
	`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ProcessingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
