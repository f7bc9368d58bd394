package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// counterColumns are the additive columns shared by every summary table, in
// the order of models.UsageCounters.
var counterColumns = []string{
	"input_tokens", "output_tokens", "total_tokens", "requests",
	"raw_cost_micros", "markup_cost_micros", "billed_cost_micros",
}

// summaryTable describes one day-bucketed rollup keyed by organization,
// an optional dimension and the usage date.
type summaryTable struct {
	name      string
	dimension string
}

// Summary tables in the order they are always written.
var summaryTables = []summaryTable{
	{name: "client_daily_usage"},
	{name: "client_user_daily_usage", dimension: "user_id"},
	{name: "client_model_daily_usage", dimension: "model"},
}

func (t summaryTable) keyColumns() []string {
	if t.dimension == "" {
		return []string{"organization_id", "usage_date"}
	}
	return []string{"organization_id", t.dimension, "usage_date"}
}

// incrementSQL adds one event's counters to its bucket.
func (t summaryTable) incrementSQL() string {
	keys := t.keyColumns()
	cols := append(append([]string{}, keys...), counterColumns...)
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	sets := make([]string, 0, len(counterColumns)+1)
	for _, c := range counterColumns {
		sets = append(sets, fmt.Sprintf("%s = t.%s + EXCLUDED.%s", c, c, c))
	}
	sets = append(sets, "updated_at = NOW()")

	return fmt.Sprintf(`INSERT INTO %s AS t (%s) VALUES (%s)
		ON CONFLICT (%s) DO UPDATE SET %s`,
		t.name, strings.Join(cols, ", "), strings.Join(params, ", "),
		strings.Join(keys, ", "), strings.Join(sets, ", "))
}

func (t summaryTable) incrementArgs(ev *models.UsageEvent) []any {
	args := []any{ev.OrganizationID}
	switch t.dimension {
	case "user_id":
		args = append(args, ev.UserID)
	case "model":
		args = append(args, ev.Model)
	}
	c := ev.Counters()
	return append(args, dateOnly(ev.UsageDate),
		c.InputTokens, c.OutputTokens, c.TotalTokens, c.Requests,
		c.RawCostMicros, c.MarkupCostMicros, c.BilledCostMicros)
}

// IsGenerationProcessed reports whether a generation has been accounted.
func (s *Store) IsGenerationProcessed(ctx context.Context, generationID string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_generations WHERE generation_id = $1)`,
		generationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check generation: %w", err)
	}
	return exists, nil
}

// RecordUsage accounts one priced event. The processed marker, the ledger row
// and the three summary increments commit together; a generation that is
// already marked returns ErrDuplicateGeneration and changes nothing.
func (s *Store) RecordUsage(ctx context.Context, ev *models.UsageEvent) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// The share lock orders this insert against UpdateOrganization.
		var currency string
		err := tx.QueryRow(ctx,
			`SELECT currency FROM client_organizations WHERE id = $1 FOR SHARE`, ev.OrganizationID).Scan(&currency)
		if err != nil {
			return fmt.Errorf("failed to lock organization: %w", notFound(err))
		}
		if currency != ev.Currency {
			return ErrCurrencyChanged
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_generations (generation_id, organization_id, processed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (generation_id) DO NOTHING
		`, ev.GenerationID, ev.OrganizationID)
		if err != nil {
			return fmt.Errorf("failed to mark generation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateGeneration
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO usage_events (
				generation_id, organization_id, user_id, model,
				input_tokens, output_tokens, total_tokens,
				raw_cost_micros, markup_cost_micros, billed_cost_micros,
				currency, markup_rate, fx_rate, usage_date, occurred_at, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, ev.GenerationID, ev.OrganizationID, ev.UserID, ev.Model,
			ev.InputTokens, ev.OutputTokens, ev.TotalTokens,
			ev.RawCostMicros, ev.MarkupCostMicros, ev.BilledCostMicros,
			ev.Currency, ev.MarkupRate, ev.FXRate, dateOnly(ev.UsageDate), ev.OccurredAt, ev.ReceivedAt)
		if err != nil {
			return fmt.Errorf("failed to insert usage event: %w", err)
		}

		for _, table := range summaryTables {
			if _, err := tx.Exec(ctx, table.incrementSQL(), table.incrementArgs(ev)...); err != nil {
				return fmt.Errorf("failed to update %s: %w", table.name, err)
			}
		}
		return nil
	})
}

const sumCounters = `
	COALESCE(SUM(input_tokens), 0)::bigint,
	COALESCE(SUM(output_tokens), 0)::bigint,
	COALESCE(SUM(total_tokens), 0)::bigint,
	COALESCE(SUM(requests), 0)::bigint,
	COALESCE(SUM(raw_cost_micros), 0)::bigint,
	COALESCE(SUM(markup_cost_micros), 0)::bigint,
	COALESCE(SUM(billed_cost_micros), 0)::bigint`

func counterDest(c *models.UsageCounters) []any {
	return []any{&c.InputTokens, &c.OutputTokens, &c.TotalTokens, &c.Requests,
		&c.RawCostMicros, &c.MarkupCostMicros, &c.BilledCostMicros}
}

// DailyUsage returns the organization's day buckets in [from, to], oldest first.
func (s *Store) DailyUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.DailyUsage, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT organization_id, usage_date, `+strings.Join(counterColumns, ", ")+`
		FROM client_daily_usage
		WHERE organization_id = $1 AND usage_date BETWEEN $2 AND $3
		ORDER BY usage_date
	`, orgID, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var out []models.DailyUsage
	for rows.Next() {
		var d models.DailyUsage
		dest := append([]any{&d.OrganizationID, &d.UsageDate}, counterDest(&d.UsageCounters)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UserUsage returns per-user totals over [from, to], highest billed first.
func (s *Store) UserUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.UserUsage, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT user_id, `+sumCounters+`
		FROM client_user_daily_usage
		WHERE organization_id = $1 AND usage_date BETWEEN $2 AND $3
		GROUP BY user_id
		ORDER BY 8 DESC, user_id
	`, orgID, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query user usage: %w", err)
	}
	defer rows.Close()

	var out []models.UserUsage
	for rows.Next() {
		u := models.UserUsage{OrganizationID: orgID}
		if err := rows.Scan(append([]any{&u.UserID}, counterDest(&u.UsageCounters)...)...); err != nil {
			return nil, fmt.Errorf("failed to scan user usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ModelUsage returns per-model totals over [from, to], highest billed first.
func (s *Store) ModelUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.ModelUsage, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT model, `+sumCounters+`
		FROM client_model_daily_usage
		WHERE organization_id = $1 AND usage_date BETWEEN $2 AND $3
		GROUP BY model
		ORDER BY 8 DESC, model
	`, orgID, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query model usage: %w", err)
	}
	defer rows.Close()

	var out []models.ModelUsage
	for rows.Next() {
		m := models.ModelUsage{OrganizationID: orgID}
		if err := rows.Scan(append([]any{&m.Model}, counterDest(&m.UsageCounters)...)...); err != nil {
			return nil, fmt.Errorf("failed to scan model usage: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UsageTotals sums the organization's day buckets over [from, to].
func (s *Store) UsageTotals(ctx context.Context, orgID uuid.UUID, from, to time.Time) (models.UsageCounters, error) {
	var c models.UsageCounters
	err := s.db.Pool.QueryRow(ctx, `
		SELECT `+sumCounters+`
		FROM client_daily_usage
		WHERE organization_id = $1 AND usage_date BETWEEN $2 AND $3
	`, orgID, dateOnly(from), dateOnly(to)).Scan(counterDest(&c)...)
	if err != nil {
		return c, fmt.Errorf("failed to query usage totals: %w", err)
	}
	return c, nil
}
