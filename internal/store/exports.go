package store

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/models"
)

// ExportCandidates returns the organization-days in [from, to] whose invoiced
// amount no longer matches the daily summary: days never exported, days whose
// last push failed, and days that changed after export through late usage or
// consolidation. Only organizations with a payment customer are returned.
func (s *Store) ExportCandidates(ctx context.Context, from, to time.Time) ([]models.BillingExport, error) {
	rows, err := s.db.Pool.Query(ctx, `
		WITH d AS (
			SELECT organization_id, usage_date, billed_cost_micros
			FROM client_daily_usage
			WHERE usage_date BETWEEN $1 AND $2
		), b AS (
			SELECT organization_id, usage_date, exported_micros, exported_minor, items, stripe_item_id, status
			FROM billing_exports
			WHERE usage_date BETWEEN $1 AND $2
		)
		SELECT o.id, COALESCE(d.usage_date, b.usage_date), o.stripe_customer_id,
		       COALESCE(d.billed_cost_micros, 0), o.currency, COALESCE(b.status, 'pending'),
		       COALESCE(b.exported_micros, 0), COALESCE(b.exported_minor, 0), COALESCE(b.items, 0),
		       COALESCE(b.stripe_item_id, '')
		FROM d
		FULL OUTER JOIN b ON b.organization_id = d.organization_id AND b.usage_date = d.usage_date
		JOIN client_organizations o ON o.id = COALESCE(d.organization_id, b.organization_id)
		WHERE o.stripe_customer_id <> ''
		  AND (
			(b.organization_id IS NULL AND d.billed_cost_micros > 0)
			OR (b.organization_id IS NOT NULL
				AND (b.status <> 'exported' OR b.exported_micros <> COALESCE(d.billed_cost_micros, 0)))
		  )
		ORDER BY 2, 1
	`, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query export candidates: %w", err)
	}
	defer rows.Close()

	var out []models.BillingExport
	for rows.Next() {
		var e models.BillingExport
		if err := rows.Scan(&e.OrganizationID, &e.UsageDate, &e.StripeCustomerID,
			&e.BilledCostMicros, &e.Currency, &e.Status,
			&e.ExportedMicros, &e.ExportedMinor, &e.Items, &e.StripeItemID); err != nil {
			return nil, fmt.Errorf("failed to scan export candidate: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkExported records what Stripe has been sent for the organization-day.
func (s *Store) MarkExported(ctx context.Context, e models.BillingExport) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO billing_exports (organization_id, usage_date, exported_micros, exported_minor, currency,
			items, stripe_item_id, status, error, exported_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'exported', '', NOW(), NOW())
		ON CONFLICT (organization_id, usage_date) DO UPDATE SET
			exported_micros = EXCLUDED.exported_micros,
			exported_minor = EXCLUDED.exported_minor,
			currency = EXCLUDED.currency,
			items = EXCLUDED.items,
			stripe_item_id = EXCLUDED.stripe_item_id,
			status = 'exported',
			error = '',
			exported_at = NOW(),
			updated_at = NOW()
	`, e.OrganizationID, dateOnly(e.UsageDate), e.ExportedMicros, e.ExportedMinor, e.Currency,
		e.Items, e.StripeItemID)
	if err != nil {
		return fmt.Errorf("failed to save billing export: %w", err)
	}
	return nil
}

// MarkExportFailed records a failed push so the next pass retries it. What was
// already exported for the day is kept.
func (s *Store) MarkExportFailed(ctx context.Context, e models.BillingExport, message string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO billing_exports (organization_id, usage_date, currency, status, error, updated_at)
		VALUES ($1, $2, $3, 'failed', $4, NOW())
		ON CONFLICT (organization_id, usage_date) DO UPDATE SET
			status = 'failed',
			error = EXCLUDED.error,
			updated_at = NOW()
	`, e.OrganizationID, dateOnly(e.UsageDate), e.Currency, message)
	if err != nil {
		return fmt.Errorf("failed to record billing export failure: %w", err)
	}
	return nil
}
