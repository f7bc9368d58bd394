package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/jackc/pgx/v5"
)

// GetFXRate returns the persisted rate for base->quote on day.
func (s *Store) GetFXRate(ctx context.Context, base, quote string, day time.Time) (*models.FXRate, error) {
	var r models.FXRate
	err := s.db.Pool.QueryRow(ctx, `
		SELECT base_currency, quote_currency, rate_date, rate, source, effective_date
		FROM fx_rates
		WHERE base_currency = $1 AND quote_currency = $2 AND rate_date = $3
	`, base, quote, dateOnly(day)).Scan(&r.Base, &r.Quote, &r.RateDate, &r.Rate, &r.Source, &r.EffectiveDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fx rate: %w", err)
	}
	return &r, nil
}

// SaveFXRate persists a rate. The first rate stored for a day wins so a day
// always converts the same way.
func (s *Store) SaveFXRate(ctx context.Context, r models.FXRate) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO fx_rates (base_currency, quote_currency, rate_date, rate, source, effective_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (base_currency, quote_currency, rate_date) DO NOTHING
	`, r.Base, r.Quote, dateOnly(r.RateDate), r.Rate, r.Source, dateOnly(r.EffectiveDate))
	if err != nil {
		return fmt.Errorf("failed to save fx rate: %w", err)
	}
	return nil
}
