package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/internal/currency"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/shopspring/decimal"
)

// RateSource resolves the daily FX rate used for billing.
type RateSource interface {
	Rate(ctx context.Context, base, quote string, day time.Time) (currency.Quote, error)
}

// Pricing is one event's cost in the three ledger denominations.
type Pricing struct {
	RawCostMicros    int64
	MarkupCostMicros int64
	BilledCostMicros int64
	MarkupRate       decimal.Decimal
	FXRate           decimal.Decimal
	Currency         string
}

// Pricer applies an organization's markup and converts to its billing currency.
type Pricer struct {
	rates          RateSource
	sourceCurrency string
	defaultMarkup  decimal.Decimal
}

// NewPricer creates a Pricer. Raw costs are denominated in sourceCurrency.
func NewPricer(rates RateSource, sourceCurrency string, defaultMarkup decimal.Decimal) *Pricer {
	if !defaultMarkup.IsPositive() {
		defaultMarkup = decimal.NewFromInt(1)
	}
	return &Pricer{
		rates:          rates,
		sourceCurrency: strings.ToUpper(sourceCurrency),
		defaultMarkup:  defaultMarkup,
	}
}

// SourceCurrency is the currency raw and markup costs are kept in.
func (p *Pricer) SourceCurrency() string {
	return p.sourceCurrency
}

// Price computes the event's costs from the exact raw cost. Each amount is
// rounded to micros once, from exact intermediate values.
func (p *Pricer) Price(ctx context.Context, org *models.Organization, rawCost decimal.Decimal, day time.Time) (Pricing, error) {
	markupRate := org.MarkupRate
	if !markupRate.IsPositive() {
		markupRate = p.defaultMarkup
	}
	billingCurrency := strings.ToUpper(org.Currency)
	if billingCurrency == "" {
		billingCurrency = p.sourceCurrency
	}

	quote, err := p.rates.Rate(ctx, p.sourceCurrency, billingCurrency, day)
	if err != nil {
		return Pricing{}, fmt.Errorf("failed to get %s/%s rate: %w", p.sourceCurrency, billingCurrency, err)
	}

	markup := rawCost.Mul(markupRate)
	billed := markup.Mul(quote.Rate)

	var micros [3]int64
	for i, amount := range []decimal.Decimal{rawCost, markup, billed} {
		if micros[i], err = ToMicros(amount); err != nil {
			return Pricing{}, fmt.Errorf("failed to price %s: %w", amount, err)
		}
	}

	return Pricing{
		RawCostMicros:    micros[0],
		MarkupCostMicros: micros[1],
		BilledCostMicros: micros[2],
		MarkupRate:       markupRate,
		FXRate:           quote.Rate,
		Currency:         billingCurrency,
	}, nil
}
