package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// NBP publishes table A on business days only.
	nbpLookbackDays = 7
	nbpSource       = "nbp"
	pivotCurrency   = "PLN"
	rateScale       = 8
)

// NBPProvider reads mid rates from the National Bank of Poland table A API.
// Every rate is quoted against PLN, so cross rates go through it.
type NBPProvider struct {
	baseURL string
	client  *http.Client
}

// NewNBPProvider creates a provider for baseURL, e.g. https://api.nbp.pl/api.
func NewNBPProvider(baseURL string, timeout time.Duration) *NBPProvider {
	return &NBPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type nbpSeries struct {
	Code  string `json:"code"`
	Rates []struct {
		EffectiveDate string          `json:"effectiveDate"`
		Mid           decimal.Decimal `json:"mid"`
	} `json:"rates"`
}

// Rate returns base->quote for day using the last table published on or
// before day.
func (p *NBPProvider) Rate(ctx context.Context, base, quote string, day time.Time) (Quote, error) {
	baseMid, baseDate, err := p.mid(ctx, base, day)
	if err != nil {
		return Quote{}, err
	}
	quoteMid, quoteDate, err := p.mid(ctx, quote, day)
	if err != nil {
		return Quote{}, err
	}

	effective := baseDate
	if quoteDate.After(effective) {
		effective = quoteDate
	}
	return Quote{
		Base:          base,
		Quote:         quote,
		RateDate:      dayOf(day),
		Rate:          baseMid.DivRound(quoteMid, rateScale),
		Source:        nbpSource,
		EffectiveDate: effective,
	}, nil
}

// mid returns the PLN price of one unit of code and the day it was published.
func (p *NBPProvider) mid(ctx context.Context, code string, day time.Time) (decimal.Decimal, time.Time, error) {
	if code == pivotCurrency {
		return decimal.NewFromInt(1), time.Time{}, nil
	}

	to := dayOf(day)
	from := to.AddDate(0, 0, -nbpLookbackDays)
	url := fmt.Sprintf("%s/exchangerates/rates/a/%s/%s/%s/?format=json",
		p.baseURL, strings.ToLower(code), from.Format(time.DateOnly), to.Format(time.DateOnly))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("failed to build nbp request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("nbp request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: no nbp table for %s between %s and %s",
			ErrRateUnavailable, code, from.Format(time.DateOnly), to.Format(time.DateOnly))
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, time.Time{}, fmt.Errorf("nbp returned status %d for %s", resp.StatusCode, code)
	}

	var series nbpSeries
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("failed to decode nbp response: %w", err)
	}

	// Rates are ordered by effective date; take the latest not after day.
	for i := len(series.Rates) - 1; i >= 0; i-- {
		r := series.Rates[i]
		effective, err := time.Parse(time.DateOnly, r.EffectiveDate)
		if err != nil || effective.After(to) || !r.Mid.IsPositive() {
			continue
		}
		return r.Mid, effective, nil
	}
	return decimal.Zero, time.Time{}, fmt.Errorf("%w: empty nbp series for %s", ErrRateUnavailable, code)
}
