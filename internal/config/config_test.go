package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ADMIN_API_TOKEN", "admin")
	t.Setenv("INGEST_WEBHOOK_SECRET", "whsec")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "USD", cfg.Currency.SourceCurrency)
	assert.Equal(t, "4.00", cfg.Currency.FallbackRates["USD:PLN"])
	assert.Equal(t, 10*time.Second, cfg.Currency.ProviderTimeout)
	assert.Equal(t, 7, cfg.Billing.ExportLookbackDays)
	assert.Equal(t, 2, cfg.Consolidation.LookbackDays)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.ReservationTTL)
	assert.False(t, cfg.Notifications.Enabled())

	loc, err := cfg.Ingest.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadConfigRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		unset   string
		wantErr string
	}{
		{name: "db password", unset: "DB_PASSWORD", wantErr: "DB_PASSWORD"},
		{name: "admin token", unset: "ADMIN_API_TOKEN", wantErr: "ADMIN_API_TOKEN"},
		{name: "webhook secret", unset: "INGEST_WEBHOOK_SECRET", wantErr: "INGEST_WEBHOOK_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigRejectsUnknownTimezone(t *testing.T) {
	setRequired(t)
	t.Setenv("BUSINESS_TIMEZONE", "Mars/Olympus_Mons")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUSINESS_TIMEZONE")
}

func TestLoadConfigRejectsEmptyExportWindow(t *testing.T) {
	setRequired(t)
	t.Setenv("BILLING_EXPORT_LOOKBACK_DAYS", "0")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILLING_EXPORT_LOOKBACK_DAYS")
}

func TestParseRatePairs(t *testing.T) {
	got := parseRatePairs(" usd:pln=4.05, EUR:PLN=4.31 ,broken, :PLN=1, GBP:=2")
	assert.Equal(t, map[string]string{
		"USD:PLN": "4.05",
		"EUR:PLN": "4.31",
	}, got)
}
