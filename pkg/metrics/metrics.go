package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	UsageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_usage_events_total",
			Help: "Usage events by processing outcome",
		},
		[]string{"outcome"},
	)

	UsageTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_usage_tokens_total",
			Help: "Tokens recorded per model and direction",
		},
		[]string{"model", "direction"},
	)

	UsageBilledMicrosTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_usage_billed_micros_total",
			Help: "Billed cost recorded in micro-units of the billing currency",
		},
		[]string{"currency"},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_ingest_duration_seconds",
			Help:    "Time to process one usage event",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"outcome"},
	)

	// Consolidation
	ConsolidationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_consolidation_runs_total",
			Help: "Consolidation runs by final status",
		},
		[]string{"status"},
	)

	ConsolidationRowsCorrected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_consolidation_rows_corrected_total",
			Help: "Summary rows rewritten because they drifted from the usage ledger",
		},
	)

	// Currency
	FXLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_fx_lookups_total",
			Help: "FX rate lookups by the tier that answered",
		},
		[]string{"tier"},
	)

	// Billing export
	BillingExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_billing_exports_total",
			Help: "Invoice item exports by status",
		},
		[]string{"status"},
	)
)

// RecordIngest updates outcome counters for one processed event.
func RecordIngest(outcome string, seconds float64) {
	UsageEventsTotal.WithLabelValues(outcome).Inc()
	IngestDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordUsage adds the token and cost counters of a newly recorded event.
func RecordUsage(model, currency string, inputTokens, outputTokens, billedMicros int64) {
	UsageTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	UsageTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	UsageBilledMicrosTotal.WithLabelValues(currency).Add(float64(billedMicros))
}
