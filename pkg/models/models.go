package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UnmappedUserID buckets usage whose external user has no internal mapping.
const UnmappedUserID = "unmapped"

// Organization is a billed client of the platform.
type Organization struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	MarkupRate       decimal.Decimal `json:"markup_rate"`
	Currency         string          `json:"currency"`
	StripeCustomerID string          `json:"stripe_customer_id,omitempty"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// APIKey links an upstream router key (stored as a hash) to its organization.
type APIKey struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	KeyHash        string     `json:"-"`
	KeyPrefix      string     `json:"key_prefix"`
	Label          string     `json:"label"`
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// UserMapping maps an external (router-side) user id to an internal user.
type UserMapping struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	ExternalUserID string    `json:"external_user_id"`
	UserID         string    `json:"user_id"`
}

// UsageEvent is a single priced generation as stored in the usage ledger.
type UsageEvent struct {
	GenerationID     string          `json:"generation_id"`
	OrganizationID   uuid.UUID       `json:"organization_id"`
	UserID           string          `json:"user_id"`
	Model            string          `json:"model"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	RawCostMicros    int64           `json:"raw_cost_micros"`
	MarkupCostMicros int64           `json:"markup_cost_micros"`
	BilledCostMicros int64           `json:"billed_cost_micros"`
	Currency         string          `json:"currency"`
	MarkupRate       decimal.Decimal `json:"markup_rate"`
	FXRate           decimal.Decimal `json:"fx_rate"`
	UsageDate        time.Time       `json:"usage_date"`
	OccurredAt       time.Time       `json:"occurred_at"`
	ReceivedAt       time.Time       `json:"received_at"`
}

// Counters returns the event's contribution to a summary row.
func (e UsageEvent) Counters() UsageCounters {
	return UsageCounters{
		InputTokens:      e.InputTokens,
		OutputTokens:     e.OutputTokens,
		TotalTokens:      e.TotalTokens,
		Requests:         1,
		RawCostMicros:    e.RawCostMicros,
		MarkupCostMicros: e.MarkupCostMicros,
		BilledCostMicros: e.BilledCostMicros,
	}
}

// UsageCounters are the additive columns shared by every summary table.
// Costs are micro-units: USD for raw and markup, billing currency for billed.
type UsageCounters struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Requests         int64 `json:"requests"`
	RawCostMicros    int64 `json:"raw_cost_micros"`
	MarkupCostMicros int64 `json:"markup_cost_micros"`
	BilledCostMicros int64 `json:"billed_cost_micros"`
}

// Add returns the element-wise sum of c and o.
func (c UsageCounters) Add(o UsageCounters) UsageCounters {
	return UsageCounters{
		InputTokens:      c.InputTokens + o.InputTokens,
		OutputTokens:     c.OutputTokens + o.OutputTokens,
		TotalTokens:      c.TotalTokens + o.TotalTokens,
		Requests:         c.Requests + o.Requests,
		RawCostMicros:    c.RawCostMicros + o.RawCostMicros,
		MarkupCostMicros: c.MarkupCostMicros + o.MarkupCostMicros,
		BilledCostMicros: c.BilledCostMicros + o.BilledCostMicros,
	}
}

// DailyUsage is one organization-day bucket.
type DailyUsage struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	UsageDate      time.Time `json:"usage_date"`
	UsageCounters
}

// UserUsage is usage attributed to one internal user.
type UserUsage struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         string    `json:"user_id"`
	UsageDate      time.Time `json:"usage_date,omitempty"`
	UsageCounters
}

// ModelUsage is usage attributed to one model.
type ModelUsage struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Model          string    `json:"model"`
	UsageDate      time.Time `json:"usage_date,omitempty"`
	UsageCounters
}

// ProcessingStatus is the lifecycle state of a batch run.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingRunning   ProcessingStatus = "running"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// ProcessingRun records one batch job execution for a usage day.
type ProcessingRun struct {
	ID            uuid.UUID        `json:"id"`
	Job           string           `json:"job"`
	UsageDate     time.Time        `json:"usage_date"`
	Status        ProcessingStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	EventsScanned int64            `json:"events_scanned"`
	RowsCorrected int64            `json:"rows_corrected"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// ExportStatus tracks a day's push to the payment provider.
type ExportStatus string

const (
	ExportPending  ExportStatus = "pending"
	ExportExported ExportStatus = "exported"
	ExportFailed   ExportStatus = "failed"
)

// BillingExport tracks what has been invoiced for one organization-day.
// BilledCostMicros is the day's current total; the Exported fields are what
// Stripe has already been sent, so the next item carries only the difference.
type BillingExport struct {
	OrganizationID   uuid.UUID    `json:"organization_id"`
	UsageDate        time.Time    `json:"usage_date"`
	StripeCustomerID string       `json:"stripe_customer_id"`
	BilledCostMicros int64        `json:"billed_cost_micros"`
	ExportedMicros   int64        `json:"exported_micros"`
	ExportedMinor    int64        `json:"exported_minor"`
	Items            int          `json:"items"`
	AmountMinor      int64        `json:"amount_minor"`
	Currency         string       `json:"currency"`
	StripeItemID     string       `json:"stripe_item_id,omitempty"`
	Status           ExportStatus `json:"status"`
	Error            string       `json:"error,omitempty"`
	ExportedAt       *time.Time   `json:"exported_at,omitempty"`
}

// FXRate is a persisted daily exchange rate. EffectiveDate is the provider's
// publication day, which precedes RateDate on weekends and holidays.
type FXRate struct {
	Base          string          `json:"base"`
	Quote         string          `json:"quote"`
	RateDate      time.Time       `json:"rate_date"`
	Rate          decimal.Decimal `json:"rate"`
	Source        string          `json:"source"`
	EffectiveDate time.Time       `json:"effective_date"`
}
