package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// UsageReader is the slice of the store statements are built from.
type UsageReader interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	UsageTotals(ctx context.Context, orgID uuid.UUID, from, to time.Time) (models.UsageCounters, error)
	UserUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.UserUsage, error)
	ModelUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.ModelUsage, error)
}

// Engine builds billing statements from the daily summaries
type Engine struct {
	usage          UsageReader
	sourceCurrency string
	logger         *zap.Logger
}

// NewEngine creates a new billing engine
func NewEngine(usage UsageReader, sourceCurrency string, logger *zap.Logger) *Engine {
	return &Engine{usage: usage, sourceCurrency: sourceCurrency, logger: logger}
}

// StatementLine is one model or user on a statement.
type StatementLine struct {
	Key          string `json:"key"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	Requests     int64  `json:"requests"`
	RawCost      string `json:"raw_cost"`
	MarkupCost   string `json:"markup_cost"`
	BilledCost   string `json:"billed_cost"`
	BilledMinor  int64  `json:"billed_minor"`
}

// Statement is an organization's bill for one calendar month.
type Statement struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	Organization   string          `json:"organization"`
	Period         string          `json:"period"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Currency       string          `json:"currency"`
	MarkupRate     string          `json:"markup_rate"`
	Total          StatementLine   `json:"total"`
	Models         []StatementLine `json:"models"`
	Users          []StatementLine `json:"users"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// MonthRange returns the first and last day of month's calendar month.
func MonthRange(month time.Time) (time.Time, time.Time) {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, -1)
}

func (e *Engine) line(key, billingCurrency string, c models.UsageCounters) StatementLine {
	return StatementLine{
		Key:          key,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		TotalTokens:  c.TotalTokens,
		Requests:     c.Requests,
		RawCost:      FormatAmount(c.RawCostMicros, e.sourceCurrency),
		MarkupCost:   FormatAmount(c.MarkupCostMicros, e.sourceCurrency),
		BilledCost:   FormatAmount(c.BilledCostMicros, billingCurrency),
		BilledMinor:  MicrosToMinor(c.BilledCostMicros, billingCurrency),
	}
}

// Statement builds the statement for orgID covering month's calendar month.
func (e *Engine) Statement(ctx context.Context, orgID uuid.UUID, month time.Time) (*Statement, error) {
	org, err := e.usage.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	from, to := MonthRange(month)

	totals, err := e.usage.UsageTotals(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	byModel, err := e.usage.ModelUsage(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	byUser, err := e.usage.UserUsage(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}

	cur := org.Currency
	stmt := &Statement{
		OrganizationID: org.ID,
		Organization:   org.Name,
		Period:         from.Format("2006-01"),
		From:           from.Format(time.DateOnly),
		To:             to.Format(time.DateOnly),
		Currency:       cur,
		MarkupRate:     org.MarkupRate.String(),
		Total:          e.line("total", cur, totals),
		Models: lo.Map(byModel, func(m models.ModelUsage, _ int) StatementLine {
			return e.line(m.Model, cur, m.UsageCounters)
		}),
		Users: lo.Map(byUser, func(u models.UserUsage, _ int) StatementLine {
			return e.line(u.UserID, cur, u.UsageCounters)
		}),
		GeneratedAt: time.Now().UTC(),
	}

	modelBilled := lo.SumBy(byModel, func(m models.ModelUsage) int64 { return m.BilledCostMicros })
	if modelBilled != totals.BilledCostMicros {
		e.logger.Warn("statement model lines do not add up to organization total",
			zap.String("organization_id", orgID.String()),
			zap.String("period", stmt.Period),
			zap.Int64("model_billed_micros", modelBilled),
			zap.Int64("total_billed_micros", totals.BilledCostMicros),
		)
	}
	return stmt, nil
}
