package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-ledger/internal/billing"
	"github.com/crosslogic/usage-ledger/internal/currency"
	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/events"
	"github.com/crosslogic/usage-ledger/pkg/metrics"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/crosslogic/usage-ledger/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Status is the outcome of a processed event.
type Status string

const (
	StatusRecorded  Status = "recorded"
	StatusDuplicate Status = "duplicate"
)

// Result describes what happened to one event.
type Result struct {
	GenerationID     string `json:"generation_id"`
	Status           Status `json:"status"`
	OrganizationID   string `json:"organization_id,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	UsageDate        string `json:"usage_date,omitempty"`
	BilledCostMicros int64  `json:"billed_cost_micros,omitempty"`
	BilledCost       string `json:"billed_cost,omitempty"`
	Currency         string `json:"currency,omitempty"`
}

// Ledger is the slice of the store the processor writes through.
type Ledger interface {
	ResolveAPIKey(ctx context.Context, keyHash string) (*models.Organization, error)
	ResolveUser(ctx context.Context, orgID uuid.UUID, externalUserID string, requireMapping bool) (string, error)
	IsGenerationProcessed(ctx context.Context, generationID string) (bool, error)
	RecordUsage(ctx context.Context, ev *models.UsageEvent) error
}

// Pricer prices raw provider cost for an organization.
type Pricer interface {
	Price(ctx context.Context, org *models.Organization, rawCost decimal.Decimal, day time.Time) (billing.Pricing, error)
	SourceCurrency() string
}

// Converter converts reported costs into the pricing source currency.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, base, quote string, day time.Time) (decimal.Decimal, currency.Quote, error)
}

// Processor accounts usage events.
type Processor struct {
	ledger         Ledger
	pricer         Pricer
	converter      Converter
	reservations   *Reservations
	bus            *events.Bus
	location       *time.Location
	requireMapping bool
	logger         *zap.Logger
}

// ProcessorOptions wires a Processor.
type ProcessorOptions struct {
	Ledger         Ledger
	Pricer         Pricer
	Converter      Converter
	Reservations   *Reservations
	Bus            *events.Bus
	Location       *time.Location
	RequireMapping bool
	Logger         *zap.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Processor{
		ledger:         opts.Ledger,
		pricer:         opts.Pricer,
		converter:      opts.Converter,
		reservations:   opts.Reservations,
		bus:            opts.Bus,
		location:       opts.Location,
		requireMapping: opts.RequireMapping,
		logger:         opts.Logger,
	}
}

// UsageDate returns the business day t falls on, as midnight in the business timezone.
func (p *Processor) UsageDate(t time.Time) time.Time {
	local := t.In(p.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.location)
}

// Process accounts ev at most once. A generation that is already recorded
// yields StatusDuplicate; one being processed concurrently yields
// ErrInProgress. Any failure releases the claim so the sender can retry.
func (p *Processor) Process(ctx context.Context, ev Event) (res Result, err error) {
	start := time.Now()
	ctx, span := telemetry.Tracer("ingest").Start(ctx, "ingest.Process")
	span.SetAttributes(
		attribute.String("generation_id", ev.GenerationID),
		attribute.String("model", ev.Model),
	)
	defer func() {
		outcome := string(res.Status)
		if err != nil {
			outcome = errorOutcome(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.RecordIngest(outcome, time.Since(start).Seconds())
		span.End()
	}()

	state, err := p.reservations.Reserve(ctx, ev.GenerationID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to reserve generation: %w", err)
	}
	switch state {
	case AlreadyProcessed:
		return p.duplicate(ctx, ev), nil
	case InFlight:
		return Result{}, ErrInProgress
	}

	success := false
	defer func() {
		p.reservations.Finalize(context.WithoutCancel(ctx), ev.GenerationID, success)
	}()

	processed, err := p.ledger.IsGenerationProcessed(ctx, ev.GenerationID)
	if err != nil {
		return Result{}, err
	}
	if processed {
		success = true
		return p.duplicate(ctx, ev), nil
	}

	usage, err := p.build(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	err = p.ledger.RecordUsage(ctx, usage)
	if errors.Is(err, store.ErrCurrencyChanged) {
		// The organization switched currency after it was resolved; price again.
		if usage, err = p.build(ctx, ev); err != nil {
			return Result{}, err
		}
		err = p.ledger.RecordUsage(ctx, usage)
	}
	if err != nil {
		if errors.Is(err, store.ErrDuplicateGeneration) {
			success = true
			return p.duplicate(ctx, ev), nil
		}
		return Result{}, fmt.Errorf("failed to record usage: %w", err)
	}
	success = true

	metrics.RecordUsage(usage.Model, usage.Currency, usage.InputTokens, usage.OutputTokens, usage.BilledCostMicros)
	p.bus.Publish(ctx, events.NewEvent(events.EventUsageRecorded, usage.OrganizationID.String(), map[string]interface{}{
		"generation_id":      usage.GenerationID,
		"user_id":            usage.UserID,
		"model":              usage.Model,
		"usage_date":         usage.UsageDate.Format(time.DateOnly),
		"total_tokens":       usage.TotalTokens,
		"billed_cost_micros": usage.BilledCostMicros,
		"currency":           usage.Currency,
	}))
	p.logger.Debug("recorded usage",
		zap.String("generation_id", usage.GenerationID),
		zap.String("organization_id", usage.OrganizationID.String()),
		zap.String("model", usage.Model),
		zap.Int64("total_tokens", usage.TotalTokens),
		zap.Int64("billed_cost_micros", usage.BilledCostMicros),
	)

	return Result{
		GenerationID:     usage.GenerationID,
		Status:           StatusRecorded,
		OrganizationID:   usage.OrganizationID.String(),
		UserID:           usage.UserID,
		UsageDate:        usage.UsageDate.Format(time.DateOnly),
		BilledCostMicros: usage.BilledCostMicros,
		BilledCost:       billing.FormatAmount(usage.BilledCostMicros, usage.Currency),
		Currency:         usage.Currency,
	}, nil
}

// build resolves ownership and prices ev into a ledger row.
func (p *Processor) build(ctx context.Context, ev Event) (*models.UsageEvent, error) {
	org, err := p.ledger.ResolveAPIKey(ctx, store.HashAPIKey(ev.APIKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAPIKey
		}
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}

	userID, err := p.ledger.ResolveUser(ctx, org.ID, ev.User, p.requireMapping)
	if err != nil {
		return nil, err
	}

	day := p.UsageDate(ev.OccurredAt)

	rawCost := ev.Cost
	source := p.pricer.SourceCurrency()
	if ev.Currency != "" && ev.Currency != source {
		rawCost, _, err = p.converter.Convert(ctx, ev.Cost, ev.Currency, source, day)
		if err != nil {
			return nil, fmt.Errorf("failed to convert reported cost: %w", err)
		}
	}

	pricing, err := p.pricer.Price(ctx, org, rawCost, day)
	if err != nil {
		if errors.Is(err, billing.ErrAmountOutOfRange) {
			return nil, invalid("cost %s cannot be priced: %v", ev.Cost, err)
		}
		return nil, err
	}

	return &models.UsageEvent{
		GenerationID:     ev.GenerationID,
		OrganizationID:   org.ID,
		UserID:           userID,
		Model:            ev.Model,
		InputTokens:      ev.PromptTokens,
		OutputTokens:     ev.CompletionTokens,
		TotalTokens:      ev.TotalTokens,
		RawCostMicros:    pricing.RawCostMicros,
		MarkupCostMicros: pricing.MarkupCostMicros,
		BilledCostMicros: pricing.BilledCostMicros,
		Currency:         pricing.Currency,
		MarkupRate:       pricing.MarkupRate,
		FXRate:           pricing.FXRate,
		UsageDate:        day,
		OccurredAt:       ev.OccurredAt,
		ReceivedAt:       ev.ReceivedAt,
	}, nil
}

func (p *Processor) duplicate(ctx context.Context, ev Event) Result {
	p.bus.Publish(ctx, events.NewEvent(events.EventUsageDuplicate, "", map[string]interface{}{
		"generation_id": ev.GenerationID,
	}))
	p.logger.Debug("duplicate usage event", zap.String("generation_id", ev.GenerationID))
	return Result{GenerationID: ev.GenerationID, Status: StatusDuplicate}
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return "invalid"
	case errors.Is(err, ErrUnknownAPIKey):
		return "unknown_key"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.Is(err, currency.ErrRateUnavailable):
		return "fx_unavailable"
	default:
		return "error"
	}
}
