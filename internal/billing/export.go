package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/events"
	"github.com/crosslogic/usage-ledger/pkg/metrics"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/invoiceitem"
	"go.uber.org/zap"
)

// ExportStore tracks what has been pushed to Stripe per organization-day.
type ExportStore interface {
	ExportCandidates(ctx context.Context, from, to time.Time) ([]models.BillingExport, error)
	MarkExported(ctx context.Context, e models.BillingExport) error
	MarkExportFailed(ctx context.Context, e models.BillingExport, message string) error
}

// InvoiceItemCreator creates Stripe invoice items.
type InvoiceItemCreator interface {
	New(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
}

// Exporter invoices each organization-day. The first push carries the day's
// total; later pushes carry only the change since the last one, so late usage
// and consolidation corrections are billed or credited.
type Exporter struct {
	store    ExportStore
	items    InvoiceItemCreator
	bus      *events.Bus
	location *time.Location
	interval time.Duration
	lookback int
	logger   *zap.Logger
	now      func() time.Time
}

// NewStripeExporter creates an Exporter backed by the Stripe API.
func NewStripeExporter(store ExportStore, secretKey string, bus *events.Bus, location *time.Location, interval time.Duration, lookbackDays int, logger *zap.Logger) *Exporter {
	items := &invoiceitem.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
	return NewExporter(store, items, bus, location, interval, lookbackDays, logger)
}

// NewExporter creates an Exporter with an explicit invoice item client.
func NewExporter(store ExportStore, items InvoiceItemCreator, bus *events.Bus, location *time.Location, interval time.Duration, lookbackDays int, logger *zap.Logger) *Exporter {
	if location == nil {
		location = time.UTC
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	return &Exporter{
		store:    store,
		items:    items,
		bus:      bus,
		location: location,
		interval: interval,
		lookback: lookbackDays,
		logger:   logger,
		now:      time.Now,
	}
}

// IdempotencyKey is the Stripe idempotency key of the next invoice item for
// an organization-day. The first item has no sequence suffix.
func IdempotencyKey(e models.BillingExport) string {
	key := fmt.Sprintf("ledger-%s-%s", e.OrganizationID, e.UsageDate.Format(time.DateOnly))
	if e.Items > 0 {
		key += fmt.Sprintf("-%d", e.Items)
	}
	return key
}

// ExportDay exports one day. See ExportRange.
func (x *Exporter) ExportDay(ctx context.Context, day time.Time) (exported, failed int, err error) {
	return x.ExportRange(ctx, day, day)
}

// ExportRange pushes the outstanding amount of every organization-day in
// [from, to]. Failures are recorded per organization-day and do not stop the
// rest of the range.
func (x *Exporter) ExportRange(ctx context.Context, from, to time.Time) (exported, failed int, err error) {
	candidates, err := x.store.ExportCandidates(ctx, from, to)
	if err != nil {
		return 0, 0, err
	}

	for _, c := range candidates {
		total := MicrosToMinor(c.BilledCostMicros, c.Currency)
		c.AmountMinor = total - c.ExportedMinor
		deltaMicros := c.BilledCostMicros - c.ExportedMicros

		if c.AmountMinor == 0 {
			// Nothing billable changed; remember the new total so the day
			// stops showing up as a candidate.
			c.ExportedMicros = c.BilledCostMicros
			if err := x.store.MarkExported(ctx, c); err != nil {
				x.logger.Error("failed to record export", zap.Error(err))
			}
			continue
		}

		if err := x.exportOne(ctx, &c); err != nil {
			failed++
			metrics.BillingExportsTotal.WithLabelValues(string(models.ExportFailed)).Inc()
			x.logger.Error("failed to export invoice item",
				zap.String("organization_id", c.OrganizationID.String()),
				zap.String("usage_date", c.UsageDate.Format(time.DateOnly)),
				zap.Int64("amount_minor", c.AmountMinor),
				zap.Error(err),
			)
			if markErr := x.store.MarkExportFailed(ctx, c, err.Error()); markErr != nil {
				x.logger.Error("failed to record export failure", zap.Error(markErr))
			}
			x.bus.Publish(ctx, events.NewEvent(events.EventBillingExportFailed, c.OrganizationID.String(), map[string]interface{}{
				"usage_date": c.UsageDate.Format(time.DateOnly),
				"amount":     FormatAmount(deltaMicros, c.Currency),
				"error":      err.Error(),
			}))
			continue
		}

		exported++
		metrics.BillingExportsTotal.WithLabelValues(string(models.ExportExported)).Inc()
		x.bus.Publish(ctx, events.NewEvent(events.EventBillingExported, c.OrganizationID.String(), map[string]interface{}{
			"usage_date":     c.UsageDate.Format(time.DateOnly),
			"amount":         FormatAmount(deltaMicros, c.Currency),
			"stripe_item_id": c.StripeItemID,
		}))
	}

	x.logger.Info("exported usage to Stripe",
		zap.String("from", from.Format(time.DateOnly)),
		zap.String("to", to.Format(time.DateOnly)),
		zap.Int("success", exported),
		zap.Int("failure", failed),
	)
	return exported, failed, nil
}

func (x *Exporter) exportOne(ctx context.Context, c *models.BillingExport) error {
	description := fmt.Sprintf("LLM usage %s", c.UsageDate.Format(time.DateOnly))
	if c.Items > 0 {
		description += " (adjustment)"
	}
	params := &stripe.InvoiceItemParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(IdempotencyKey(*c)),
		},
		Customer:    stripe.String(c.StripeCustomerID),
		Amount:      stripe.Int64(c.AmountMinor),
		Currency:    stripe.String(strings.ToLower(c.Currency)),
		Description: stripe.String(description),
	}
	params.AddMetadata("organization_id", c.OrganizationID.String())
	params.AddMetadata("usage_date", c.UsageDate.Format(time.DateOnly))
	params.AddMetadata("billed_cost_micros", fmt.Sprintf("%d", c.BilledCostMicros))
	params.AddMetadata("sequence", fmt.Sprintf("%d", c.Items))

	item, err := x.items.New(params)
	if err != nil {
		return err
	}
	c.StripeItemID = item.ID
	c.Items++
	c.ExportedMicros = c.BilledCostMicros
	c.ExportedMinor += c.AmountMinor
	return x.store.MarkExported(ctx, *c)
}

// window returns the closed days each background pass revisits, ending
// yesterday in the business timezone.
func (x *Exporter) window() (from, to time.Time) {
	to = x.previousDay()
	return to.AddDate(0, 0, -(x.lookback - 1)), to
}

// previousDay returns yesterday in the business timezone.
func (x *Exporter) previousDay() time.Time {
	now := x.now().In(x.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// StartBackgroundJobs exports the lookback window on every tick until ctx ends.
func (x *Exporter) StartBackgroundJobs(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(x.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				from, to := x.window()
				if _, _, err := x.ExportRange(ctx, from, to); err != nil {
					x.logger.Error("failed to export to Stripe", zap.Error(err))
				}
			}
		}
	}()

	x.logger.Info("started billing export job",
		zap.Duration("interval", x.interval),
		zap.Int("lookback_days", x.lookback),
	)
}
