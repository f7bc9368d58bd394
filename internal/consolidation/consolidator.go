// Package consolidation periodically rebuilds the daily usage summaries from
// the usage_events ledger and reports drift.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-ledger/internal/config"
	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/events"
	"github.com/crosslogic/usage-ledger/pkg/metrics"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/crosslogic/usage-ledger/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// JobName is the processing log job of daily consolidation.
const JobName = "daily_consolidation"

// ErrAlreadyRunning means another worker holds a fresh claim on the day.
var ErrAlreadyRunning = errors.New("consolidation already running for day")

// Store is the persistence the consolidator needs.
type Store interface {
	BeginRun(ctx context.Context, job string, day time.Time, staleAfter time.Duration) (*models.ProcessingRun, error)
	RecomputeDay(ctx context.Context, day time.Time) (store.RecomputeResult, error)
	CompleteRun(ctx context.Context, id uuid.UUID, res store.RecomputeResult) error
	FailRun(ctx context.Context, id uuid.UUID, message string) error
	ListRuns(ctx context.Context, job string, limit int) ([]models.ProcessingRun, error)
}

// Consolidator recomputes summary rows day by day.
type Consolidator struct {
	store    Store
	bus      *events.Bus
	cfg      config.ConsolidationConfig
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

// NewConsolidator creates a Consolidator. Days are calendar days in location.
func NewConsolidator(s Store, bus *events.Bus, cfg config.ConsolidationConfig, location *time.Location, logger *zap.Logger) *Consolidator {
	if location == nil {
		location = time.UTC
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &Consolidator{
		store:    s,
		bus:      bus,
		cfg:      cfg,
		location: location,
		logger:   logger,
		now:      time.Now,
	}
}

// Today returns the current business day as a UTC date.
func (c *Consolidator) Today() time.Time {
	now := c.now().In(c.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// ConsolidateDay recomputes one day's summaries and records the run.
func (c *Consolidator) ConsolidateDay(ctx context.Context, day time.Time) (*models.ProcessingRun, error) {
	dayStr := day.Format(time.DateOnly)
	ctx, span := telemetry.Tracer("consolidation").Start(ctx, "consolidation.ConsolidateDay")
	span.SetAttributes(attribute.String("usage_date", dayStr))
	defer span.End()

	run, err := c.store.BeginRun(ctx, JobName, day, c.cfg.StaleAfter)
	if err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			metrics.ConsolidationRunsTotal.WithLabelValues("skipped").Inc()
			return nil, ErrAlreadyRunning
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin run")
		return nil, err
	}

	res, err := c.store.RecomputeDay(ctx, day)
	if err != nil {
		metrics.ConsolidationRunsTotal.WithLabelValues(string(models.ProcessingFailed)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "recompute")

		// The run row must be closed even when ctx is already cancelled.
		if failErr := c.store.FailRun(context.WithoutCancel(ctx), run.ID, err.Error()); failErr != nil {
			c.logger.Error("failed to record consolidation failure", zap.Error(failErr))
		}
		c.bus.Publish(ctx, events.NewEvent(events.EventConsolidationFailed, "", map[string]interface{}{
			"usage_date": dayStr,
			"attempts":   run.Attempts,
			"error":      err.Error(),
		}))
		run.Status = models.ProcessingFailed
		run.Error = err.Error()
		return run, fmt.Errorf("consolidate %s: %w", dayStr, err)
	}

	if err := c.store.CompleteRun(ctx, run.ID, res); err != nil {
		return run, err
	}
	run.Status = models.ProcessingCompleted
	run.EventsScanned = res.EventsScanned
	run.RowsCorrected = res.RowsCorrected

	metrics.ConsolidationRunsTotal.WithLabelValues(string(models.ProcessingCompleted)).Inc()
	metrics.ConsolidationRowsCorrected.Add(float64(res.RowsCorrected))
	span.SetAttributes(
		attribute.Int64("events_scanned", res.EventsScanned),
		attribute.Int64("rows_corrected", res.RowsCorrected),
	)

	payload := map[string]interface{}{
		"usage_date":     dayStr,
		"events_scanned": res.EventsScanned,
		"rows_corrected": res.RowsCorrected,
		"rows_deleted":   res.RowsDeleted,
	}
	c.bus.Publish(ctx, events.NewEvent(events.EventUsageConsolidated, "", payload))

	if res.RowsCorrected > 0 {
		c.logger.Warn("usage summaries drifted from ledger",
			zap.String("usage_date", dayStr),
			zap.Int64("rows_corrected", res.RowsCorrected),
			zap.Int64("rows_deleted", res.RowsDeleted),
		)
		c.bus.Publish(ctx, events.NewEvent(events.EventUsageDriftDetected, "", payload))
	} else {
		c.logger.Info("consolidated usage day",
			zap.String("usage_date", dayStr),
			zap.Int64("events_scanned", res.EventsScanned),
		)
	}
	return run, nil
}

// ConsolidateRange consolidates from..to inclusive, oldest first. A failing
// day does not stop later days; all failures are returned joined.
func (c *Consolidator) ConsolidateRange(ctx context.Context, from, to time.Time) ([]models.ProcessingRun, error) {
	var (
		runs []models.ProcessingRun
		errs []error
	)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		run, err := c.ConsolidateDay(ctx, day)
		if run != nil {
			runs = append(runs, *run)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return runs, errors.Join(errs...)
}

// Window returns the days a scheduled pass covers: the last LookbackDays
// closed days, plus today when IncludeToday is set.
func (c *Consolidator) Window() (from, to time.Time, ok bool) {
	today := c.Today()
	to = today.AddDate(0, 0, -1)
	if c.cfg.IncludeToday {
		to = today
	}
	from = today.AddDate(0, 0, -c.cfg.LookbackDays)
	if from.After(to) {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// RunOnce consolidates the scheduled window.
func (c *Consolidator) RunOnce(ctx context.Context) error {
	from, to, ok := c.Window()
	if !ok {
		return nil
	}
	_, err := c.ConsolidateRange(ctx, from, to)
	return err
}

// Runs lists recent consolidation runs.
func (c *Consolidator) Runs(ctx context.Context, limit int) ([]models.ProcessingRun, error) {
	return c.store.ListRuns(ctx, JobName, limit)
}

// Start runs a pass immediately and then on every interval until ctx ends.
func (c *Consolidator) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		c.logger.Info("consolidation disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			if err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("consolidation pass failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	c.logger.Info("started consolidation job",
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("lookback_days", c.cfg.LookbackDays),
		zap.Bool("include_today", c.cfg.IncludeToday),
	)
}
