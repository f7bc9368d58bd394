package consolidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/usage-ledger/internal/config"
	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/events"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu         sync.Mutex
	runs       map[string]*models.ProcessingRun
	results    map[string]store.RecomputeResult
	failDays   map[string]error
	recomputed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:     make(map[string]*models.ProcessingRun),
		results:  make(map[string]store.RecomputeResult),
		failDays: make(map[string]error),
	}
}

func (f *fakeStore) BeginRun(ctx context.Context, job string, day time.Time, staleAfter time.Duration) (*models.ProcessingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := day.Format(time.DateOnly)
	run, ok := f.runs[key]
	if ok && run.Status == models.ProcessingRunning {
		return nil, store.ErrRunInProgress
	}
	if !ok {
		run = &models.ProcessingRun{ID: uuid.New(), Job: job, UsageDate: day}
		f.runs[key] = run
	}
	run.Status = models.ProcessingRunning
	run.Attempts++
	cp := *run
	return &cp, nil
}

func (f *fakeStore) RecomputeDay(ctx context.Context, day time.Time) (store.RecomputeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := day.Format(time.DateOnly)
	f.recomputed = append(f.recomputed, key)
	if err := f.failDays[key]; err != nil {
		return store.RecomputeResult{}, err
	}
	return f.results[key], nil
}

func (f *fakeStore) byID(id uuid.UUID) *models.ProcessingRun {
	for _, r := range f.runs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (f *fakeStore) CompleteRun(ctx context.Context, id uuid.UUID, res store.RecomputeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.byID(id)
	r.Status = models.ProcessingCompleted
	r.EventsScanned = res.EventsScanned
	r.RowsCorrected = res.RowsCorrected
	return nil
}

func (f *fakeStore) FailRun(ctx context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.byID(id)
	r.Status = models.ProcessingFailed
	r.Error = message
	return nil
}

func (f *fakeStore) ListRuns(ctx context.Context, job string, limit int) ([]models.ProcessingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProcessingRun
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

type recorder struct {
	mu   sync.Mutex
	seen []events.EventType
}

func (r *recorder) handle(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e.Type)
	return nil
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.EventType(nil), r.seen...)
}

func newTestConsolidator(t *testing.T, s Store, cfg config.ConsolidationConfig) (*Consolidator, *events.Bus, *recorder) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	rec := &recorder{}
	for _, et := range []events.EventType{events.EventUsageConsolidated, events.EventUsageDriftDetected, events.EventConsolidationFailed} {
		bus.Subscribe(et, rec.handle)
	}
	c := NewConsolidator(s, bus, cfg, time.UTC, zap.NewNop())
	c.now = func() time.Time { return time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC) }
	return c, bus, rec
}

var may9 = time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC)

func TestConsolidateDayClean(t *testing.T) {
	s := newFakeStore()
	s.results["2024-05-09"] = store.RecomputeResult{EventsScanned: 12}
	c, bus, rec := newTestConsolidator(t, s, config.ConsolidationConfig{})

	run, err := c.ConsolidateDay(context.Background(), may9)
	require.NoError(t, err)
	bus.Wait()

	assert.Equal(t, models.ProcessingCompleted, run.Status)
	assert.Equal(t, int64(12), run.EventsScanned)
	assert.Equal(t, []events.EventType{events.EventUsageConsolidated}, rec.types())
}

func TestConsolidateDayDrift(t *testing.T) {
	s := newFakeStore()
	s.results["2024-05-09"] = store.RecomputeResult{EventsScanned: 12, RowsCorrected: 3, RowsDeleted: 1}
	c, bus, rec := newTestConsolidator(t, s, config.ConsolidationConfig{})

	run, err := c.ConsolidateDay(context.Background(), may9)
	require.NoError(t, err)
	bus.Wait()

	assert.Equal(t, int64(3), run.RowsCorrected)
	assert.ElementsMatch(t, []events.EventType{events.EventUsageConsolidated, events.EventUsageDriftDetected}, rec.types())
	assert.Equal(t, models.ProcessingCompleted, s.runs["2024-05-09"].Status)
}

func TestConsolidateDayFailure(t *testing.T) {
	s := newFakeStore()
	s.failDays["2024-05-09"] = errors.New("could not serialize access")
	c, bus, rec := newTestConsolidator(t, s, config.ConsolidationConfig{})

	run, err := c.ConsolidateDay(context.Background(), may9)
	require.Error(t, err)
	bus.Wait()

	assert.Equal(t, models.ProcessingFailed, run.Status)
	assert.Equal(t, models.ProcessingFailed, s.runs["2024-05-09"].Status)
	assert.Contains(t, s.runs["2024-05-09"].Error, "serialize")
	assert.Equal(t, []events.EventType{events.EventConsolidationFailed}, rec.types())

	// A failed day can be retried.
	delete(s.failDays, "2024-05-09")
	run, err = c.ConsolidateDay(context.Background(), may9)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Attempts)
}

func TestConsolidateDayAlreadyRunning(t *testing.T) {
	s := newFakeStore()
	s.runs["2024-05-09"] = &models.ProcessingRun{ID: uuid.New(), Status: models.ProcessingRunning}
	c, _, _ := newTestConsolidator(t, s, config.ConsolidationConfig{})

	_, err := c.ConsolidateDay(context.Background(), may9)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, s.recomputed)
}

func TestConsolidateRangeContinuesPastFailures(t *testing.T) {
	s := newFakeStore()
	s.failDays["2024-05-08"] = errors.New("boom")
	c, _, _ := newTestConsolidator(t, s, config.ConsolidationConfig{})

	runs, err := c.ConsolidateRange(context.Background(), may9.AddDate(0, 0, -2), may9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-05-08")
	assert.Len(t, runs, 3)
	assert.Equal(t, []string{"2024-05-07", "2024-05-08", "2024-05-09"}, s.recomputed)
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ConsolidationConfig
		wantFrom string
		wantTo   string
		wantOK   bool
	}{
		{name: "closed days", cfg: config.ConsolidationConfig{LookbackDays: 2}, wantFrom: "2024-05-08", wantTo: "2024-05-09", wantOK: true},
		{name: "with today", cfg: config.ConsolidationConfig{LookbackDays: 1, IncludeToday: true}, wantFrom: "2024-05-09", wantTo: "2024-05-10", wantOK: true},
		{name: "today only", cfg: config.ConsolidationConfig{IncludeToday: true}, wantFrom: "2024-05-10", wantTo: "2024-05-10", wantOK: true},
		{name: "empty", cfg: config.ConsolidationConfig{}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestConsolidator(t, newFakeStore(), tt.cfg)
			from, to, ok := c.Window()
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantFrom, from.Format(time.DateOnly))
				assert.Equal(t, tt.wantTo, to.Format(time.DateOnly))
			}
		})
	}
}

func TestTodayUsesBusinessTimezone(t *testing.T) {
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	c := NewConsolidator(newFakeStore(), nil, config.ConsolidationConfig{}, warsaw, zap.NewNop())
	c.now = func() time.Time { return time.Date(2024, 5, 10, 22, 30, 0, 0, time.UTC) }
	assert.Equal(t, "2024-05-11", c.Today().Format(time.DateOnly))
}
