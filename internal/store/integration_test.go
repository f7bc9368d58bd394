package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/crosslogic/usage-ledger/internal/config"
	"github.com/crosslogic/usage-ledger/pkg/database"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

var testStore *Store

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ledger",
				"POSTGRES_PASSWORD": "ledger",
				"POSTGRES_DB":       "ledger",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://ledger:ledger@%s:%s/ledger?sslmode=disable", host, port.Port())

	if err := database.Migrate(ctx, dsn); err != nil {
		fmt.Fprintf(os.Stderr, "store: migrate: %v\n", err)
		os.Exit(1)
	}
	db, err := database.Connect(ctx, dsn, config.DatabaseConfig{MaxOpenConns: 10})
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: connect: %v\n", err)
		os.Exit(1)
	}
	testStore = New(db, zap.NewNop())

	code := m.Run()
	db.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireDB(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("set INTEGRATION_TEST=1 to run Postgres integration tests")
	}
	return testStore
}

func createOrg(t *testing.T, s *Store) *models.Organization {
	t.Helper()
	org := &models.Organization{
		Name:       "acme-" + t.Name(),
		MarkupRate: decimal.RequireFromString("1.25"),
		Currency:   "PLN",
		Active:     true,
	}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return org
}

func usageEvent(org *models.Organization, id, user, model string, day time.Time) *models.UsageEvent {
	return &models.UsageEvent{
		GenerationID:     id,
		OrganizationID:   org.ID,
		UserID:           user,
		Model:            model,
		InputTokens:      100,
		OutputTokens:     50,
		TotalTokens:      150,
		RawCostMicros:    2000,
		MarkupCostMicros: 2500,
		BilledCostMicros: 10000,
		Currency:         org.Currency,
		MarkupRate:       org.MarkupRate,
		FXRate:           decimal.NewFromInt(4),
		UsageDate:        day,
		OccurredAt:       day.Add(time.Hour),
		ReceivedAt:       day.Add(time.Hour),
	}
}

func TestAPIKeyResolution(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	org := createOrg(t, s)

	key, err := s.AddAPIKey(ctx, org.ID, "sk-or-resolve-"+org.ID.String(), "router")
	require.NoError(t, err)

	got, err := s.ResolveAPIKey(ctx, HashAPIKey("sk-or-resolve-"+org.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, org.ID, got.ID)
	assert.True(t, got.MarkupRate.Equal(decimal.RequireFromString("1.25")))

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	_, err = s.ResolveAPIKey(ctx, key.KeyHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveUser(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	org := createOrg(t, s)

	require.NoError(t, s.MapUser(ctx, models.UserMapping{OrganizationID: org.ID, ExternalUserID: "ext-1", UserID: "alice"}))

	user, err := s.ResolveUser(ctx, org.ID, "ext-1", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	user, err = s.ResolveUser(ctx, org.ID, "ext-2", false)
	require.NoError(t, err)
	assert.Equal(t, "ext-2", user)

	user, err = s.ResolveUser(ctx, org.ID, "ext-2", true)
	require.NoError(t, err)
	assert.Equal(t, models.UnmappedUserID, user)

	user, err = s.ResolveUser(ctx, org.ID, "", false)
	require.NoError(t, err)
	assert.Equal(t, models.UnmappedUserID, user)
}

func TestRecordUsageCountsGenerationOnce(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	org := createOrg(t, s)
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	ev := usageEvent(org, "gen-once-"+org.ID.String(), "alice", "openai/gpt-4o", day)
	require.NoError(t, s.RecordUsage(ctx, ev))
	assert.ErrorIs(t, s.RecordUsage(ctx, ev), ErrDuplicateGeneration)

	processed, err := s.IsGenerationProcessed(ctx, ev.GenerationID)
	require.NoError(t, err)
	assert.True(t, processed)

	totals, err := s.UsageTotals(ctx, org.ID, day, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Requests)
	assert.Equal(t, int64(150), totals.TotalTokens)
	assert.Equal(t, int64(10000), totals.BilledCostMicros)

	users, err := s.UserUsage(ctx, org.ID, day, day)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)

	modelsUsed, err := s.ModelUsage(ctx, org.ID, day, day)
	require.NoError(t, err)
	require.Len(t, modelsUsed, 1)
	assert.Equal(t, int64(2500), modelsUsed[0].MarkupCostMicros)
}

func TestRecomputeDayCorrectsDriftAndIsIdempotent(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	org := createOrg(t, s)
	day := time.Date(2024, 5, 7, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordUsage(ctx, usageEvent(org, "gen-a-"+org.ID.String(), "alice", "m1", day)))
	require.NoError(t, s.RecordUsage(ctx, usageEvent(org, "gen-b-"+org.ID.String(), "bob", "m1", day)))

	// Drift one bucket and add an orphan.
	_, err := s.db.Pool.Exec(ctx, `UPDATE client_daily_usage SET requests = 99 WHERE organization_id = $1`, org.ID)
	require.NoError(t, err)
	_, err = s.db.Pool.Exec(ctx, `INSERT INTO client_model_daily_usage (organization_id, model, usage_date, requests) VALUES ($1, 'ghost', $2, 3)`, org.ID, day)
	require.NoError(t, err)

	res, err := s.RecomputeDay(ctx, day)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.EventsScanned, int64(2))
	assert.GreaterOrEqual(t, res.RowsCorrected, int64(2))
	assert.GreaterOrEqual(t, res.RowsDeleted, int64(1))

	totals, err := s.UsageTotals(ctx, org.ID, day, day)
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Requests)

	modelsUsed, err := s.ModelUsage(ctx, org.ID, day, day)
	require.NoError(t, err)
	require.Len(t, modelsUsed, 1)
	assert.Equal(t, "m1", modelsUsed[0].Model)

	again, err := s.RecomputeDay(ctx, day)
	require.NoError(t, err)
	assert.Zero(t, again.RowsCorrected)
}

func TestBeginRunLifecycle(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)
	job := "test_job_" + t.Name()

	run, err := s.BeginRun(ctx, job, day, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingRunning, run.Status)

	_, err = s.BeginRun(ctx, job, day, time.Hour)
	assert.ErrorIs(t, err, ErrRunInProgress)

	// A zero stale window lets the next worker take over.
	taken, err := s.BeginRun(ctx, job, day, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, taken.Attempts)

	require.NoError(t, s.CompleteRun(ctx, taken.ID, RecomputeResult{EventsScanned: 4, RowsCorrected: 1}))

	runs, err := s.ListRuns(ctx, job, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.ProcessingCompleted, runs[0].Status)
	assert.Equal(t, int64(4), runs[0].EventsScanned)
}

func TestFXRateFirstWriteWins(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)

	first := models.FXRate{Base: "USD", Quote: "PLN", RateDate: day, Rate: decimal.RequireFromString("3.9512"), Source: "nbp", EffectiveDate: day.AddDate(0, 0, -1)}
	require.NoError(t, s.SaveFXRate(ctx, first))
	second := first
	second.Rate = decimal.RequireFromString("4.5")
	require.NoError(t, s.SaveFXRate(ctx, second))

	got, err := s.GetFXRate(ctx, "USD", "PLN", day)
	require.NoError(t, err)
	assert.True(t, got.Rate.Equal(first.Rate))

	_, err = s.GetFXRate(ctx, "USD", "EUR", day)
	assert.ErrorIs(t, err, ErrNotFound)
}

func exportCandidateFor(t *testing.T, s *Store, orgID uuid.UUID, day time.Time) *models.BillingExport {
	t.Helper()
	candidates, err := s.ExportCandidates(context.Background(), day, day)
	require.NoError(t, err)
	for i := range candidates {
		if candidates[i].OrganizationID == orgID {
			return &candidates[i]
		}
	}
	return nil
}

func TestExportCandidates(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	org := createOrg(t, s)
	org.StripeCustomerID = "cus_test"
	require.NoError(t, s.UpdateOrganization(ctx, org))
	day := time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordUsage(ctx, usageEvent(org, "gen-exp-"+org.ID.String(), "alice", "m1", day)))

	mine := exportCandidateFor(t, s, org.ID, day)
	require.NotNil(t, mine)
	assert.Equal(t, int64(10000), mine.BilledCostMicros)
	assert.Zero(t, mine.ExportedMicros)

	mine.ExportedMicros = mine.BilledCostMicros
	mine.ExportedMinor = 1
	mine.Items = 1
	mine.StripeItemID = "ii_123"
	require.NoError(t, s.MarkExported(ctx, *mine))
	assert.Nil(t, exportCandidateFor(t, s, org.ID, day))

	// Late usage for an exported day makes it a candidate again.
	require.NoError(t, s.RecordUsage(ctx, usageEvent(org, "gen-exp-late-"+org.ID.String(), "alice", "m1", day)))
	again := exportCandidateFor(t, s, org.ID, day)
	require.NotNil(t, again)
	assert.Equal(t, int64(20000), again.BilledCostMicros)
	assert.Equal(t, int64(10000), again.ExportedMicros)
	assert.Equal(t, int64(1), again.ExportedMinor)
	assert.Equal(t, 1, again.Items)

	// A failed push keeps what was already exported.
	require.NoError(t, s.MarkExportFailed(ctx, *again, "card_declined"))
	failed := exportCandidateFor(t, s, org.ID, day)
	require.NotNil(t, failed)
	assert.Equal(t, models.ExportFailed, failed.Status)
	assert.Equal(t, int64(10000), failed.ExportedMicros)
	assert.Equal(t, 1, failed.Items)
}

func TestCurrencyLockedOnceUsageExists(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	org := createOrg(t, s)

	org.Currency = "EUR"
	require.NoError(t, s.UpdateOrganization(ctx, org))

	day := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)
	stale := usageEvent(org, "gen-cur-stale-"+org.ID.String(), "alice", "m1", day)
	stale.Currency = "PLN"
	assert.ErrorIs(t, s.RecordUsage(ctx, stale), ErrCurrencyChanged)

	require.NoError(t, s.RecordUsage(ctx, usageEvent(org, "gen-cur-"+org.ID.String(), "alice", "m1", day)))

	org.Currency = "USD"
	assert.ErrorIs(t, s.UpdateOrganization(ctx, org), ErrCurrencyLocked)

	org.Currency = "EUR"
	org.Name = "renamed-" + t.Name()
	require.NoError(t, s.UpdateOrganization(ctx, org))

	got, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, "renamed-"+t.Name(), got.Name)
}
