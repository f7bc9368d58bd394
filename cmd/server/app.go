package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/internal/config"
	"github.com/crosslogic/usage-ledger/internal/consolidation"
	"github.com/crosslogic/usage-ledger/internal/currency"
	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/cache"
	"github.com/crosslogic/usage-ledger/pkg/database"
	"github.com/crosslogic/usage-ledger/pkg/events"
	"go.uber.org/zap"
)

// app holds the dependencies shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *database.Database
	cache    *cache.Cache
	bus      *events.Bus
	store    *store.Store
	location *time.Location
}

func newLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

// bootstrap loads configuration and connects to Postgres and, when enabled,
// Redis. Callers must call close.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	location, err := cfg.Ingest.Location()
	if err != nil {
		return nil, err
	}

	if cfg.Database.RunMigrations {
		if err := database.Migrate(ctx, cfg.Database.DSN()); err != nil {
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to database")

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		bus:      events.NewBus(logger),
		store:    store.New(db, logger),
		location: location,
	}

	if cfg.Redis.Enabled {
		redisCache, err := cache.NewCache(cfg.Redis)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.cache = redisCache
		logger.Info("connected to Redis")
	} else {
		logger.Warn("Redis disabled; idempotency locks and rate limits are process-local")
	}
	return a, nil
}

func (a *app) close() {
	a.bus.Wait()
	if a.cache != nil {
		_ = a.cache.Close()
	}
	a.db.Close()
	_ = a.logger.Sync()
}

func (a *app) converter() *currency.Converter {
	return currency.NewConverter(currency.Options{
		Provider:  currency.NewNBPProvider(a.cfg.Currency.ProviderURL, a.cfg.Currency.ProviderTimeout),
		Store:     a.store,
		Redis:     a.cache,
		Bus:       a.bus,
		Fallbacks: a.cfg.Currency.FallbackRates,
		CacheTTL:  a.cfg.Currency.CacheTTL,
		Location:  a.location,
		Logger:    a.logger,
	})
}

func (a *app) consolidator() *consolidation.Consolidator {
	return consolidation.NewConsolidator(a.store, a.bus, a.cfg.Consolidation, a.location, a.logger)
}
