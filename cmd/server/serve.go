package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/usage-ledger/internal/billing"
	"github.com/crosslogic/usage-ledger/internal/gateway"
	"github.com/crosslogic/usage-ledger/internal/ingest"
	"github.com/crosslogic/usage-ledger/internal/notifications"
	"github.com/crosslogic/usage-ledger/pkg/telemetry"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// apiKeyCacheTTL bounds how long a revoked key keeps resolving.
const apiKeyCacheTTL = time.Minute

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	cfg, logger := a.cfg, a.logger
	logger.Info("starting usage ledger", zap.String("version", version))

	shutdownTracing, err := telemetry.Init(ctx, cfg.Monitoring.OTELEndpoint, "usage-ledger", version, cfg.Monitoring.OTELInsecure)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	defaultMarkup, err := decimal.NewFromString(cfg.Billing.DefaultMarkup)
	if err != nil {
		return fmt.Errorf("invalid BILLING_DEFAULT_MARKUP %q: %w", cfg.Billing.DefaultMarkup, err)
	}

	converter := a.converter()
	pricer := billing.NewPricer(converter, cfg.Currency.SourceCurrency, defaultMarkup)
	processor := ingest.NewProcessor(ingest.ProcessorOptions{
		Ledger:         ingest.NewCachedLedger(a.store, apiKeyCacheTTL),
		Pricer:         pricer,
		Converter:      converter,
		Reservations:   ingest.NewReservations(a.cache, cfg.Ingest.ReservationTTL, cfg.Ingest.ProcessedTTL, logger),
		Bus:            a.bus,
		Location:       a.location,
		RequireMapping: cfg.Ingest.RequireUserMap,
		Logger:         logger,
	})
	limiter := gateway.NewRateLimiter(a.cache, cfg.Ingest.RateLimitPerMin, logger)
	handler := ingest.NewHandler(processor, cfg.Ingest.WebhookSecret, cfg.Ingest.MaxBodyBytes, cfg.Ingest.MaxBatchSize, limiter, logger)

	// Background jobs stop with jobsCtx, before the bus drains on close.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	notifier := notifications.NewService(cfg.Notifications, a.cache, logger)
	notifier.Start(jobsCtx, a.bus)
	defer notifier.Stop()

	consolidator := a.consolidator()
	consolidator.Start(jobsCtx)

	if cfg.Billing.StripeSecretKey != "" {
		exporter := billing.NewStripeExporter(a.store, cfg.Billing.StripeSecretKey, a.bus, a.location,
			cfg.Billing.ExportInterval, cfg.Billing.ExportLookbackDays, logger)
		exporter.StartBackgroundJobs(jobsCtx)
	} else {
		logger.Info("Stripe export disabled")
	}

	opts := gateway.Options{
		Ingest:        handler,
		Store:         a.store,
		Statements:    billing.NewEngine(a.store, cfg.Currency.SourceCurrency, logger),
		Consolidation: consolidator,
		Rates:         converter,
		DB:            a.db,
		AdminToken:    cfg.Security.AdminAPIToken,
		CORSOrigins:   cfg.Security.CORSAllowedOrigins,
		MetricsPath:   cfg.Monitoring.MetricsPath,
		Logger:        logger,
	}
	if a.cache != nil {
		opts.Cache = a.cache
	}
	logger.Info("event subscriptions registered", zap.Any("subscriptions", a.bus.Subscriptions()))

	gw := gateway.NewGateway(opts)
	gw.StartHealthMetrics(jobsCtx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	cancelJobs()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}
