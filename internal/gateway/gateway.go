// Package gateway serves the ledger's HTTP API: usage webhooks, admin
// endpoints, health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosslogic/usage-ledger/internal/billing"
	"github.com/crosslogic/usage-ledger/internal/currency"
	"github.com/crosslogic/usage-ledger/internal/ingest"
	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HealthChecker is a dependency checked by /ready.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// AdminStore is the persistence behind the admin API.
type AdminStore interface {
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
	UpdateOrganization(ctx context.Context, org *models.Organization) error

	AddAPIKey(ctx context.Context, orgID uuid.UUID, raw, label string) (*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]models.APIKey, error)
	MapUser(ctx context.Context, m models.UserMapping) error

	DailyUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.DailyUsage, error)
	UserUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.UserUsage, error)
	ModelUsage(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]models.ModelUsage, error)
	UsageTotals(ctx context.Context, orgID uuid.UUID, from, to time.Time) (models.UsageCounters, error)
}

// Statements renders monthly billing statements.
type Statements interface {
	Statement(ctx context.Context, orgID uuid.UUID, month time.Time) (*billing.Statement, error)
}

// Consolidation runs and lists summary recomputes.
type Consolidation interface {
	ConsolidateRange(ctx context.Context, from, to time.Time) ([]models.ProcessingRun, error)
	Runs(ctx context.Context, limit int) ([]models.ProcessingRun, error)
	Today() time.Time
}

// RateLookup resolves daily FX rates.
type RateLookup interface {
	Rate(ctx context.Context, base, quote string, day time.Time) (currency.Quote, error)
}

// Options wires a Gateway. Nil dependencies disable their routes or checks.
type Options struct {
	Ingest        *ingest.Handler
	Store         AdminStore
	Statements    Statements
	Consolidation Consolidation
	Rates         RateLookup
	DB            HealthChecker
	Cache         HealthChecker
	AdminToken    string
	CORSOrigins   []string
	MetricsPath   string
	Timeout       time.Duration
	Logger        *zap.Logger
}

// Gateway handles API requests
type Gateway struct {
	ingest        *ingest.Handler
	store         AdminStore
	statements    Statements
	consolidation Consolidation
	rates         RateLookup
	db            HealthChecker
	cache         HealthChecker
	admin         *AdminAuthenticator
	logger        *zap.Logger
	router        *chi.Mux
	opts          Options
}

// NewGateway creates the HTTP API.
func NewGateway(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	g := &Gateway{
		ingest:        opts.Ingest,
		store:         opts.Store,
		statements:    opts.Statements,
		consolidation: opts.Consolidation,
		rates:         opts.Rates,
		db:            opts.DB,
		cache:         opts.Cache,
		admin:         NewAdminAuthenticator(opts.AdminToken, opts.Logger),
		logger:        opts.Logger,
		router:        chi.NewRouter(),
		opts:          opts,
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(g.opts.Timeout))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token", ingest.SignatureHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g.registerMetrics(g.opts.MetricsPath)

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Usage webhooks authenticate with the shared signing secret.
	if g.ingest != nil {
		g.router.Post("/api/v1/usage/webhook", g.ingest.HandleWebhook)
		g.router.Post("/api/v1/usage/events:batch", g.ingest.HandleBatch)
	}

	g.router.Route("/admin", func(r chi.Router) {
		r.Use(g.admin.Middleware)

		if g.store != nil {
			r.Post("/organizations", g.handleCreateOrganization)
			r.Get("/organizations", g.handleListOrganizations)
			r.Get("/organizations/{org_id}", g.handleGetOrganization)
			r.Patch("/organizations/{org_id}", g.handleUpdateOrganization)

			r.Post("/organizations/{org_id}/api-keys", g.handleCreateAPIKey)
			r.Get("/organizations/{org_id}/api-keys", g.handleListAPIKeys)
			r.Delete("/api-keys/{key_id}", g.handleRevokeAPIKey)

			r.Put("/organizations/{org_id}/users/{external_user_id}", g.handleMapUser)

			r.Get("/organizations/{org_id}/usage", g.handleUsage)
			r.Get("/organizations/{org_id}/usage/users", g.handleUserUsage)
			r.Get("/organizations/{org_id}/usage/models", g.handleModelUsage)
		}
		if g.statements != nil {
			r.Get("/organizations/{org_id}/billing", g.handleStatement)
		}
		if g.consolidation != nil {
			r.Post("/consolidation", g.handleConsolidate)
			r.Get("/consolidation/runs", g.handleListRuns)
		}
		if g.rates != nil {
			r.Get("/fx/{base}/{quote}", g.handleFXRate)
		}
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics updates the dependency gauges every 15 seconds.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			g.updateHealthMetrics(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	setDependencyUp(ctx, "postgres", g.db)
	setDependencyUp(ctx, "redis", g.cache)
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.logger.Warn("database not ready", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database not ready", "unavailable")
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.logger.Warn("cache not ready", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "cache not ready", "unavailable")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message, errType string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
