package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the usage ledger
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Ingest        IngestConfig
	Billing       BillingConfig
	Currency      CurrencyConfig
	Consolidation ConsolidationConfig
	Notifications NotificationsConfig
	Security      SecurityConfig
	Monitoring    MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

// DSN renders the libpq style connection string understood by pgx.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// IngestConfig holds usage webhook configuration
type IngestConfig struct {
	WebhookSecret    string
	MaxBodyBytes     int64
	MaxBatchSize     int
	RateLimitPerMin  int
	ReservationTTL   time.Duration
	ProcessedTTL     time.Duration
	BusinessTimezone string
	RequireUserMap   bool
}

// Location resolves BusinessTimezone, defaulting to UTC.
func (c IngestConfig) Location() (*time.Location, error) {
	if c.BusinessTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.BusinessTimezone)
}

// BillingConfig holds markup and payment export configuration
type BillingConfig struct {
	DefaultMarkup   string
	StripeSecretKey string
	ExportInterval  time.Duration
	// ExportLookbackDays is how many closed days each export pass revisits
	// for late usage and consolidation corrections.
	ExportLookbackDays int
}

// CurrencyConfig holds FX configuration
type CurrencyConfig struct {
	SourceCurrency  string
	ProviderURL     string
	ProviderTimeout time.Duration
	FallbackRates   map[string]string
	CacheTTL        time.Duration
}

// ConsolidationConfig holds batch consolidation configuration
type ConsolidationConfig struct {
	Enabled      bool
	Interval     time.Duration
	LookbackDays int
	IncludeToday bool
	StaleAfter   time.Duration
}

// NotificationsConfig holds alert delivery configuration
type NotificationsConfig struct {
	WebhookURL      string
	WebhookSecret   string
	SlackWebhookURL string
	SlackChannel    string
	MaxRetries      int
	RetryBackoff    time.Duration
	DeliveryTimeout time.Duration
}

// Enabled reports whether any delivery channel is configured.
func (c NotificationsConfig) Enabled() bool {
	return c.WebhookURL != "" || c.SlackWebhookURL != ""
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken      string
	CORSAllowedOrigins []string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath  string
	LogLevel     string
	OTELEndpoint string
	OTELInsecure bool
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is read first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "ledger"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "usage_ledger"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
			RunMigrations:   getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Ingest: IngestConfig{
			WebhookSecret:    getEnv("INGEST_WEBHOOK_SECRET", ""),
			MaxBodyBytes:     int64(getEnvAsInt("INGEST_MAX_BODY_BYTES", 1<<20)),
			MaxBatchSize:     getEnvAsInt("INGEST_MAX_BATCH_SIZE", 500),
			RateLimitPerMin:  getEnvAsInt("INGEST_RATE_LIMIT_PER_MIN", 6000),
			ReservationTTL:   getEnvAsDuration("INGEST_RESERVATION_TTL", "5m"),
			ProcessedTTL:     getEnvAsDuration("INGEST_PROCESSED_TTL", "24h"),
			BusinessTimezone: getEnv("BUSINESS_TIMEZONE", "UTC"),
			RequireUserMap:   getEnvAsBool("INGEST_REQUIRE_USER_MAPPING", false),
		},
		Billing: BillingConfig{
			DefaultMarkup:      getEnv("BILLING_DEFAULT_MARKUP", "1.0"),
			StripeSecretKey:    getEnv("STRIPE_SECRET_KEY", ""),
			ExportInterval:     getEnvAsDuration("BILLING_EXPORT_INTERVAL", "1h"),
			ExportLookbackDays: getEnvAsInt("BILLING_EXPORT_LOOKBACK_DAYS", 7),
		},
		Currency: CurrencyConfig{
			SourceCurrency:  strings.ToUpper(getEnv("CURRENCY_SOURCE", "USD")),
			ProviderURL:     getEnv("FX_PROVIDER_URL", "https://api.nbp.pl/api"),
			ProviderTimeout: getEnvAsDuration("FX_PROVIDER_TIMEOUT", "10s"),
			FallbackRates:   parseRatePairs(getEnv("FX_FALLBACK_RATES", "USD:PLN=4.00")),
			CacheTTL:        getEnvAsDuration("FX_CACHE_TTL", "24h"),
		},
		Consolidation: ConsolidationConfig{
			Enabled:      getEnvAsBool("CONSOLIDATION_ENABLED", true),
			Interval:     getEnvAsDuration("CONSOLIDATION_INTERVAL", "1h"),
			LookbackDays: getEnvAsInt("CONSOLIDATION_LOOKBACK_DAYS", 2),
			IncludeToday: getEnvAsBool("CONSOLIDATION_INCLUDE_TODAY", false),
			StaleAfter:   getEnvAsDuration("CONSOLIDATION_STALE_AFTER", "30m"),
		},
		Notifications: NotificationsConfig{
			WebhookURL:      getEnv("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret:   getEnv("NOTIFY_WEBHOOK_SECRET", ""),
			SlackWebhookURL: getEnv("NOTIFY_SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnv("NOTIFY_SLACK_CHANNEL", ""),
			MaxRetries:      getEnvAsInt("NOTIFY_MAX_RETRIES", 3),
			RetryBackoff:    getEnvAsDuration("NOTIFY_RETRY_BACKOFF", "2s"),
			DeliveryTimeout: getEnvAsDuration("NOTIFY_DELIVERY_TIMEOUT", "10s"),
		},
		Security: SecurityConfig{
			AdminAPIToken:      getEnv("ADMIN_API_TOKEN", ""),
			CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		},
		Monitoring: MonitoringConfig{
			MetricsPath:  getEnv("METRICS_PATH", "/metrics"),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			OTELEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", ""),
			OTELInsecure: getEnvAsBool("OTEL_EXPORTER_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	if c.Ingest.WebhookSecret == "" {
		return fmt.Errorf("INGEST_WEBHOOK_SECRET is required")
	}
	if _, err := c.Ingest.Location(); err != nil {
		return fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", c.Ingest.BusinessTimezone, err)
	}
	if c.Billing.ExportLookbackDays < 1 {
		return fmt.Errorf("BILLING_EXPORT_LOOKBACK_DAYS must be at least 1")
	}
	if c.Consolidation.LookbackDays < 0 {
		return fmt.Errorf("CONSOLIDATION_LOOKBACK_DAYS must not be negative")
	}
	return nil
}

// parseRatePairs parses "USD:PLN=4.00,EUR:PLN=4.30" into {"USD:PLN": "4.00", ...}.
// Malformed entries are skipped.
func parseRatePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, item := range splitList(raw) {
		pair, rate, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		base, quote, ok := strings.Cut(pair, ":")
		if !ok || base == "" || quote == "" || strings.TrimSpace(rate) == "" {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(base)) + ":" + strings.ToUpper(strings.TrimSpace(quote))
		out[key] = strings.TrimSpace(rate)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
