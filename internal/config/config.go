package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Graph        GraphConfig
	OAuth        OAuthConfig
	CalDAV       CalDAVConfig
	Quota        QuotaConfig
	Backoff      BackoffConfig
	Sync         SyncConfig
	Subscription SubscriptionConfig
	NATS         NATSConfig
	Alerts       AlertConfig
	RateLimiting RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
	// APIKey protects the /api routes. Empty disables the check.
	APIKey string
	// ValidateOnStart runs Validate, including network checks, at startup.
	ValidateOnStart bool
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// GraphConfig holds Microsoft Graph feed configuration.
type GraphConfig struct {
	BaseURL     string
	PageSize    int
	HTTPTimeout time.Duration
}

// OAuthConfig holds the app registration used to refresh account tokens.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

// CalDAVConfig holds the optional CalDAV feed configuration.
type CalDAVConfig struct {
	URL          string
	Username     string
	Password     string
	CalendarPath string
}

// QuotaConfig holds the per-account provider quotas.
type QuotaConfig struct {
	PerSecond     int
	PerTenMinutes int
	IdleTTL       time.Duration
}

// BackoffConfig holds the retry policy for provider calls.
type BackoffConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// SyncConfig holds engine and scheduling configuration.
type SyncConfig struct {
	Mode              deltasync.Mode
	PageDelay         time.Duration
	ColdStartLookback time.Duration
	ColdStartWindow   time.Duration
	DefaultInterval   int
	MinInterval       int
	MaxInterval       int
}

// SubscriptionConfig holds webhook subscription settings.
type SubscriptionConfig struct {
	ClientState     string
	NotificationURL string
	RenewBefore     time.Duration
	Extension       time.Duration
}

// NATSConfig holds the JetStream sink configuration. An empty URL selects
// the log sink.
type NATSConfig struct {
	URL    string
	Stream string
}

// AlertConfig holds alert webhook configuration.
type AlertConfig struct {
	WebhookURL string
	Cooldown   time.Duration
}

// RateLimitConfig holds HTTP API rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}
	var err error
	ints := intReader{}
	floats := floatReader{}

	// Server configuration
	cfg.Server.Port = ints.get("PORT", 8080)
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))
	cfg.Server.APIKey = getEnvRequired("API_KEY")
	cfg.Server.ValidateOnStart, err = getEnvBool("VALIDATE_ON_START", true)
	if err != nil {
		return nil, fmt.Errorf("%w: VALIDATE_ON_START: %w", ErrInvalidConfig, err)
	}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/deltabridge.db")

	// Graph configuration
	cfg.Graph.BaseURL = getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")
	cfg.Graph.PageSize = ints.get("GRAPH_PAGE_SIZE", 50)
	cfg.Graph.HTTPTimeout = time.Duration(ints.get("HTTP_TIMEOUT_SECONDS", 30)) * time.Second

	// OAuth configuration
	cfg.OAuth.ClientID = getEnvRequired("OAUTH_CLIENT_ID")
	cfg.OAuth.ClientSecret = getEnvRequired("OAUTH_CLIENT_SECRET")
	cfg.OAuth.Tenant = getEnv("OAUTH_TENANT", "common")

	// CalDAV configuration
	cfg.CalDAV.URL = getEnvRequired("CALDAV_URL")
	cfg.CalDAV.Username = getEnvRequired("CALDAV_USERNAME")
	cfg.CalDAV.Password = getEnvRequired("CALDAV_PASSWORD")
	cfg.CalDAV.CalendarPath = getEnvRequired("CALDAV_CALENDAR_PATH")

	// Quota configuration
	cfg.Quota.PerSecond = ints.get("RATE_LIMIT_PER_SECOND", 4)
	cfg.Quota.PerTenMinutes = ints.get("RATE_LIMIT_PER_TEN_MINUTES", 10000)
	cfg.Quota.IdleTTL = time.Duration(ints.get("RATE_LIMIT_IDLE_MINUTES", 30)) * time.Minute

	// Backoff configuration
	cfg.Backoff.MaxRetries = ints.get("BACKOFF_MAX_RETRIES", 3)
	cfg.Backoff.BaseDelay = time.Duration(ints.get("BACKOFF_BASE_MS", 1000)) * time.Millisecond
	cfg.Backoff.MaxDelay = time.Duration(ints.get("BACKOFF_MAX_MS", 30000)) * time.Millisecond

	// Sync configuration
	cfg.Sync.Mode, err = deltasync.ParseMode(getEnv("SYNC_MODE", string(deltasync.ModeBuffered)))
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_MODE: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.PageDelay = time.Duration(ints.get("PAGE_DELAY_MS", 250)) * time.Millisecond
	cfg.Sync.ColdStartLookback = time.Duration(ints.get("COLD_START_LOOKBACK_MINUTES", 5)) * time.Minute
	cfg.Sync.ColdStartWindow = time.Duration(ints.get("COLD_START_WINDOW_DAYS", 90)) * 24 * time.Hour
	cfg.Sync.DefaultInterval = ints.get("DEFAULT_SYNC_INTERVAL", 300)
	cfg.Sync.MinInterval = ints.get("MIN_SYNC_INTERVAL", 30)
	cfg.Sync.MaxInterval = ints.get("MAX_SYNC_INTERVAL", 3600)

	// Subscription configuration
	cfg.Subscription.ClientState = getEnvRequired("WEBHOOK_CLIENT_STATE")
	cfg.Subscription.NotificationURL = getEnvRequired("NOTIFICATION_URL")
	cfg.Subscription.RenewBefore = time.Duration(ints.get("SUBSCRIPTION_RENEW_BEFORE_MINUTES", 360)) * time.Minute
	cfg.Subscription.Extension = time.Duration(ints.get("SUBSCRIPTION_EXTENSION_MINUTES", 4230)) * time.Minute

	// NATS configuration
	cfg.NATS.URL = getEnvRequired("NATS_URL")
	cfg.NATS.Stream = getEnv("NATS_STREAM", "DELTA_CHANGES")

	// Alert configuration
	cfg.Alerts.WebhookURL = getEnvRequired("ALERT_WEBHOOK_URL")
	cfg.Alerts.Cooldown = time.Duration(ints.get("ALERT_COOLDOWN_MINUTES", 60)) * time.Minute

	// Rate limiting configuration
	cfg.RateLimiting.RPS = floats.get("API_RATE_LIMIT_RPS", 10.0)
	cfg.RateLimiting.Burst = ints.get("API_RATE_LIMIT_BURST", 20)

	if ints.err != nil {
		return nil, ints.err
	}
	if floats.err != nil {
		return nil, floats.err
	}

	if err := cfg.checkRanges(); err != nil {
		return nil, err
	}

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// checkRanges rejects values the components cannot run with.
func (c *Config) checkRanges() error {
	switch {
	case c.Quota.PerSecond <= 0:
		return fmt.Errorf("%w: RATE_LIMIT_PER_SECOND must be positive", ErrInvalidConfig)
	case c.Quota.PerTenMinutes < c.Quota.PerSecond:
		return fmt.Errorf("%w: RATE_LIMIT_PER_TEN_MINUTES must be at least RATE_LIMIT_PER_SECOND", ErrInvalidConfig)
	case c.Backoff.MaxRetries < 0:
		return fmt.Errorf("%w: BACKOFF_MAX_RETRIES must not be negative", ErrInvalidConfig)
	case c.Graph.PageSize <= 0 || c.Graph.PageSize > 999:
		return fmt.Errorf("%w: GRAPH_PAGE_SIZE must be between 1 and 999", ErrInvalidConfig)
	case c.Sync.MinInterval <= 0 || c.Sync.MinInterval > c.Sync.MaxInterval:
		return fmt.Errorf("%w: MIN_SYNC_INTERVAL must be positive and not above MAX_SYNC_INTERVAL", ErrInvalidConfig)
	}
	return nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.OAuth.ClientID == "" {
		missing = append(missing, "OAUTH_CLIENT_ID")
	}
	if c.OAuth.ClientSecret == "" {
		missing = append(missing, "OAUTH_CLIENT_SECRET")
	}
	if c.Subscription.ClientState == "" {
		missing = append(missing, "WEBHOOK_CLIENT_STATE")
	}
	if c.CalDAV.URL != "" && c.CalDAV.Username == "" {
		missing = append(missing, "CALDAV_USERNAME")
	}
	if c.IsProduction() && c.Server.APIKey == "" {
		missing = append(missing, "API_KEY")
	}

	return missing
}

// Validate checks URL formats and, for CalDAV, that the endpoint is reachable.
func (c *Config) Validate(ctx context.Context) error {
	var opts []validator.Option
	if c.IsDevelopment() {
		opts = append(opts, validator.WithAllowPrivateIPs())
	}
	v := validator.New(opts...)

	if err := v.ValidateURL(c.Graph.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: GRAPH_BASE_URL: %w", ErrValidationFailed, err)
	}

	if c.Subscription.NotificationURL != "" {
		if err := v.ValidateNotificationURL(c.Subscription.NotificationURL); err != nil {
			return fmt.Errorf("%w: NOTIFICATION_URL: %w", ErrValidationFailed, err)
		}
	}

	if c.Alerts.WebhookURL != "" {
		if err := v.ValidateURL(c.Alerts.WebhookURL, true); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	if c.CalDAV.URL != "" {
		if err := v.ValidateCalDAVEndpoint(ctx, c.CalDAV.URL); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// ProbeNotificationEndpoint checks that NOTIFICATION_URL answers the
// provider's validation handshake. The server must already be listening
// when the URL routes back to this process.
func (c *Config) ProbeNotificationEndpoint(ctx context.Context) error {
	if c.Subscription.NotificationURL == "" {
		return nil
	}
	var opts []validator.Option
	if c.IsDevelopment() {
		opts = append(opts, validator.WithAllowPrivateIPs())
	}
	if err := validator.New(opts...).ValidateWebhookEcho(ctx, c.Subscription.NotificationURL); err != nil {
		return fmt.Errorf("%w: NOTIFICATION_URL: %w", ErrValidationFailed, err)
	}
	return nil
}

// CalDAVEnabled returns true if a CalDAV feed is configured.
func (c *Config) CalDAVEnabled() bool {
	return c.CalDAV.URL != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// intReader parses integer keys and keeps the first error.
type intReader struct {
	err error
}

func (r *intReader) get(key string, defaultValue int) int {
	v, err := getEnvInt(key, defaultValue)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return v
}

// floatReader parses float keys and keeps the first error.
type floatReader struct {
	err error
}

func (r *floatReader) get(key string, defaultValue float64) float64 {
	v, err := getEnvFloat(key, defaultValue)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return v
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}
