// Package config loads process settings from .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting of the calsync process.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseDSN    string `mapstructure:"DATABASE_DSN"`
	// SecretKey seals stored credentials when set.
	SecretKey string `mapstructure:"CALSYNC_SECRET_KEY"`

	GoogleClientID      string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret  string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	OutlookClientID     string `mapstructure:"OUTLOOK_CLIENT_ID"`
	OutlookClientSecret string `mapstructure:"OUTLOOK_CLIENT_SECRET"`
	OutlookTenant       string `mapstructure:"OUTLOOK_TENANT"`
	OAuthRedirectURL    string `mapstructure:"OAUTH_REDIRECT_URL"`
	GraphBaseURL        string `mapstructure:"GRAPH_BASE_URL"`
	ICloudCalendarName  string `mapstructure:"ICLOUD_CALENDAR_NAME"`

	PullPastMonths      int           `mapstructure:"PULL_PAST_MONTHS"`
	PullFutureMonths    int           `mapstructure:"PULL_FUTURE_MONTHS"`
	ProviderCallTimeout time.Duration `mapstructure:"PROVIDER_CALL_TIMEOUT"`
	BreakerMaxFailures  uint32        `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerOpenTimeout  time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
	ConflictPolicy      string        `mapstructure:"CONFLICT_POLICY"`
	// RunLease bounds how long an unfinished run blocks the next one; 0 never reclaims.
	RunLease            time.Duration `mapstructure:"RUN_LEASE"`

	HTTPAddr       string `mapstructure:"HTTP_ADDR"`
	WebhookBaseURL string `mapstructure:"WEBHOOK_BASE_URL"`
	SyncSchedule   string `mapstructure:"SYNC_SCHEDULE"`
}

var defaults = map[string]any{
	"LOG_LEVEL":             "info",
	"DATABASE_DRIVER":       "sqlite3",
	"DATABASE_DSN":          "file:calsync.db?_foreign_keys=on",
	"CALSYNC_SECRET_KEY":    "",
	"GOOGLE_CLIENT_ID":      "",
	"GOOGLE_CLIENT_SECRET":  "",
	"OUTLOOK_CLIENT_ID":     "",
	"OUTLOOK_CLIENT_SECRET": "",
	"OUTLOOK_TENANT":        "common",
	"OAUTH_REDIRECT_URL":    "http://localhost:8080/oauth/callback",
	"GRAPH_BASE_URL":        "https://graph.microsoft.com/v1.0",
	"ICLOUD_CALENDAR_NAME":  "",
	"PULL_PAST_MONTHS":      1,
	"PULL_FUTURE_MONTHS":    6,
	"PROVIDER_CALL_TIMEOUT": "30s",
	"BREAKER_MAX_FAILURES":  5,
	"BREAKER_OPEN_TIMEOUT":  "60s",
	"CONFLICT_POLICY":       "external_wins",
	"RUN_LEASE":             "1h",
	"HTTP_ADDR":             ":8080",
	"WEBHOOK_BASE_URL":      "",
	"SYNC_SCHEDULE":         "@every 15m",
}

// Load reads the given .env files (missing files are skipped) and then the environment.
// Variables already set in the environment take precedence over .env values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or pgx, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	if c.PullPastMonths < 0 || c.PullFutureMonths < 0 {
		return fmt.Errorf("pull window months must not be negative")
	}
	if c.ProviderCallTimeout <= 0 {
		return fmt.Errorf("PROVIDER_CALL_TIMEOUT must be positive")
	}
	if c.RunLease < 0 {
		return fmt.Errorf("RUN_LEASE must not be negative")
	}
	return nil
}

// GoogleEnabled reports whether Google OAuth client settings are present.
func (c *Config) GoogleEnabled() bool { return c.GoogleClientID != "" && c.GoogleClientSecret != "" }

// OutlookEnabled reports whether Microsoft OAuth client settings are present.
func (c *Config) OutlookEnabled() bool { return c.OutlookClientID != "" && c.OutlookClientSecret != "" }
