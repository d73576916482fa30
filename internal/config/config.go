// Package config loads and validates all environment variables at startup.
// Every other package receives typed values — nothing reads os.Getenv
// directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mail provider names accepted in MAIL_PROVIDER.
const (
	MailProviderSES  = "ses"
	MailProviderSMTP = "smtp"
	MailProviderLog  = "log" // development: log instead of sending
)

// Config is the fully-parsed application configuration.
type Config struct {
	// ── Server ────────────────────────────────────────────────────────────────
	Port string // default "8080"
	Env  string // "development" | "production"

	// AllowedOrigins is the CORS allow-list, comma-separated in the
	// environment. Empty means "*" in development and nothing in production.
	AllowedOrigins []string

	// ── Database ──────────────────────────────────────────────────────────────
	// Empty DATABASE_URL in development selects the in-memory store.
	DatabaseURL string

	// ── Mail ──────────────────────────────────────────────────────────────────
	MailProvider string // "ses" | "smtp" | "log"
	MailFrom     string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	// ── Report production ─────────────────────────────────────────────────────
	SourceURL  string // upstream stocks CSV
	ReportCron string // default "0 0 * * MON"

	// ── Queue drain ───────────────────────────────────────────────────────────
	DrainInterval    time.Duration // default 1m
	DrainBatchSize   int           // default 50
	DrainParallelism int           // default 4
	SendTimeout      time.Duration // default 30s
	StaleAfter       time.Duration // default 10m
	MaxAttempts      int           // default 3
	RetryBaseDelay   time.Duration // default 3s
}

// Load reads the environment (after an optional .env file — real variables
// always win) and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		AllowedOrigins:   splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		MailProvider:     getEnv("MAIL_PROVIDER", MailProviderLog),
		MailFrom:         os.Getenv("MAIL_FROM"),
		SMTPHost:         os.Getenv("SMTP_HOST"),
		SMTPPort:         getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:     os.Getenv("SMTP_USERNAME"),
		SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
		SourceURL:        os.Getenv("SOURCE_URL"),
		ReportCron:       getEnv("REPORT_CRON", "0 0 * * MON"),
		DrainInterval:    getEnvAsDuration("DRAIN_INTERVAL", time.Minute),
		DrainBatchSize:   getEnvAsInt("DRAIN_BATCH_SIZE", 50),
		DrainParallelism: getEnvAsInt("DRAIN_PARALLELISM", 4),
		SendTimeout:      getEnvAsDuration("SEND_TIMEOUT", 30*time.Second),
		StaleAfter:       getEnvAsDuration("STALE_AFTER", 10*time.Minute),
		MaxAttempts:      getEnvAsInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 3*time.Second),
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	var errs []error

	if c.SourceURL == "" {
		errs = append(errs, fmt.Errorf("missing required env var: SOURCE_URL"))
	}

	switch c.MailProvider {
	case MailProviderLog:
	case MailProviderSES:
		if c.MailFrom == "" {
			errs = append(errs, fmt.Errorf("MAIL_FROM is required with MAIL_PROVIDER=ses"))
		}
	case MailProviderSMTP:
		if c.MailFrom == "" {
			errs = append(errs, fmt.Errorf("MAIL_FROM is required with MAIL_PROVIDER=smtp"))
		}
		if c.SMTPHost == "" {
			errs = append(errs, fmt.Errorf("SMTP_HOST is required with MAIL_PROVIDER=smtp"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MAIL_PROVIDER %q", c.MailProvider))
	}

	if c.Env == "production" {
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("missing required env var: DATABASE_URL"))
		}
		if c.MailProvider == MailProviderLog {
			errs = append(errs, fmt.Errorf("MAIL_PROVIDER=log is not valid in production"))
		}
	}

	return errors.Join(errs...)
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
