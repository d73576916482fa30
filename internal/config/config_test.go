package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stocksreporting/backend/internal/config"
)

func setBaseline(t *testing.T) {
	t.Helper()
	t.Setenv("SOURCE_URL", "https://example.com/stocks.csv")
	t.Setenv("ENV", "development")
	t.Setenv("MAIL_PROVIDER", "log")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAIL_FROM", "")
	t.Setenv("SMTP_HOST", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseline(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ReportCron != "0 0 * * MON" {
		t.Errorf("ReportCron = %q", cfg.ReportCron)
	}
	if cfg.DrainInterval != time.Minute {
		t.Errorf("DrainInterval = %v, want 1m", cfg.DrainInterval)
	}
	if cfg.MaxAttempts != 3 || cfg.RetryBaseDelay != 3*time.Second {
		t.Errorf("retry defaults = %d attempts / %v base", cfg.MaxAttempts, cfg.RetryBaseDelay)
	}
}

func TestLoad_MissingSourceURL(t *testing.T) {
	setBaseline(t)
	t.Setenv("SOURCE_URL", "")

	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "SOURCE_URL") {
		t.Fatalf("got %v, want SOURCE_URL error", err)
	}
}

func TestLoad_ProviderRequirements(t *testing.T) {
	setBaseline(t)
	t.Setenv("MAIL_PROVIDER", "smtp")

	_, err := config.Load()
	if err == nil {
		t.Fatal("smtp provider without MAIL_FROM and SMTP_HOST accepted")
	}
	// Both missing settings should be reported together.
	if !strings.Contains(err.Error(), "MAIL_FROM") || !strings.Contains(err.Error(), "SMTP_HOST") {
		t.Errorf("error should name both missing vars: %v", err)
	}
}

func TestLoad_ProductionConstraints(t *testing.T) {
	setBaseline(t)
	t.Setenv("ENV", "production")

	_, err := config.Load()
	if err == nil {
		t.Fatal("production without DATABASE_URL and with log provider accepted")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") || !strings.Contains(err.Error(), "MAIL_PROVIDER") {
		t.Errorf("error should name DATABASE_URL and MAIL_PROVIDER: %v", err)
	}
}

func TestLoad_CORSOrigins(t *testing.T) {
	setBaseline(t)
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"https://app.example.com", "https://staging.example.com"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("origin %d = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}
