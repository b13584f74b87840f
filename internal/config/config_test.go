package config

import (
	"testing"
	"time"
)

func TestLoadDevelopmentDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultCurrency != "USD" {
		t.Fatalf("expected USD got %s", cfg.DefaultCurrency)
	}
	if cfg.SessionTTL != 15*time.Minute {
		t.Fatalf("expected 15m session ttl got %s", cfg.SessionTTL)
	}
	if cfg.LedgerAttempts != 5 {
		t.Fatalf("expected 5 attempts got %d", cfg.LedgerAttempts)
	}
	if cfg.FingerprintKey == "" {
		t.Fatalf("expected development fingerprint key")
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("SESSION_TTL_SECONDS", "90")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("DEFAULT_CURRENCY", "eur")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionTTL != 90*time.Second {
		t.Fatalf("expected 90s got %s", cfg.SessionTTL)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("expected 5s got %s", cfg.SweepInterval)
	}
	if cfg.DefaultCurrency != "EUR" {
		t.Fatalf("expected EUR got %s", cfg.DefaultCurrency)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("PORT_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid duration")
	}

	t.Setenv("PORT_TIMEOUT", "")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for zero attempts")
	}
}

func TestLoadProductionRequiresBackends(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("TOKEN_FINGERPRINT_KEY", "secret")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/wallet")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Development() {
		t.Fatalf("production config reported development")
	}
}
