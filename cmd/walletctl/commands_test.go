package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/congo-pay/walletcore/internal/config"
)

func stubConfig(t *testing.T, cfg config.Config) {
	t.Helper()
	prev := loadConfig
	loadConfig = func() (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = prev })
}

func devConfig() config.Config {
	return config.Config{
		AppEnv:          "development",
		Port:            "9090",
		LogLevel:        "error",
		DefaultCurrency: "USD",
		FingerprintKey:  "k",
		LedgerAttempts:  5,
		SessionTTL:      15 * time.Minute,
		SessionRetain:   time.Hour,
		SweepInterval:   30 * time.Second,
		PortTimeout:     time.Second,
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCommandHidesSecrets(t *testing.T) {
	cfg := devConfig()
	cfg.DatabaseURL = "postgres://user:hunter2@db/wallet"
	stubConfig(t, cfg)

	out, err := run(t, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, "address=:9090") || !strings.Contains(out, "postgres=true") {
		t.Fatalf("unexpected output: %s", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked: %s", out)
	}
}

func TestSweepCommandInMemory(t *testing.T) {
	stubConfig(t, devConfig())

	out, err := run(t, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if strings.TrimSpace(out) != "expired=0 resumed=0 purged=0" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestMigrateDownValidatesSteps(t *testing.T) {
	stubConfig(t, devConfig())

	if _, err := run(t, "migrate", "down", "--steps", "0"); err == nil {
		t.Fatalf("expected error for zero steps")
	}
}

func TestMigrateUpRequiresDatabase(t *testing.T) {
	stubConfig(t, devConfig())

	if _, err := run(t, "migrate", "up"); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}
