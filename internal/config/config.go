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

const (
	defaultAppName         = "WalletCore"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCurrency        = "USD"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultSessionTTL      = 15 * time.Minute
	defaultSessionRetain   = 24 * time.Hour
	defaultSweepInterval   = 30 * time.Second
	defaultPortTimeout     = 10 * time.Second
	defaultLedgerAttempts  = 5
	defaultFingerprintSalt = "walletcore-dev-fingerprint-key"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName         string
	AppEnv          string
	Port            string
	LogLevel        string
	LogFormat       string
	DatabaseURL     string
	RedisURL        string
	AcquirerURL     string
	DefaultCurrency string
	FingerprintKey  string
	AutoMigrate     bool
	LedgerAttempts  int
	ShutdownPeriod  time.Duration
	IdempotencyTTL  time.Duration
	SessionTTL      time.Duration
	SessionRetain   time.Duration
	SweepInterval   time.Duration
	PortTimeout     time.Duration
}

// Load reads a .env file when present, then the environment. DATABASE_URL,
// REDIS_URL and TOKEN_FINGERPRINT_KEY are required outside development;
// without them development runs on in-memory stores.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		AcquirerURL:     os.Getenv("ACQUIRER_URL"),
		DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", defaultCurrency)),
		FingerprintKey:  os.Getenv("TOKEN_FINGERPRINT_KEY"),
	}

	var err error
	if cfg.AutoMigrate, err = getBool("DB_AUTOMIGRATE", true); err != nil {
		return Config{}, err
	}
	if cfg.LedgerAttempts, err = getInt("LEDGER_MAX_ATTEMPTS", defaultLedgerAttempts); err != nil {
		return Config{}, err
	}
	if cfg.LedgerAttempts < 1 {
		return Config{}, fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}

	durations := []struct {
		name     string
		fallback time.Duration
		target   *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", defaultShutdownDelay, &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", defaultIdempotencyTTL, &cfg.IdempotencyTTL},
		{"SESSION_TTL", defaultSessionTTL, &cfg.SessionTTL},
		{"SESSION_RETENTION", defaultSessionRetain, &cfg.SessionRetain},
		{"SWEEP_INTERVAL", defaultSweepInterval, &cfg.SweepInterval},
		{"PORT_TIMEOUT", defaultPortTimeout, &cfg.PortTimeout},
	}
	for _, d := range durations {
		v, err := getDuration(d.name, d.fallback)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.name)
		}
		*d.target = v
	}

	if cfg.Development() {
		if cfg.FingerprintKey == "" {
			cfg.FingerprintKey = defaultFingerprintSalt
		}
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.FingerprintKey == "" {
		return Config{}, fmt.Errorf("TOKEN_FINGERPRINT_KEY must be set")
	}
	return cfg, nil
}

// Development reports whether the service runs with development defaults.
func (c Config) Development() bool {
	return c.AppEnv == "development" || c.AppEnv == "test"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts NAME_SECONDS as an integer or NAME as a Go duration.
// The seconds form wins when both are set.
func getDuration(name string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(name + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", name, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func getBool(name string, fallback bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}
