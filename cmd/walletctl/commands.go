package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/congo-pay/walletcore/internal/config"
	"github.com/congo-pay/walletcore/internal/infra"
	"github.com/congo-pay/walletcore/internal/logging"
	"github.com/congo-pay/walletcore/internal/routes"
)

var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "walletctl",
		Short:         "Operate the wallet core service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newSweepCmd(), newConfigCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := infra.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := infra.MigrateDown(cfg.DatabaseURL, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, dirty, err := infra.MigrationVersion(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
			return nil
		},
	}

	migrateCmd.AddCommand(up, down, version)
	return migrateCmd
}

func newSweepCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one payment session sweep: expire, resume stuck captures, purge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			deps, closeFn, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			svc, err := routes.NewServices(deps)
			if err != nil {
				return err
			}
			res, err := svc.Sessions.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d resumed=%d purged=%d\n", res.Expired, res.Resumed, res.Purged)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for the sweep")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration without secrets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "app_env=%s\n", cfg.AppEnv)
			fmt.Fprintf(out, "address=%s\n", cfg.Address())
			fmt.Fprintf(out, "default_currency=%s\n", cfg.DefaultCurrency)
			fmt.Fprintf(out, "postgres=%t\n", cfg.DatabaseURL != "")
			fmt.Fprintf(out, "redis=%t\n", cfg.RedisURL != "")
			fmt.Fprintf(out, "acquirer=%t\n", cfg.AcquirerURL != "")
			fmt.Fprintf(out, "session_ttl=%s\n", cfg.SessionTTL)
			fmt.Fprintf(out, "sweep_interval=%s\n", cfg.SweepInterval)
			fmt.Fprintf(out, "ledger_max_attempts=%d\n", cfg.LedgerAttempts)
			return nil
		},
	}
}

func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (routes.Deps, func(), error) {
	deps := routes.Deps{Cfg: cfg, Logger: logger}
	var (
		db    *pgxpool.Pool
		cache *redis.Client
		err   error
	)
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return deps, nil, err
		}
		deps.DB = db
	}
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return deps, nil, err
		}
		deps.Cache = cache
	}
	return deps, func() {
		if cache != nil {
			cache.Close()
		}
		if db != nil {
			db.Close()
		}
	}, nil
}
