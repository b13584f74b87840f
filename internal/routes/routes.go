package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletcore/internal/config"
	"github.com/congo-pay/walletcore/internal/funding"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/metrics"
	"github.com/congo-pay/walletcore/internal/middleware"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/payments"
	"github.com/congo-pay/walletcore/internal/vault"
	"github.com/congo-pay/walletcore/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Services holds the wired domain services.
type Services struct {
	Wallets  *wallet.Service
	Sessions *payments.Manager
	Vault    *vault.Service
}

// NewServices picks Postgres and Redis backends when they are configured and
// in-memory ones otherwise.
func NewServices(d Deps) (*Services, error) {
	if !d.Cfg.Development() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	var (
		store   ledger.Store
		methods vault.Repository
	)
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		methods = vault.NewPostgresRepository(d.DB)
	} else {
		store = ledger.NewInMemory()
		methods = vault.NewMemoryRepository()
	}

	var sessions payments.Store
	if d.Cache != nil {
		sessions = payments.NewRedisStore(d.Cache, d.Cfg.SessionRetain)
	} else {
		sessions = payments.NewMemoryStore()
	}

	var acquirer funding.Acquirer = &funding.StaticAcquirer{}
	if d.Cfg.AcquirerURL != "" {
		acquirer = funding.NewHTTPAcquirer(d.Cfg.AcquirerURL, d.Cfg.PortTimeout, d.Logger)
	}

	notifier := notification.NewLoggerNotifier(d.Logger)
	vaultSvc := vault.NewService(methods, vault.NewLocalTokenizer(d.Cfg.FingerprintKey), d.Logger)
	walletSvc := wallet.NewService(store, vaultSvc, acquirer,
		wallet.WithLogger(d.Logger),
		wallet.WithNotifier(notifier),
		wallet.WithDefaultCurrency(d.Cfg.DefaultCurrency),
		wallet.WithMaxAttempts(d.Cfg.LedgerAttempts),
		wallet.WithPortTimeout(d.Cfg.PortTimeout),
	)

	provider := payments.NewAcquirerProvider(acquirer)
	manager := payments.NewManager(sessions, walletSvc, map[payments.ProviderKind]payments.Provider{
		payments.ProviderApplePay:  provider,
		payments.ProviderGooglePay: provider,
	},
		payments.WithLogger(d.Logger),
		payments.WithNotifier(notifier),
		payments.WithTTL(d.Cfg.SessionTTL),
		payments.WithRetention(d.Cfg.SessionRetain),
		payments.WithPortTimeout(d.Cfg.PortTimeout),
	)

	return &Services{Wallets: walletSvc, Sessions: manager, Vault: vaultSvc}, nil
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, svc *Services) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	if d.Cache != nil {
		api.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterWalletRoutes(api, wallet.NewHandler(svc.Wallets))
	RegisterPaymentRoutes(api, payments.NewHandler(svc.Sessions))
}
