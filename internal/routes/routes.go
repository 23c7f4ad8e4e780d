package routes

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/idempotency"
	"github.com/spendgate/spendgate/internal/ledger"
	"github.com/spendgate/spendgate/internal/middleware"
	"github.com/spendgate/spendgate/internal/notification"
	"github.com/spendgate/spendgate/internal/policy"
	"github.com/spendgate/spendgate/internal/transfer"
	"github.com/spendgate/spendgate/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Backend transfer.Backend
	Logger  *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// In-memory substitutes are a dev-mode convenience only.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	loc, err := d.Cfg.PeriodLocation()
	if err != nil {
		return err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	var spendLedger ledger.Ledger
	var policyStore policy.Store
	var cache idempotency.Store
	var walletRepo wallet.Repository
	if d.DB != nil {
		spendLedger = ledger.NewPostgresLedger(d.DB)
		policyStore = policy.NewPostgresStore(d.DB)
		cache = idempotency.NewPostgresStore(d.DB)
		walletRepo = wallet.NewPostgresRepository(d.DB)
	} else {
		spendLedger = ledger.NewInMemory()
		policyStore = policy.NewMemoryStore()
		cache = idempotency.NewMemoryStore()
		walletRepo = wallet.NewMemoryRepository()
	}

	var reservation idempotency.Reservation
	if d.Cache != nil {
		reservation = idempotency.NewRedisReservation(d.Cache)
	} else {
		reservation = idempotency.NewMemoryReservation()
	}

	backend := d.Backend
	if backend == nil {
		backend = transfer.StaticBackend{}
	}

	walletSvc := wallet.NewService(walletRepo)
	policySvc := policy.NewService(policyStore, spendLedger, ledger.SystemClock(), loc, d.Logger)
	notifier := notification.NewLoggerNotifier(d.Logger)

	transferSvc, err := transfer.NewService(transfer.Options{
		Cache:            cache,
		Reservation:      reservation,
		Policies:         policySvc,
		Ledger:           spendLedger,
		Wallets:          walletSvc,
		Backend:          backend,
		Notifier:         notifier,
		Location:         loc,
		Logger:           d.Logger,
		ReservationTTL:   d.Cfg.ReservationTTL,
		SubmitTimeout:    d.Cfg.SubmitTimeout,
		CommitRetries:    d.Cfg.CommitRetries,
		CommitRetryDelay: d.Cfg.CommitRetryDelay,
	})
	if err != nil {
		return err
	}

	walletHandler := wallet.NewHandler(walletSvc)
	policyHandler := policy.NewHandler(policySvc)
	transferHandler := transfer.NewHandler(transferSvc, spendLedger)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler)
	RegisterPolicyRoutes(api, policyHandler)
	RegisterTransferRoutes(api, transferHandler)

	return nil
}
