package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/billing"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/database"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/jobs"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/logging"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/plans"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/routes"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/services"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Structured logging (JSON to stdout)
	stdout := logging.Setup(os.Getenv("APP_ENV") == "development")

	store, err := config.NewStore(getEnv("ENV_FILE", ".env"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	cfg := store.Current()

	if cfg.DBPassword == "" {
		slog.Error("DB_PASSWORD environment variable is required")
		os.Exit(1)
	}
	if cfg.ProxyHeader != "" && len(cfg.TrustedProxies) == 0 {
		slog.Warn("PROXY_HEADER is set but TRUSTED_PROXIES is empty; the header will be ignored")
	}
	if cfg.TestMode && cfg.AdminToken == "" {
		slog.Warn("TEST_MODE is on but ADMIN_TOKEN is empty; mock webhooks will be refused")
	}

	// Plan catalogue
	catalogue := plans.Default()
	if cfg.PlansConfigPath != "" {
		catalogue, err = plans.LoadFromFile(cfg.PlansConfigPath)
		if err != nil {
			slog.Error("failed to load plans", "path", cfg.PlansConfigPath, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("plans loaded", "plans", catalogue.IDs())

	providers := billing.DefaultRegistry()
	if _, err := providers.Resolve(cfg); err != nil {
		slog.Warn("configured billing provider is not available", "provider", cfg.ProviderName, "available", providers.Names())
	}

	// Database
	db, err := database.Connect(cfg)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// PostgreSQL log handler (ERROR+ async batch)
	pgLogHandler := logging.NewPGHandler(db, 5*time.Second)
	slog.SetDefault(slog.New(logging.NewMultiHandler(stdout, pgLogHandler)))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBilling(registry)

	// Services
	uow := database.NewUnitOfWork(db)
	subscriptionService := services.NewSubscriptionService(uow, store, providers, catalogue, services.WithMetrics(billingMetrics))
	sweeper := services.NewSweeper(uow, store, services.WithMetrics(billingMetrics))

	// Scheduled jobs
	scheduler := jobs.New(10 * time.Minute)
	if err := scheduler.Add(cfg.SweepSchedule(), sweeper); err != nil {
		slog.Error("failed to schedule sweeper", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Add("30 4 * * *", logging.NewRetentionJob(db, 30*24*time.Hour)); err != nil {
		slog.Error("failed to schedule log retention", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	// Config hot reload: env file writes and SIGHUP
	watcher, err := config.NewWatcher(store)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else if err := watcher.Start(); err != nil {
		slog.Warn("config watcher failed to start", "error", err)
		watcher = nil
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if _, err := store.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		}
	}()

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.AppEnv,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Fiber app
	app := fiber.New(routes.AppConfig(cfg, customErrorHandler))

	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${locals:requestid}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		return c.Next()
	})

	routes.Setup(app, cfg, routes.Handlers{
		Health:       handlers.NewHealthHandler(db, store),
		Subscription: handlers.NewSubscriptionHandler(subscriptionService),
		Webhook:      handlers.NewWebhookHandler(subscriptionService),
	}, registry)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port, "provider", cfg.ProviderName, "test_mode", cfg.TestMode)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	scheduler.Stop(ctx)
	cancel()

	signal.Stop(hup)
	if watcher != nil {
		watcher.Stop()
	}
	pgLogHandler.Stop()
	sentry.Flush(2 * time.Second)

	if err := database.Close(db); err != nil {
		slog.Error("database close error", "error", err)
	}

	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		message = "Internal server error"
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
