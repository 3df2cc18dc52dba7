package routes

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/config"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/healthbot-billing/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AppConfig builds the Fiber settings shared by the server and its tests.
// The proxy header is only believed when the peer is a trusted proxy, so
// c.IP() cannot be forged by clients that reach the service directly.
func AppConfig(cfg *config.Config, errorHandler fiber.ErrorHandler) fiber.Config {
	return fiber.Config{
		BodyLimit:               1 * 1024 * 1024,
		ErrorHandler:            errorHandler,
		ProxyHeader:             cfg.ProxyHeader,
		EnableTrustedProxyCheck: true,
		TrustedProxies:          cfg.TrustedProxies,
	}
}

type Handlers struct {
	Health       *handlers.HealthHandler
	Subscription *handlers.SubscriptionHandler
	Webhook      *handlers.WebhookHandler
}

// Setup mounts the billing API. cfg is the startup snapshot: the admin route
// only exists when the process started in test mode.
func Setup(app *fiber.App, cfg *config.Config, h Handlers, gatherer prometheus.Gatherer) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api")
	api.Get("/health", h.Health.Check)

	billing := api.Group("/billing")

	// Provider webhooks get their own budget so client traffic cannot starve them.
	billing.Post("/webhook", limiter.New(limiter.Config{
		Max:               300,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}), h.Webhook.Handle)

	// Client routes: 60 req/min per IP, optional service JWT. Applied per
	// route so the webhook and admin routes stay outside it.
	clientLimit := limiter.New(limiter.Config{
		Max:               60,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	})
	auth := middleware.ServiceAuth(cfg.ServiceJWTSecret)
	billing.Post("/trial", clientLimit, auth, h.Subscription.StartTrial)
	billing.Post("/subscribe", clientLimit, auth, h.Subscription.Subscribe)
	billing.Post("/cancel", clientLimit, auth, h.Subscription.Cancel)
	billing.Get("/status", clientLimit, auth, h.Subscription.Status)

	if cfg.TestMode {
		billing.Post("/admin/mock_webhook", h.Webhook.MockWebhook)
	}
}
