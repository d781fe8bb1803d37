package bootstrap

import (
	"strings"

	"calsync/adapter/in/http"
	"calsync/infra/middleware"
	"calsync/pkg/logger"
	"calsync/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func NewAPI(deps *Dependencies) (*fiber.App, func()) {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json for all request and response bodies
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// Flow webhooks can carry large exports
		BodyLimit: 10 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.RequestID())       // 1. Request ID
	app.Use(middleware.RequestLogger())   // 2. Request logging
	app.Use(middleware.Recover())         // 3. Panic recovery
	app.Use(middleware.SecurityHeaders()) // 4. Security headers
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowOrigins == "*" && cfg.IsProduction() {
		allowOrigins = ""
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowOrigins,
		AllowMethods:  "GET,POST,DELETE,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,X-Request-ID," + http.ProviderTokenHeader,
		ExposeHeaders: "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		MaxAge:        86400,
	}))

	// Health and metrics (no auth required)
	http.NewHealthHandler(deps.DB, deps.Redis, deps.Cache.Stats).Register(app)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// User API
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	api := app.Group("/api/v1", middleware.JWTAuth(middleware.AuthConfig{
		Secret:         cfg.JWTSecret,
		AllowDevHeader: cfg.IsDevelopment(),
	}), rateLimiter.Handler())
	http.NewCalendarHandler(deps.SyncService, deps.EventService).Register(api)

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		logger.Warn("JWT_SECRET not set, accepting %s header on /api/v1", middleware.DevUserHeader)
	}

	// Machine routes share one secret
	hooks := http.NewWebhookHandler(deps.FlowService, deps.Scheduler, http.DueSyncDefaults{
		StaleThreshold: cfg.SyncStaleThreshold,
		BatchSize:      cfg.SyncBatchSize,
	})
	hooks.RegisterFlow(app.Group("/webhooks", middleware.SharedSecret(cfg.WebhookSecret)))
	hooks.RegisterDueSync(app.Group("/internal", middleware.SharedSecret(cfg.WebhookSecret)))

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET not set, /webhooks and /internal are closed")
	}

	return app, rateLimiter.Close
}
