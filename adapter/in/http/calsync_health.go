package http

import (
	"context"
	"time"

	"calsync/core/service/common"
	"calsync/infra/database"
	"calsync/pkg/httputil"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type HealthHandler struct {
	db         *sqlx.DB
	redis      *redis.Client
	cacheStats func() common.L1Stats
}

// NewHealthHandler takes optional dependencies; nil ones report "not configured".
func NewHealthHandler(db *sqlx.DB, redis *redis.Client, cacheStats func() common.L1Stats) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, cacheStats: cacheStats}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "not configured"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	pools := fiber.Map{"http_clients": httputil.GetAllPoolStats()}
	if h.db != nil {
		pools["database"] = database.GetPoolStats(h.db)
	}
	if h.redis != nil {
		pools["redis"] = database.GetRedisStats(h.redis)
	}

	resp := fiber.Map{
		"status":    "ready",
		"checks":    checks,
		"pools":     pools,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.cacheStats != nil {
		resp["cache"] = h.cacheStats()
	}

	statusCode := fiber.StatusOK
	if !allHealthy {
		resp["status"] = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}
	return c.Status(statusCode).JSON(resp)
}
