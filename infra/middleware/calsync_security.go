package middleware

import (
	"crypto/subtle"

	"calsync/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

const WebhookSecretHeader = "X-Webhook-Secret"

// SecurityHeaders adds security headers to all responses
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		return c.Next()
	}
}

// SharedSecret guards machine-to-machine routes. An empty secret closes the route.
func SharedSecret(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return apperr.Forbidden("shared secret not configured")
		}
		got := c.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return apperr.Unauthorized("invalid webhook secret")
		}
		return c.Next()
	}
}
