package middleware

import (
	"fmt"
	"strings"
	"time"

	"calsync/pkg/apperr"
	"calsync/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	LocalUserID    = "user_id"
	LocalRequestID = "request_id"

	// DevUserHeader names the caller when no JWT secret is configured in development.
	DevUserHeader = "X-User-ID"
)

// AuthConfig configures JWTAuth.
type AuthConfig struct {
	Secret string
	// AllowDevHeader accepts X-User-ID instead of a token when Secret is empty.
	AllowDevHeader bool
	// Now is used for exp and iat checks; defaults to time.Now.
	Now func() time.Time
}

// JWTAuth validates HS256 bearer tokens and stores the "sub" claim as the caller's user id.
func JWTAuth(cfg AuthConfig) fiber.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(c *fiber.Ctx) error {
		// Skip auth for CORS preflight requests
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		if cfg.Secret == "" {
			if cfg.AllowDevHeader {
				if userID := strings.TrimSpace(c.Get(DevUserHeader)); userID != "" {
					c.Locals(LocalUserID, userID)
					return c.Next()
				}
			}
			return apperr.Unauthorized("missing authorization")
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		}, jwt.WithTimeFunc(now), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil || !token.Valid {
			logger.WithError(err).Warn("[JWTAuth] token rejected")
			return apperr.InvalidToken("invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return apperr.InvalidToken("invalid claims")
		}

		// Reject tokens issued too far in the future; allow 1 minute clock skew.
		if iat, ok := claims["iat"].(float64); ok {
			if time.Unix(int64(iat), 0).After(now().Add(time.Minute)) {
				return apperr.InvalidToken("token issued in the future")
			}
		}

		userID, _ := claims["sub"].(string)
		if strings.TrimSpace(userID) == "" {
			return apperr.InvalidToken("missing user id in token")
		}

		c.Locals(LocalUserID, userID)
		return c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// UserID returns the authenticated caller, or "" outside JWTAuth.
func UserID(c *fiber.Ctx) string {
	userID, _ := c.Locals(LocalUserID).(string)
	return userID
}
