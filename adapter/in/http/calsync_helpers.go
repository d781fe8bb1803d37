// Package http exposes the calendar sync use cases over Fiber.
package http

import (
	"context"
	"errors"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/infra/middleware"
	"calsync/pkg/apperr"
	"calsync/pkg/resilience"

	"github.com/gofiber/fiber/v2"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// APIError represents a standard API error
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// SuccessResponse sends a standardized JSON success response
func SuccessResponse(c *fiber.Ctx, data any) error {
	requestID, _ := c.Locals(middleware.LocalRequestID).(string)
	return c.JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// GetUserID returns the authenticated caller or an unauthorized error.
func GetUserID(c *fiber.Ctx) (string, error) {
	userID := middleware.UserID(c)
	if userID == "" {
		return "", apperr.Unauthorized("")
	}
	return userID, nil
}

// toAppError maps service errors onto transport errors. The central error
// handler renders the result.
func toAppError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var pe *out.ProviderError
	switch {
	case errors.Is(err, domain.ErrMissingUserID):
		return apperr.MissingField("user_id").WithError(err)
	case errors.Is(err, domain.ErrUserMismatch):
		return apperr.UserMismatch().WithError(err)
	case errors.Is(err, domain.ErrInvalidRange):
		return apperr.BadRequest(err.Error()).WithError(err)
	case errors.Is(err, domain.ErrSourceNotFound):
		return apperr.NotFound("provider source").WithError(err)
	case errors.Is(err, domain.ErrMalformedEvent):
		return apperr.BadRequest(err.Error()).WithError(err)
	case out.IsAuthError(err):
		errors.As(err, &pe)
		return apperr.ProviderAuth(pe.Provider, err)
	case errors.As(err, &pe):
		return apperr.ProviderUnavailable(pe.Provider, err)
	case errors.Is(err, resilience.ErrAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout("provider fetch").WithError(err)
	default:
		return apperr.InternalWithError(err)
	}
}

// parseTime accepts RFC3339 or a bare date, which means midnight UTC.
func parseTime(field, value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Time{}, apperr.InvalidInput(field, "expected RFC3339 or YYYY-MM-DD")
}

// parseRange reads start and end query params. With required false, both
// may be absent, giving nil.
func parseRange(c *fiber.Ctx, required bool) (*domain.DateRange, error) {
	startStr, endStr := c.Query("start"), c.Query("end")
	if startStr == "" && endStr == "" && !required {
		return nil, nil
	}
	if startStr == "" {
		return nil, apperr.MissingField("start")
	}
	if endStr == "" {
		return nil, apperr.MissingField("end")
	}

	start, err := parseTime("start", startStr)
	if err != nil {
		return nil, err
	}
	end, err := parseTime("end", endStr)
	if err != nil {
		return nil, err
	}
	rng := domain.DateRange{Start: start, End: end}
	if err := rng.Validate(); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}
	return &rng, nil
}
