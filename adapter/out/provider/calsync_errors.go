package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"calsync/core/port/out"

	"google.golang.org/api/googleapi"
)

// classifyStatus maps an upstream HTTP status to a ProviderError.
// 5xx, 429 and 408 are transient; other 4xx are not.
func classifyStatus(provider string, status int, detail string) *out.ProviderError {
	msg := fmt.Sprintf("upstream returned %d", status)
	if detail != "" {
		msg += ": " + detail
	}
	switch {
	case status == http.StatusUnauthorized:
		return out.NewProviderError(provider, out.ProviderErrTokenExpired, msg, nil, false)
	case status == http.StatusForbidden:
		return out.NewProviderError(provider, out.ProviderErrAuth, msg, nil, false)
	case status == http.StatusNotFound || status == http.StatusGone:
		return out.NewProviderError(provider, out.ProviderErrNotFound, msg, nil, false)
	case status == http.StatusTooManyRequests:
		return out.NewProviderError(provider, out.ProviderErrRateLimit, msg, nil, true)
	case status == http.StatusRequestTimeout:
		return out.NewProviderError(provider, out.ProviderErrNetwork, msg, nil, true)
	case status >= 500:
		return out.NewProviderError(provider, out.ProviderErrServer, msg, nil, true)
	default:
		return out.NewProviderError(provider, out.ProviderErrInvalidInput, msg, nil, false)
	}
}

// classifyError turns a transport or client-library error into a ProviderError.
// Context cancellation passes through untouched.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		perr := classifyStatus(provider, gerr.Code, gerr.Message)
		// Google reports quota exhaustion as 403.
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				perr = out.NewProviderError(provider, out.ProviderErrRateLimit, gerr.Message, nil, true)
			}
		}
		perr.Err = err
		return perr
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return out.NewProviderError(provider, out.ProviderErrNetwork, "network failure", err, true)
	}
	return out.NewProviderError(provider, out.ProviderErrNetwork, "request failed", err, true)
}
