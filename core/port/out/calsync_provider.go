// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"fmt"

	"calsync/core/domain"
)

// =============================================================================
// Provider fetch port (oauth-calendar, ical-feed, automation-flow)
// =============================================================================

// FetchRequest is everything a fetcher needs for one source and window.
type FetchRequest struct {
	Source     domain.ProviderSource
	Credential domain.Credential
	Range      domain.DateRange
}

// EventFetcher returns raw provider rows for a window. One implementation
// exists per provider kind (and per vendor for oauth-calendar).
type EventFetcher interface {
	Provider() domain.Provider
	FetchEvents(ctx context.Context, req *FetchRequest) ([]domain.RawEvent, error)
}

// FetcherRegistry selects the fetcher for a source.
type FetcherRegistry interface {
	FetcherFor(source domain.ProviderSource) (EventFetcher, error)
}

// =============================================================================
// Provider errors
// =============================================================================

type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrCircuitOpen  ProviderErrorCode = "circuit_open"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable is consulted by the fetch orchestrator.
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsAuthError reports whether err is a credential problem that retrying cannot fix.
func IsAuthError(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == ProviderErrAuth || pe.Code == ProviderErrTokenExpired
}
