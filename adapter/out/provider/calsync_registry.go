// Package provider implements the calendar fetchers and their registry.
package provider

import (
	"context"
	"errors"
	"fmt"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/resilience"
)

// =============================================================================
// Registry
// =============================================================================

// Registry selects a fetcher by provider kind, and by vendor for
// oauth-calendar. Every fetch runs behind a per-upstream circuit breaker.
type Registry struct {
	fetchers map[string]out.EventFetcher
	breakers *resilience.BreakerSet
}

// RegistryConfig holds the fetchers to register. Nil entries are skipped.
type RegistryConfig struct {
	Google *GoogleCalendarFetcher
	Graph  *GraphCalendarFetcher
	ICal   *ICalFeedFetcher
	Flow   *FlowFetcher
}

func NewRegistry(cfg *RegistryConfig, breakers *resilience.BreakerSet) *Registry {
	if breakers == nil {
		breakers = resilience.NewBreakerSet()
	}
	r := &Registry{fetchers: make(map[string]out.EventFetcher), breakers: breakers}
	if cfg.Google != nil {
		r.fetchers[registryKey(domain.ProviderOAuthCalendar, domain.VendorGoogle)] = cfg.Google
	}
	if cfg.Graph != nil {
		r.fetchers[registryKey(domain.ProviderOAuthCalendar, domain.VendorMicrosoft)] = cfg.Graph
	}
	if cfg.ICal != nil {
		r.fetchers[registryKey(domain.ProviderICalFeed, "")] = cfg.ICal
	}
	if cfg.Flow != nil {
		r.fetchers[registryKey(domain.ProviderAutomationFlow, "")] = cfg.Flow
	}
	return r
}

var _ out.FetcherRegistry = (*Registry)(nil)

func registryKey(p domain.Provider, vendor string) string {
	if p != domain.ProviderOAuthCalendar {
		return string(p)
	}
	return string(p) + "/" + vendor
}

func (r *Registry) FetcherFor(src domain.ProviderSource) (out.EventFetcher, error) {
	key := registryKey(src.Provider, src.Vendor)
	f, ok := r.fetchers[key]
	if !ok {
		return nil, out.NewProviderError(string(src.Provider), out.ProviderErrInvalidInput,
			fmt.Sprintf("no fetcher registered for %s", key), nil, false)
	}
	return &guardedFetcher{name: key, fetcher: f, breakers: r.breakers}, nil
}

// guardedFetcher runs the wrapped fetcher behind the named breaker.
type guardedFetcher struct {
	name     string
	fetcher  out.EventFetcher
	breakers *resilience.BreakerSet
}

func (g *guardedFetcher) Provider() domain.Provider {
	return g.fetcher.Provider()
}

func (g *guardedFetcher) FetchEvents(ctx context.Context, req *out.FetchRequest) ([]domain.RawEvent, error) {
	v, err := g.breakers.Execute(g.name, func() (any, error) {
		return g.fetcher.FetchEvents(ctx, req)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, out.NewProviderError(g.name, out.ProviderErrCircuitOpen, "upstream temporarily disabled", err, false)
		}
		return nil, err
	}
	events, _ := v.([]domain.RawEvent)
	return events, nil
}
