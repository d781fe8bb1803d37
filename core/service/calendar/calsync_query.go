package calendar

import (
	"context"
	"fmt"
	"sort"
	"time"

	"calsync/core/domain"
	"calsync/core/port/in"
	"calsync/core/port/out"
	"calsync/pkg/logger"
	"calsync/pkg/resilience"
)

// EventService is the read path. It serves the best data it has: a cache hit,
// a fresh reconcile, or the durable fallback when the upstream is failing.
type EventService struct {
	sources        out.SourceRepository
	credentials    out.CredentialStore
	events         out.EventStore
	reconciler     *Reconciler
	cache          *CacheStore
	orchestrator   *resilience.Orchestrator
	refreshTimeout time.Duration
}

func NewEventService(
	sources out.SourceRepository,
	credentials out.CredentialStore,
	events out.EventStore,
	reconciler *Reconciler,
	cache *CacheStore,
	orchestrator *resilience.Orchestrator,
	refreshTimeout time.Duration,
) *EventService {
	return &EventService{
		sources:        sources,
		credentials:    credentials,
		events:         events,
		reconciler:     reconciler,
		cache:          cache,
		orchestrator:   orchestrator,
		refreshTimeout: refreshTimeout,
	}
}

var _ in.EventQueryUseCase = (*EventService)(nil)

func (s *EventService) Events(ctx context.Context, req *in.EventsRequest) (*domain.EventsView, error) {
	if req.UserID == "" {
		return nil, domain.ErrMissingUserID
	}
	if err := req.Range.Validate(); err != nil {
		return nil, err
	}

	if req.Since != nil {
		events, changed, err := s.cache.GetDelta(ctx, req.UserID, req.Range, *req.Since)
		if err != nil {
			return nil, err
		}
		sortEvents(events)
		return &domain.EventsView{Events: events, Delta: true, Changed: changed}, nil
	}

	sources, err := s.sources.ListSources(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	if len(sources) == 0 {
		events, err := s.cache.GetDurable(ctx, req.UserID, req.Range)
		if err != nil {
			return nil, err
		}
		sortEvents(events)
		return &domain.EventsView{Events: events}, nil
	}

	view := &domain.EventsView{Events: []*domain.CalendarEvent{}}
	var failed []domain.ProviderSource
	for _, src := range sources {
		src.UserID = req.UserID
		key := domain.CacheKey{UserID: req.UserID, Provider: src.Provider, CalendarID: src.CalendarID, Range: req.Range}

		events, hit, err := s.cache.Lookup(ctx, key)
		if err != nil {
			logger.WithError(err).Warn("[EventService.Events] cache lookup failed for %s", src.ID)
		}
		if hit {
			view.Events = append(view.Events, events...)
			view.Sources = append(view.Sources, domain.SourceStatus{SourceID: src.ID, FromCache: true})
			continue
		}

		events, err = s.refresh(ctx, key, src)
		if err != nil {
			failed = append(failed, src)
			view.Sources = append(view.Sources, domain.SourceStatus{SourceID: src.ID, Fallback: true, Error: err.Error()})
			view.Warnings = append(view.Warnings, fmt.Sprintf("source %s: serving stored events: %v", src.ID, err))
			continue
		}
		view.Events = append(view.Events, events...)
		view.Sources = append(view.Sources, domain.SourceStatus{SourceID: src.ID})
	}

	if len(failed) > 0 {
		durable, err := s.cache.GetDurable(ctx, req.UserID, req.Range)
		if err != nil {
			if len(failed) == len(sources) {
				return nil, fmt.Errorf("no data available: %w", err)
			}
			view.Warnings = append(view.Warnings, fmt.Sprintf("durable fallback failed: %v", err))
		} else {
			view.Events = append(view.Events, fromSources(durable, failed)...)
		}
	}

	sortEvents(view.Events)
	return view, nil
}

func (s *EventService) Invalidate(ctx context.Context, userID string, rng *domain.DateRange) (int, error) {
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return 0, err
		}
	}
	return s.cache.Invalidate(userID, rng)
}

// refresh reconciles one source for the requested range and repopulates the cache.
func (s *EventService) refresh(ctx context.Context, key domain.CacheKey, src domain.ProviderSource) ([]*domain.CalendarEvent, error) {
	return resilience.Do(ctx, s.orchestrator, "refresh|"+key.String(), func(ctx context.Context) ([]*domain.CalendarEvent, error) {
		cred, err := s.credentials.Credential(ctx, key.UserID, src.ID)
		if err != nil {
			return nil, resilience.Permanent(err)
		}
		if _, err := s.reconciler.Reconcile(ctx, &ReconcileRequest{
			UserID:     key.UserID,
			Source:     src,
			Credential: cred,
			Range:      key.Range,
		}); err != nil {
			return nil, resilience.Permanent(err)
		}

		events, err := s.events.QueryByRange(ctx, &out.EventQuery{
			UserID:     key.UserID,
			Provider:   src.Provider,
			CalendarID: src.CalendarID,
			Range:      key.Range,
		})
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("failed to read reconciled events: %w", err))
		}
		events = scopeToUser(key.UserID, events)

		if err := s.cache.Put(ctx, key, events); err != nil {
			logger.WithError(err).Warn("[EventService.refresh] cache write failed for %s, serving uncached", src.ID)
		}
		return events, nil
	}, resilience.WithoutRetry(), resilience.WithTimeout(s.refreshTimeout))
}

func fromSources(events []*domain.CalendarEvent, sources []domain.ProviderSource) []*domain.CalendarEvent {
	type scope struct {
		provider domain.Provider
		calendar string
	}
	want := make(map[scope]bool, len(sources))
	for _, src := range sources {
		want[scope{src.Provider, src.CalendarID}] = true
	}
	var picked []*domain.CalendarEvent
	for _, ev := range events {
		if want[scope{ev.Provider, ev.SourceCalendarID}] {
			picked = append(picked, ev)
		}
	}
	return picked
}

func sortEvents(events []*domain.CalendarEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Time.Equal(events[j].Start.Time) {
			return events[i].Start.Time.Before(events[j].Start.Time)
		}
		return events[i].ID < events[j].ID
	})
}
