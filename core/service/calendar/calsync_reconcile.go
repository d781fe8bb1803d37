package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/logger"
	"calsync/pkg/metrics"
	"calsync/pkg/resilience"
)

// ReconcileRequest names one (user, provider, source) triple and the window
// it is reconciled over. Durable rows outside Range are never touched.
type ReconcileRequest struct {
	UserID     string
	Source     domain.ProviderSource
	Credential domain.Credential
	Range      domain.DateRange
}

// Reconciler diffs fetched provider events against the durable store.
type Reconciler struct {
	fetchers     out.FetcherRegistry
	events       out.EventStore
	syncStates   out.SyncStateRepository
	expander     *RecurrenceExpander
	orchestrator *resilience.Orchestrator
	now          func() time.Time
}

func NewReconciler(
	fetchers out.FetcherRegistry,
	events out.EventStore,
	syncStates out.SyncStateRepository,
	expander *RecurrenceExpander,
	orchestrator *resilience.Orchestrator,
) *Reconciler {
	return &Reconciler{
		fetchers:     fetchers,
		events:       events,
		syncStates:   syncStates,
		expander:     expander,
		orchestrator: orchestrator,
		now:          time.Now,
	}
}

// Reconcile runs fetch, diff and persist in order. A failed fetch returns a
// result with processed=0 and the error, and leaves the store untouched.
// Per-event failures are collected and never abort the batch.
func (r *Reconciler) Reconcile(ctx context.Context, req *ReconcileRequest) (*domain.SyncResult, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	src := req.Source
	provider := string(src.Provider)
	log := logger.WithFields(map[string]any{
		"user_id":  req.UserID,
		"provider": provider,
		"source":   src.ID,
	})
	result := domain.NewSyncResult()
	started := r.now()

	// 1. Fetch raw events
	raw, err := r.fetch(ctx, req)
	if err != nil {
		result.AddError("fetch failed: %v", err)
		r.recordState(ctx, req, started, err)
		metrics.ReconcileRuns.WithLabelValues(provider, "fetch_failed").Inc()
		log.WithError(err).Warn("[Reconciler.Reconcile] fetch failed, store left untouched")
		return result, fmt.Errorf("failed to fetch %s events: %w", provider, err)
	}

	// 2. Expand recurrence
	scope := Scope{UserID: req.UserID, Provider: src.Provider, CalendarID: src.CalendarID}
	expanded := inWindow(r.expander.Expand(scope, raw, req.Range), req.Range)

	// 3. Load existing rows inside the same window, selected by the same rule
	existing, err := r.events.QueryByRange(ctx, &out.EventQuery{
		UserID:         req.UserID,
		Provider:       src.Provider,
		CalendarID:     src.CalendarID,
		Range:          req.Range,
		IncludeDeleted: true,
		Window:         true,
	})
	if err != nil {
		result.AddError("load existing events: %v", err)
		r.recordState(ctx, req, started, err)
		metrics.ReconcileRuns.WithLabelValues(provider, "store_failed").Inc()
		return result, fmt.Errorf("failed to load existing events: %w", err)
	}
	byNative := make(map[string]*domain.CalendarEvent, len(existing))
	for _, ev := range existing {
		if ev.UserID != req.UserID {
			return result, fmt.Errorf("store returned a row of another user: %w", domain.ErrUserMismatch)
		}
		byNative[ev.NativeID] = ev
	}

	// 4. Create or update
	seen := make(map[string]bool, len(expanded))
	for i := range expanded {
		ev := &expanded[i]
		result.Processed++
		if ev.NativeID != "" {
			seen[ev.NativeID] = true
		}

		op, err := r.apply(ctx, req, ev, byNative[ev.NativeID])
		if err != nil {
			result.AddError("event %s: %v", describe(ev), err)
			metrics.ReconcileEvents.WithLabelValues(provider, "error").Inc()
			log.WithError(err).Warn("[Reconciler.Reconcile] event %s skipped", describe(ev))
			continue
		}
		switch op {
		case opCreated:
			result.Created++
		case opUpdated:
			result.Updated++
		}
		if op != opUnchanged {
			metrics.ReconcileEvents.WithLabelValues(provider, string(op)).Inc()
		}
	}

	// 5. Soft-delete rows missing from this fetch
	var gone []string
	for nativeID, ev := range byNative {
		if !seen[nativeID] && ev.SyncStatus != domain.SyncStatusDeleted {
			gone = append(gone, ev.ID)
		}
	}
	if len(gone) > 0 {
		if err := r.events.MarkDeleted(ctx, req.UserID, gone, r.now()); err != nil {
			result.AddError("mark %d events deleted: %v", len(gone), err)
			log.WithError(err).Error("[Reconciler.Reconcile] soft delete failed")
		} else {
			result.Deleted = len(gone)
			metrics.ReconcileEvents.WithLabelValues(provider, "deleted").Add(float64(len(gone)))
		}
	}

	r.recordState(ctx, req, started, nil)
	metrics.ReconcileRuns.WithLabelValues(provider, "ok").Inc()
	log.WithDuration(r.now().Sub(started)).Info("[Reconciler.Reconcile] processed=%d created=%d updated=%d deleted=%d errors=%d",
		result.Processed, result.Created, result.Updated, result.Deleted, len(result.Errors))

	return result, nil
}

// inWindow keeps the rows the provider window selects. Feeds that ignore the
// requested range would otherwise upsert out-of-window rows that step 3 never
// loads. Broken rows stay so their errors are reported.
func inWindow(rows []ExpandedEvent, window domain.DateRange) []ExpandedEvent {
	kept := rows[:0]
	for _, ev := range rows {
		if ev.Err != nil || ev.Start.IsZero() || ev.InWindow(window) {
			kept = append(kept, ev)
		}
	}
	return kept
}

func (r *Reconciler) validate(req *ReconcileRequest) error {
	if req == nil {
		return fmt.Errorf("reconcile request is required")
	}
	if req.UserID == "" {
		return domain.ErrMissingUserID
	}
	if req.Source.UserID != "" && req.Source.UserID != req.UserID {
		return domain.ErrUserMismatch
	}
	if req.Source.CalendarID == "" {
		return fmt.Errorf("source %s has no calendar id", req.Source.ID)
	}
	return req.Range.Validate()
}

func (r *Reconciler) fetch(ctx context.Context, req *ReconcileRequest) ([]domain.RawEvent, error) {
	fetcher, err := r.fetchers.FetcherFor(req.Source)
	if err != nil {
		return nil, err
	}

	key := strings.Join([]string{
		"fetch",
		domain.CacheKey{UserID: req.UserID, Provider: req.Source.Provider, CalendarID: req.Source.CalendarID, Range: req.Range}.String(),
	}, "|")

	return resilience.Do(ctx, r.orchestrator, key, func(ctx context.Context) ([]domain.RawEvent, error) {
		start := time.Now()
		defer metrics.ObserveFetch(string(req.Source.Provider), start)
		return fetcher.FetchEvents(ctx, &out.FetchRequest{
			Source:     req.Source,
			Credential: req.Credential,
			Range:      req.Range,
		})
	})
}

type applyOp string

const (
	opCreated   applyOp = "created"
	opUpdated   applyOp = "updated"
	opUnchanged applyOp = "unchanged"
)

func (r *Reconciler) apply(ctx context.Context, req *ReconcileRequest, ev *ExpandedEvent, current *domain.CalendarEvent) (op applyOp, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while reconciling: %v", p)
		}
	}()

	if ev.Err != nil {
		return "", ev.Err
	}
	if err := checkRaw(&ev.RawEvent); err != nil {
		return "", err
	}

	next := &domain.CalendarEvent{
		ID:               domain.Identify(req.Source.Provider, req.Source.CalendarID, ev.NativeID, req.UserID),
		UserID:           req.UserID,
		Provider:         req.Source.Provider,
		SourceCalendarID: req.Source.CalendarID,
		NativeID:         ev.NativeID,
		Summary:          ev.Summary,
		Description:      ev.Description,
		Location:         ev.Location,
		Start:            ev.Start.Normalized(),
		Recurrence:       ev.Recurrence,
		SyncStatus:       domain.SyncStatusSynced,
	}

	if ev.End != nil {
		end := ev.End.Normalized()
		next.End = &end
	}

	if current != nil && current.SameContent(next) {
		return opUnchanged, nil
	}

	next.LastUpdated = r.now()
	if err := r.events.UpsertEvent(ctx, next); err != nil {
		return "", fmt.Errorf("failed to upsert: %w", err)
	}
	if current == nil {
		return opCreated, nil
	}
	return opUpdated, nil
}

func (r *Reconciler) recordState(ctx context.Context, req *ReconcileRequest, at time.Time, fetchErr error) {
	if r.syncStates == nil {
		return
	}
	state := &domain.SyncState{
		UserID:      req.UserID,
		SourceID:    req.Source.ID,
		Provider:    req.Source.Provider,
		CalendarID:  req.Source.CalendarID,
		LastAttempt: at,
		Status:      domain.SyncStatusSynced,
	}
	if fetchErr != nil {
		state.Status = domain.SyncStatusError
		state.LastError = fetchErr.Error()
	} else {
		state.LastSuccess = &at
	}
	if err := r.syncStates.RecordAttempt(ctx, state); err != nil {
		logger.WithError(err).Warn("[Reconciler.recordState] user=%s source=%s", req.UserID, req.Source.ID)
	}
}

func checkRaw(ev *domain.RawEvent) error {
	if ev.NativeID == "" {
		return fmt.Errorf("%w: missing native id", domain.ErrMalformedEvent)
	}
	if ev.Start.IsZero() {
		return fmt.Errorf("%w: missing start", domain.ErrMalformedEvent)
	}
	if ev.End != nil && ev.End.Time.Before(ev.Start.Time) {
		return fmt.Errorf("%w: end before start", domain.ErrMalformedEvent)
	}
	return nil
}

func describe(ev *ExpandedEvent) string {
	if ev.NativeID != "" {
		return ev.NativeID
	}
	if ev.Summary != "" {
		return fmt.Sprintf("%q", ev.Summary)
	}
	return "<unidentified>"
}

// IsFetchFailure reports whether a reconcile error came from the upstream
// rather than from the durable store.
func IsFetchFailure(err error) bool {
	var pe *out.ProviderError
	return errors.As(err, &pe) || errors.Is(err, resilience.ErrAttemptTimeout) || errors.Is(err, resilience.ErrCircuitOpen)
}
