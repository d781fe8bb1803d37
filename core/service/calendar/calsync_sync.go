package calendar

import (
	"context"
	"fmt"
	"time"

	"calsync/core/domain"
	"calsync/core/port/in"
	"calsync/core/port/out"
	"calsync/pkg/logger"
	"calsync/pkg/resilience"
)

// DueSyncTrigger starts a background due-sync run if none is active.
type DueSyncTrigger interface {
	Trigger()
}

type SyncConfig struct {
	MinInterval    time.Duration
	WindowPast     time.Duration
	WindowFuture   time.Duration
	RefreshTimeout time.Duration
}

// SyncService runs manual syncs of one provider source.
type SyncService struct {
	sources      out.SourceRepository
	credentials  out.CredentialStore
	syncStates   out.SyncStateRepository
	reconciler   *Reconciler
	cache        *CacheStore
	orchestrator *resilience.Orchestrator
	trigger      DueSyncTrigger
	cfg          SyncConfig
	now          func() time.Time
}

func NewSyncService(
	sources out.SourceRepository,
	credentials out.CredentialStore,
	syncStates out.SyncStateRepository,
	reconciler *Reconciler,
	cache *CacheStore,
	orchestrator *resilience.Orchestrator,
	trigger DueSyncTrigger,
	cfg SyncConfig,
) *SyncService {
	return &SyncService{
		sources:      sources,
		credentials:  credentials,
		syncStates:   syncStates,
		reconciler:   reconciler,
		cache:        cache,
		orchestrator: orchestrator,
		trigger:      trigger,
		cfg:          cfg,
		now:          time.Now,
	}
}

var _ in.SyncUseCase = (*SyncService)(nil)

type syncOutcome struct {
	result *domain.SyncResult
	err    error
}

// Sync reconciles the source over its window. The returned result is non-nil
// even when the fetch failed, with the failure listed in its errors.
func (s *SyncService) Sync(ctx context.Context, req *in.SyncRequest) (*domain.SyncResult, error) {
	if req.UserID == "" {
		return nil, domain.ErrMissingUserID
	}
	if req.ProviderSourceID == "" {
		return nil, fmt.Errorf("%w: provider_source_id is required", domain.ErrSourceNotFound)
	}

	src, err := s.sources.GetSource(ctx, req.UserID, req.ProviderSourceID)
	if err != nil {
		return nil, err
	}
	src.UserID = req.UserID

	if !req.Credential.Empty() {
		if err := s.credentials.Remember(ctx, req.UserID, src.ID, req.Credential); err != nil {
			logger.WithError(err).Warn("[SyncService.Sync] failed to remember credential for %s", src.ID)
		}
	}

	if !req.ForceRefresh && s.recentlySynced(ctx, req.UserID, src.ID) {
		result := domain.NewSyncResult()
		result.Skipped = true
		return result, nil
	}

	cred := req.Credential
	if cred.Empty() {
		if cred, err = s.credentials.Credential(ctx, req.UserID, src.ID); err != nil {
			return nil, fmt.Errorf("failed to load credential: %w", err)
		}
	}

	rng := src.Window(s.now(), s.cfg.WindowPast, s.cfg.WindowFuture)
	outcome, err := resilience.Do(ctx, s.orchestrator, "sync|"+req.UserID+"|"+src.ID, func(ctx context.Context) (*syncOutcome, error) {
		res, err := s.reconciler.Reconcile(ctx, &ReconcileRequest{
			UserID:     req.UserID,
			Source:     *src,
			Credential: cred,
			Range:      rng,
		})
		return &syncOutcome{result: res, err: err}, nil
	}, resilience.WithoutRetry(), resilience.WithTimeout(s.cfg.RefreshTimeout))
	if err != nil {
		return nil, err
	}

	if _, err := s.cache.Invalidate(req.UserID, &rng); err != nil {
		logger.WithError(err).Warn("[SyncService.Sync] cache invalidation failed")
	}
	if s.trigger != nil {
		s.trigger.Trigger()
	}

	return outcome.result, outcome.err
}

func (s *SyncService) recentlySynced(ctx context.Context, userID, sourceID string) bool {
	if s.syncStates == nil || s.cfg.MinInterval <= 0 {
		return false
	}
	state, err := s.syncStates.GetState(ctx, userID, sourceID)
	if err != nil || state == nil || state.LastSuccess == nil {
		return false
	}
	return s.now().Sub(*state.LastSuccess) < s.cfg.MinInterval
}
