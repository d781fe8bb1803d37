package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"calsync/core/domain"
	"calsync/core/port/in"
	"calsync/core/port/out"
	"calsync/pkg/logger"
	"calsync/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

type SchedulerConfig struct {
	Concurrency    int
	LockTTL        time.Duration
	WindowPast     time.Duration
	WindowFuture   time.Duration
	StaleThreshold time.Duration
	BatchSize      int
	// RunTimeout bounds one opportunistic Trigger run.
	RunTimeout time.Duration
}

// Scheduler picks users whose last successful sync is stale and reconciles
// their sources with bounded parallelism. It is built for short repeated
// runs; a per-user lock plus a staleness re-check make overlapping runs safe.
type Scheduler struct {
	sources     out.SourceRepository
	credentials out.CredentialStore
	syncStates  out.SyncStateRepository
	reconciler  *Reconciler
	locker      out.SyncLocker
	cfg         SchedulerConfig
	now         func() time.Time

	running atomic.Bool
}

func NewScheduler(
	sources out.SourceRepository,
	credentials out.CredentialStore,
	syncStates out.SyncStateRepository,
	reconciler *Reconciler,
	locker out.SyncLocker,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &Scheduler{
		sources:     sources,
		credentials: credentials,
		syncStates:  syncStates,
		reconciler:  reconciler,
		locker:      locker,
		cfg:         cfg,
		now:         time.Now,
	}
}

var _ in.DueSyncUseCase = (*Scheduler)(nil)

// Trigger starts a run in the background unless this process already has one going.
func (s *Scheduler) Trigger() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.running.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		if _, err := s.RunDueSyncs(ctx, s.cfg.StaleThreshold, s.cfg.BatchSize); err != nil {
			logger.WithError(err).Error("[Scheduler.Trigger] due sync run failed")
		}
	}()
}

// RunDueSyncs only returns an error when the due users cannot be selected.
// Failures of individual users or sources are logged and counted.
func (s *Scheduler) RunDueSyncs(ctx context.Context, staleThreshold time.Duration, batchSize int) (*in.DueSyncSummary, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}

	due, err := s.selectDue(ctx, staleThreshold, batchSize)
	if err != nil {
		return nil, err
	}
	summary := &in.DueSyncSummary{Selected: len(due)}
	if len(due) == 0 {
		return summary, nil
	}

	logger.Info("[Scheduler.RunDueSyncs] %d users due (threshold=%s)", len(due), staleThreshold)

	var mu sync.Mutex
	count := func(result string) {
		mu.Lock()
		defer mu.Unlock()
		switch result {
		case "synced":
			summary.Synced++
		case "skipped":
			summary.Skipped++
		default:
			summary.Failed++
		}
		metrics.SchedulerUsers.WithLabelValues(result).Inc()
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, userID := range due {
		userID := userID
		g.Go(func() error {
			count(s.syncUser(ctx, userID, staleThreshold))
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("[Scheduler.RunDueSyncs] done: synced=%d skipped=%d failed=%d",
		summary.Synced, summary.Skipped, summary.Failed)
	return summary, nil
}

type dueUser struct {
	id      string
	last    time.Time
	attempt time.Time
	tried   bool
}

func (s *Scheduler) selectDue(ctx context.Context, staleThreshold time.Duration, batchSize int) ([]string, error) {
	users, err := s.sources.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	lastSuccess, err := s.syncStates.LastSuccessByUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	lastAttempt, err := s.syncStates.LastAttemptByUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync attempts: %w", err)
	}

	cutoff := s.now().Add(-staleThreshold)
	var candidates []dueUser
	for _, id := range users {
		last, ok := lastSuccess[id]
		if ok && last.After(cutoff) {
			continue
		}
		attempt, tried := lastAttempt[id]
		candidates = append(candidates, dueUser{id: id, last: last, attempt: attempt, tried: tried})
	}

	// Never-attempted users first, then the longest since their last attempt,
	// so users that keep failing rotate behind everyone else.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.tried != b.tried {
			return !a.tried
		}
		if !a.attempt.Equal(b.attempt) {
			return a.attempt.Before(b.attempt)
		}
		if !a.last.Equal(b.last) {
			return a.last.Before(b.last)
		}
		return a.id < b.id
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	due := make([]string, len(candidates))
	for i, c := range candidates {
		due[i] = c.id
	}
	return due, nil
}

func (s *Scheduler) syncUser(ctx context.Context, userID string, staleThreshold time.Duration) (result string) {
	log := logger.WithField("user_id", userID)
	defer func() {
		if p := recover(); p != nil {
			log.Error("[Scheduler.syncUser] panic: %v", p)
			result = "failed"
		}
	}()

	release, ok, err := s.locker.TryLock(ctx, "calsync:sync:"+userID, s.cfg.LockTTL)
	if err != nil {
		log.WithError(err).Error("[Scheduler.syncUser] lock failed")
		return "failed"
	}
	if !ok {
		return "skipped"
	}
	defer release()

	sources, err := s.sources.ListSources(ctx, userID)
	if err != nil {
		log.WithError(err).Error("[Scheduler.syncUser] failed to list sources")
		return "failed"
	}

	// Another run may have finished this user while we waited for the lock.
	if s.freshSince(ctx, userID, sources, staleThreshold) {
		return "skipped"
	}

	failures := 0
	for _, src := range sources {
		src.UserID = userID
		cred, err := s.credentials.Credential(ctx, userID, src.ID)
		if err != nil {
			failures++
			log.WithError(err).Error("[Scheduler.syncUser] no credential for %s", src.ID)
			continue
		}
		res, err := s.reconciler.Reconcile(ctx, &ReconcileRequest{
			UserID:     userID,
			Source:     src,
			Credential: cred,
			Range:      src.Window(s.now(), s.cfg.WindowPast, s.cfg.WindowFuture),
		})
		if err != nil {
			failures++
			log.WithError(err).Error("[Scheduler.syncUser] reconcile %s failed", src.ID)
			continue
		}
		if len(res.Errors) > 0 {
			log.Warn("[Scheduler.syncUser] %s: %d event errors", src.ID, len(res.Errors))
		}
	}

	if failures > 0 {
		return "failed"
	}
	return "synced"
}

func (s *Scheduler) freshSince(ctx context.Context, userID string, sources []domain.ProviderSource, staleThreshold time.Duration) bool {
	cutoff := s.now().Add(-staleThreshold)
	for _, src := range sources {
		state, err := s.syncStates.GetState(ctx, userID, src.ID)
		if err != nil || state == nil || state.LastSuccess == nil {
			continue
		}
		if state.LastSuccess.After(cutoff) {
			return true
		}
	}
	return false
}
