package worker

import (
	"context"
	"fmt"
	"time"

	"calsync/core/port/in"
	"calsync/pkg/logger"

	"github.com/robfig/cron/v3"
)

// DueSyncConfig controls the cron-driven due-sync runs.
type DueSyncConfig struct {
	Schedule       string // cron expression, e.g. "@every 5m"
	StaleThreshold time.Duration
	BatchSize      int
	RunTimeout     time.Duration
}

// DueSyncRunner calls RunDueSyncs on a cron schedule. Overlapping ticks are
// skipped while a run is still going.
type DueSyncRunner struct {
	useCase in.DueSyncUseCase
	cfg     DueSyncConfig
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDueSyncRunner(useCase in.DueSyncUseCase, cfg DueSyncConfig) *DueSyncRunner {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DueSyncRunner{
		useCase: useCase,
		cfg:     cfg,
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the schedule and starts the cron loop.
func (r *DueSyncRunner) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.Schedule, r.tick); err != nil {
		return fmt.Errorf("invalid due-sync schedule %q: %w", r.cfg.Schedule, err)
	}
	logger.Info("[DueSyncRunner] starting (schedule=%s threshold=%s batch=%d)", r.cfg.Schedule, r.cfg.StaleThreshold, r.cfg.BatchSize)
	r.cron.Start()
	return nil
}

// Stop cancels the running tick and waits for it to return or ctx to end.
func (r *DueSyncRunner) Stop(ctx context.Context) {
	logger.Info("[DueSyncRunner] stopping...")
	r.cancel()
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		logger.Warn("[DueSyncRunner] stop timed out")
	}
}

func (r *DueSyncRunner) tick() {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RunTimeout)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		logger.WithError(err).Error("[DueSyncRunner] run failed")
	}
}

// RunOnce performs one due-sync run with the configured threshold and batch size.
func (r *DueSyncRunner) RunOnce(ctx context.Context) (*in.DueSyncSummary, error) {
	start := time.Now()
	summary, err := r.useCase.RunDueSyncs(ctx, r.cfg.StaleThreshold, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if summary.Selected > 0 {
		logger.WithDuration(time.Since(start)).Info("[DueSyncRunner] selected=%d synced=%d skipped=%d failed=%d",
			summary.Selected, summary.Synced, summary.Skipped, summary.Failed)
	}
	return summary, nil
}
