package bootstrap

import (
	"context"
	"time"

	"calsync/adapter/in/worker"
	"calsync/pkg/logger"
)

// Worker runs the periodic due-sync sweep.
type Worker struct {
	deps    *Dependencies
	dueSync *worker.DueSyncRunner
	done    chan struct{}
}

func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	return &Worker{
		deps: deps,
		dueSync: worker.NewDueSyncRunner(deps.Scheduler, worker.DueSyncConfig{
			Schedule:       cfg.SyncCron,
			StaleThreshold: cfg.SyncStaleThreshold,
			BatchSize:      cfg.SyncBatchSize,
		}),
		done: make(chan struct{}),
	}
}

// Start blocks until Stop is called.
func (w *Worker) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := w.deps.HealthCheck(ctx)
	cancel()
	if err != nil {
		return err
	}

	if err := w.dueSync.Start(); err != nil {
		return err
	}
	logger.Info("Worker started")
	<-w.done
	return nil
}

func (w *Worker) Stop(ctx context.Context) {
	w.dueSync.Stop(ctx)
	close(w.done)
	logger.Info("Worker stopped")
}
