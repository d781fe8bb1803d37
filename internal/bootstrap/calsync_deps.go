package bootstrap

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"calsync/adapter/in/worker"
	"calsync/adapter/out/lock"
	"calsync/adapter/out/persistence"
	"calsync/adapter/out/provider"
	"calsync/adapter/out/source"
	"calsync/config"
	"calsync/core/port/out"
	"calsync/core/service/calendar"
	"calsync/infra/database"
	"calsync/pkg/logger"
	"calsync/pkg/metrics"
	"calsync/pkg/resilience"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Dependencies is the object graph shared by the API and the worker. In
// "all" mode both run on one instance so they share the in-process cache.
type Dependencies struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client

	// Adapters
	Sources     *source.Repository
	Credentials *source.CredentialStore
	Events      *persistence.EventAdapter
	Snapshots   *persistence.SnapshotAdapter
	SyncStates  *persistence.SyncStateAdapter
	FlowInbox   *persistence.FlowInboxAdapter
	Locker      out.SyncLocker
	Fetchers    *provider.Registry
	Normalizer  *provider.FlowNormalizer

	// Services
	Orchestrator *resilience.Orchestrator
	Cache        *calendar.CacheStore
	Reconciler   *calendar.Reconciler
	EventService *calendar.EventService
	SyncService  *calendar.SyncService
	FlowService  *calendar.FlowService
	Scheduler    *calendar.Scheduler

	SourcesWatcher *worker.SourcesWatcher
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Database
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = persistence.Migrate(migrateCtx, db)
	cancel()
	if err != nil {
		return fail(err)
	}
	if err := metrics.RegisterDBPool(prometheus.DefaultRegisterer, cfg.DatabaseDriver, db.DB); err != nil {
		logger.WithError(err).Warn("DB pool metrics not registered")
	}
	logger.Info("Database connected (driver=%s)", cfg.DatabaseDriver)

	// Redis is optional; without it sync locks are process-local.
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		deps.Redis = rdb
		cleanups = append(cleanups, func() { rdb.Close() })
		deps.Locker = lock.NewRedisLocker(rdb)
		logger.Info("Redis connected, using distributed sync locks")
	} else {
		deps.Locker = lock.NewMemoryLocker()
		logger.Warn("REDIS_URL not set, using in-process sync locks")
	}

	// Persistence
	deps.Events = persistence.NewEventAdapter(db)
	deps.Snapshots = persistence.NewSnapshotAdapter(db)
	deps.SyncStates = persistence.NewSyncStateAdapter(db)
	deps.FlowInbox = persistence.NewFlowInboxAdapter(db)

	// Provider sources and credentials
	deps.Sources = source.NewRepository(nil)
	deps.Credentials = source.NewCredentialStore()

	// Providers
	normalizer, err := provider.NewFlowNormalizer()
	if err != nil {
		return fail(err)
	}
	deps.Normalizer = normalizer
	deps.Fetchers = provider.NewRegistry(&provider.RegistryConfig{
		Google: provider.NewGoogleCalendarFetcher(nil, cfg.GoogleCalendarEndpoint),
		Graph:  provider.NewGraphCalendarFetcher(nil, cfg.GraphEndpoint),
		ICal:   provider.NewICalFeedFetcher(nil),
		Flow:   provider.NewFlowFetcher(deps.FlowInbox, normalizer),
	}, resilience.NewBreakerSet())

	// Services
	deps.Orchestrator = resilience.NewOrchestrator(resilience.Options{
		Timeout: cfg.FetchTimeout,
		Retry: resilience.RetryPolicy{
			MaxRetries: cfg.FetchMaxRetries,
			BaseDelay:  cfg.FetchBaseDelay,
			MaxDelay:   cfg.FetchMaxDelay,
		},
	})
	deps.Cache = calendar.NewCacheStore(calendar.CacheConfig{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
	}, deps.Events, deps.Snapshots, deps.Orchestrator)
	cleanups = append(cleanups, deps.Cache.Close)

	deps.Reconciler = calendar.NewReconciler(
		deps.Fetchers,
		deps.Events,
		deps.SyncStates,
		calendar.NewRecurrenceExpander(cfg.RecurrenceMaxInstances),
		deps.Orchestrator,
	)
	deps.EventService = calendar.NewEventService(
		deps.Sources,
		deps.Credentials,
		deps.Events,
		deps.Reconciler,
		deps.Cache,
		deps.Orchestrator,
		cfg.FetchTimeout,
	)
	deps.Scheduler = calendar.NewScheduler(
		deps.Sources,
		deps.Credentials,
		deps.SyncStates,
		deps.Reconciler,
		deps.Locker,
		calendar.SchedulerConfig{
			Concurrency:    cfg.SyncConcurrency,
			LockTTL:        cfg.SyncLockTTL,
			WindowPast:     cfg.SyncWindowPast,
			WindowFuture:   cfg.SyncWindowFuture,
			StaleThreshold: cfg.SyncStaleThreshold,
			BatchSize:      cfg.SyncBatchSize,
		},
	)
	deps.SyncService = calendar.NewSyncService(
		deps.Sources,
		deps.Credentials,
		deps.SyncStates,
		deps.Reconciler,
		deps.Cache,
		deps.Orchestrator,
		deps.Scheduler,
		calendar.SyncConfig{
			MinInterval:    cfg.SyncMinInterval,
			WindowPast:     cfg.SyncWindowPast,
			WindowFuture:   cfg.SyncWindowFuture,
			RefreshTimeout: cfg.FetchTimeout,
		},
	)
	deps.FlowService = calendar.NewFlowService(deps.Sources, deps.FlowInbox, normalizer, deps.SyncService)

	// Sources file: load once, then follow edits.
	deps.SourcesWatcher = worker.NewSourcesWatcher(cfg.SourcesFile, deps.Sources, deps.Credentials, deps.EventService)
	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = deps.SourcesWatcher.Reload(loadCtx)
	cancel()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("Sources file %s not found, starting with no provider sources", cfg.SourcesFile)
	case err != nil:
		return fail(err)
	}
	if err := deps.SourcesWatcher.Start(); err != nil {
		logger.WithError(err).Warn("Sources file will not be reloaded on change")
	} else {
		cleanups = append(cleanups, deps.SourcesWatcher.Stop)
	}

	return deps, cleanup, nil
}

// HealthCheck pings the stores the engine cannot run without.
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.PingContext(ctx); err != nil {
		return err
	}
	if d.Redis != nil {
		return d.Redis.Ping(ctx).Err()
	}
	return nil
}
