package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"calsync/config"
	"calsync/core/domain"
	"calsync/pkg/logger"

	"github.com/fsnotify/fsnotify"
)

// SourceReplacer swaps the provider-source set and reports the users that changed.
type SourceReplacer interface {
	Replace(next map[string][]domain.ProviderSource) []string
}

// CredentialSeeder loads bearer tokens named by the sources file.
type CredentialSeeder interface {
	SeedFromEnv(refs []config.CredentialRef, getenv func(string) string) int
}

// CacheInvalidator drops cached entries of one user.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID string, rng *domain.DateRange) (int, error)
}

// SourcesWatcher reloads the sources file when it changes on disk and
// invalidates the cache of every user whose subscriptions changed.
type SourcesWatcher struct {
	path     string
	sources  SourceReplacer
	creds    CredentialSeeder
	cache    CacheInvalidator
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewSourcesWatcher(path string, sources SourceReplacer, creds CredentialSeeder, cache CacheInvalidator) *SourcesWatcher {
	return &SourcesWatcher{
		path:     path,
		sources:  sources,
		creds:    creds,
		cache:    cache,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// Reload reads the file and applies it. A broken file leaves the current set in place.
func (w *SourcesWatcher) Reload(ctx context.Context) ([]string, error) {
	file, err := config.LoadSources(w.path)
	if err != nil {
		return nil, err
	}

	changed := w.sources.Replace(file.Sources())
	seeded := w.creds.SeedFromEnv(file.CredentialRefs(), os.Getenv)

	for _, userID := range changed {
		if _, err := w.cache.Invalidate(ctx, userID, nil); err != nil {
			logger.WithError(err).Warn("[SourcesWatcher.Reload] invalidate %s failed", userID)
		}
	}
	logger.Info("[SourcesWatcher.Reload] %s: %d users, %d changed, %d credentials", w.path, len(file.Users), len(changed), seeded)
	return changed, nil
}

// Start watches the file's directory, since editors often replace files by rename.
func (w *SourcesWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.run()
	logger.Info("[SourcesWatcher] watching %s", w.path)
	return nil
}

func (w *SourcesWatcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *SourcesWatcher) run() {
	defer w.wg.Done()

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			// Editors emit several events per save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := w.Reload(ctx); err != nil {
				logger.WithError(err).Error("[SourcesWatcher] reload failed, keeping previous sources")
			}
			cancel()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("[SourcesWatcher] watch error")
		}
	}
}
