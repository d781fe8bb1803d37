package calendar

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/core/service/common"
	"calsync/pkg/logger"
	"calsync/pkg/metrics"
	"calsync/pkg/resilience"
)

// CacheEntry is one in-process snapshot.
type CacheEntry struct {
	Key       domain.CacheKey
	Events    []*domain.CalendarEvent
	FetchedAt time.Time
}

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// CacheStore is the two-tier cache: an owned in-process map in front of
// durable snapshots and the canonical event table. Invalidation drops
// in-process entries and leaves a watermark that hides older snapshots; the
// durable tier itself is never written by Invalidate.
type CacheStore struct {
	l1           *common.L1Cache[*CacheEntry]
	events       out.EventStore
	snapshots    out.SnapshotStore
	orchestrator *resilience.Orchestrator
	ttl          time.Duration

	mu    sync.Mutex
	marks map[string][]invalidation
}

// invalidation hides snapshots of one user fetched at or before at. A nil
// rng covers every range.
type invalidation struct {
	at  time.Time
	rng *domain.DateRange
}

func NewCacheStore(cfg CacheConfig, events out.EventStore, snapshots out.SnapshotStore, orchestrator *resilience.Orchestrator) *CacheStore {
	l1 := common.NewL1Cache[*CacheEntry](common.L1Config{
		MaxItems:        cfg.MaxEntries,
		TTL:             cfg.TTL,
		CleanupInterval: 30 * time.Second,
		Now:             cfg.Now,
	})
	return &CacheStore{
		l1:           l1,
		events:       events,
		snapshots:    snapshots,
		orchestrator: orchestrator,
		ttl:          cfg.TTL,
		marks:        make(map[string][]invalidation),
	}
}

// Close ends the lifetime of the in-process tier.
func (c *CacheStore) Close() {
	c.l1.Close()
}

// Get returns events only from a valid in-process entry.
func (c *CacheStore) Get(key domain.CacheKey) ([]*domain.CalendarEvent, bool) {
	if key.Validate() != nil {
		return nil, false
	}
	entry, _, ok := c.l1.Get(key.String())
	if !ok {
		metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
	return cloneEvents(entry.Events), true
}

// Lookup tries the in-process entry, then a still-valid durable snapshot
// covering the key that no later Invalidate has hidden. A snapshot hit
// repopulates the in-process tier with its original fetch time, so it
// expires no later than the snapshot would.
func (c *CacheStore) Lookup(ctx context.Context, key domain.CacheKey) ([]*domain.CalendarEvent, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	if events, ok := c.Get(key); ok {
		return events, true, nil
	}
	if c.snapshots == nil {
		return nil, false, nil
	}

	snap, err := resilience.Do(ctx, c.orchestrator, "snapshot|"+key.String(), func(ctx context.Context) (*out.Snapshot, error) {
		return c.snapshots.FindCovering(ctx, key)
	}, resilience.WithMaxRetries(1))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snap == nil || !c.l1.Now().Before(snap.FetchedAt.Add(c.ttl)) || c.hidden(key, snap.FetchedAt) {
		metrics.CacheLookups.WithLabelValues("snapshot", "miss").Inc()
		return nil, false, nil
	}

	var events []*domain.CalendarEvent
	for _, ev := range snap.Events {
		if ev.UserID == key.UserID && ev.Overlaps(key.Range) {
			events = append(events, ev)
		}
	}
	c.l1.SetAt(key.String(), &CacheEntry{Key: key, Events: events, FetchedAt: snap.FetchedAt}, snap.FetchedAt)
	metrics.CacheLookups.WithLabelValues("snapshot", "hit").Inc()
	return cloneEvents(events), true, nil
}

// GetDurable reads non-deleted events overlapping rng regardless of the in-process tier.
func (c *CacheStore) GetDurable(ctx context.Context, userID string, rng domain.DateRange) ([]*domain.CalendarEvent, error) {
	if userID == "" {
		return nil, domain.ErrMissingUserID
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	key := "durable|" + userID + "|" + rangeKey(rng)
	events, err := resilience.Do(ctx, c.orchestrator, key, func(ctx context.Context) ([]*domain.CalendarEvent, error) {
		return c.events.QueryByRange(ctx, &out.EventQuery{UserID: userID, Range: rng})
	}, resilience.WithMaxRetries(1))
	if err != nil {
		metrics.CacheLookups.WithLabelValues("durable", "error").Inc()
		return nil, fmt.Errorf("failed to query durable events: %w", err)
	}
	metrics.CacheLookups.WithLabelValues("durable", "hit").Inc()
	return scopeToUser(userID, events), nil
}

// GetDelta returns rows touched at or after since that overlap rng,
// soft-deleted rows included so callers can drop them.
func (c *CacheStore) GetDelta(ctx context.Context, userID string, rng domain.DateRange, since time.Time) ([]*domain.CalendarEvent, bool, error) {
	if userID == "" {
		return nil, false, domain.ErrMissingUserID
	}
	if err := rng.Validate(); err != nil {
		return nil, false, err
	}

	key := "delta|" + userID + "|" + rangeKey(rng) + "|" + strconv.FormatInt(since.UnixMilli(), 10)
	events, err := resilience.Do(ctx, c.orchestrator, key, func(ctx context.Context) ([]*domain.CalendarEvent, error) {
		return c.events.QueryDelta(ctx, userID, rng, since)
	}, resilience.WithMaxRetries(1))
	if err != nil {
		return nil, false, fmt.Errorf("failed to query delta: %w", err)
	}
	events = scopeToUser(userID, events)
	return events, len(events) > 0, nil
}

// Put persists the snapshot, superseding overlapping ones, then replaces the
// in-process entry. A failed write leaves the in-process entry as it was.
func (c *CacheStore) Put(ctx context.Context, key domain.CacheKey, events []*domain.CalendarEvent) error {
	if err := key.Validate(); err != nil {
		return err
	}
	for _, ev := range events {
		if ev.UserID != key.UserID {
			return fmt.Errorf("event %s: %w", ev.ID, domain.ErrUserMismatch)
		}
	}

	fetchedAt := c.l1.Now()
	events = cloneEvents(events)
	if c.snapshots != nil {
		if err := c.snapshots.ReplaceSnapshot(ctx, &out.Snapshot{Key: key, Events: events, FetchedAt: fetchedAt}); err != nil {
			return fmt.Errorf("failed to persist snapshot: %w", err)
		}
	}

	c.l1.SetAt(key.String(), &CacheEntry{Key: key, Events: events, FetchedAt: fetchedAt}, fetchedAt)
	return nil
}

// Invalidate drops the user's in-process entries, all of them when rng is nil
// or only those whose range overlaps rng. Snapshots fetched up to now stop
// being served for the same scope.
func (c *CacheStore) Invalidate(userID string, rng *domain.DateRange) (int, error) {
	if userID == "" {
		return 0, domain.ErrMissingUserID
	}
	c.mark(userID, rng)
	n := c.l1.DeleteFunc(func(_ string, entry *CacheEntry) bool {
		if entry.Key.UserID != userID {
			return false
		}
		return rng == nil || entry.Key.Range.Overlaps(*rng)
	})
	if n > 0 {
		logger.Debug("[CacheStore.Invalidate] user=%s dropped=%d", userID, n)
	}
	return n, nil
}

func (c *CacheStore) mark(userID string, rng *domain.DateRange) {
	now := c.l1.Now()
	if rng != nil {
		cp := *rng
		rng = &cp
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Marks older than the TTL can only hide snapshots that already expired.
	kept := c.marks[userID][:0]
	for _, m := range c.marks[userID] {
		if now.Sub(m.at) < c.ttl {
			kept = append(kept, m)
		}
	}
	c.marks[userID] = append(kept, invalidation{at: now, rng: rng})
}

func (c *CacheStore) hidden(key domain.CacheKey, fetchedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.marks[key.UserID] {
		if fetchedAt.After(m.at) {
			continue
		}
		if m.rng == nil || m.rng.Overlaps(key.Range) {
			return true
		}
	}
	return false
}

func (c *CacheStore) Stats() common.L1Stats {
	return c.l1.Stats()
}

func cloneEvents(events []*domain.CalendarEvent) []*domain.CalendarEvent {
	if events == nil {
		return nil
	}
	cp := make([]*domain.CalendarEvent, len(events))
	copy(cp, events)
	return cp
}

func scopeToUser(userID string, events []*domain.CalendarEvent) []*domain.CalendarEvent {
	scoped := events[:0:0]
	for _, ev := range events {
		if ev.UserID == userID {
			scoped = append(scoped, ev)
		}
	}
	return scoped
}

func rangeKey(r domain.DateRange) string {
	return strconv.FormatInt(r.Start.UnixMilli(), 10) + "-" + strconv.FormatInt(r.End.UnixMilli(), 10)
}
