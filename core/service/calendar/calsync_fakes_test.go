package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"calsync/core/domain"
	"calsync/core/port/out"
	"calsync/pkg/resilience"
)

// =============================================================================
// Event store
// =============================================================================

type memoryEventStore struct {
	mu     sync.Mutex
	rows   map[string]*domain.CalendarEvent
	upsert int
	failOn func(ev *domain.CalendarEvent) error
	failQ  error
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{rows: make(map[string]*domain.CalendarEvent)}
}

func (s *memoryEventStore) UpsertEvent(ctx context.Context, ev *domain.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil {
		if err := s.failOn(ev); err != nil {
			return err
		}
	}
	cp := *ev
	s.rows[ev.ID] = &cp
	s.upsert++
	return nil
}

func (s *memoryEventStore) MarkDeleted(ctx context.Context, userID string, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if row, ok := s.rows[id]; ok && row.UserID == userID {
			row.SyncStatus = domain.SyncStatusDeleted
			row.LastUpdated = at
		}
	}
	return nil
}

func (s *memoryEventStore) QueryByRange(ctx context.Context, q *out.EventQuery) ([]*domain.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQ != nil {
		return nil, s.failQ
	}
	var res []*domain.CalendarEvent
	for _, row := range s.rows {
		if row.UserID != q.UserID {
			continue
		}
		if q.Provider != "" && row.Provider != q.Provider {
			continue
		}
		if q.CalendarID != "" && row.SourceCalendarID != q.CalendarID {
			continue
		}
		if !q.IncludeDeleted && row.SyncStatus == domain.SyncStatusDeleted {
			continue
		}
		if q.Window && !row.InWindow(q.Range) || !q.Window && !row.Overlaps(q.Range) {
			continue
		}
		cp := *row
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].NativeID < res[j].NativeID })
	return res, nil
}

func (s *memoryEventStore) QueryDelta(ctx context.Context, userID string, rng domain.DateRange, since time.Time) ([]*domain.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.CalendarEvent
	for _, row := range s.rows {
		if row.UserID == userID && row.Overlaps(rng) && !row.LastUpdated.Before(since) {
			cp := *row
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *memoryEventStore) byNative(userID, nativeID string) *domain.CalendarEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.UserID == userID && row.NativeID == nativeID {
			cp := *row
			return &cp
		}
	}
	return nil
}

func (s *memoryEventStore) count(userID string, status domain.SyncStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.UserID == userID && row.SyncStatus == status {
			n++
		}
	}
	return n
}

// =============================================================================
// Snapshot store
// =============================================================================

type memorySnapshotStore struct {
	mu    sync.Mutex
	snaps []*out.Snapshot
	fail  error
}

func (s *memorySnapshotStore) ReplaceSnapshot(ctx context.Context, snap *out.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	kept := s.snaps[:0]
	for _, old := range s.snaps {
		k := old.Key
		if k.UserID == snap.Key.UserID && k.Provider == snap.Key.Provider &&
			k.CalendarID == snap.Key.CalendarID && k.Range.Overlaps(snap.Key.Range) {
			continue
		}
		kept = append(kept, old)
	}
	s.snaps = append(kept, snap)
	return nil
}

func (s *memorySnapshotStore) FindCovering(ctx context.Context, key domain.CacheKey) (*out.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snaps {
		k := snap.Key
		if k.UserID == key.UserID && k.Provider == key.Provider && k.CalendarID == key.CalendarID && k.Range.Covers(key.Range) {
			return snap, nil
		}
	}
	return nil, nil
}

func (s *memorySnapshotStore) CountSnapshots(ctx context.Context, userID string, provider domain.Provider, calendarID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range s.snaps {
		if snap.Key.UserID == userID && snap.Key.Provider == provider && snap.Key.CalendarID == calendarID {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Sync state, sources, credentials, locker
// =============================================================================

type memorySyncStates struct {
	mu     sync.Mutex
	states map[string]*domain.SyncState
}

func newMemorySyncStates() *memorySyncStates {
	return &memorySyncStates{states: make(map[string]*domain.SyncState)}
}

func (m *memorySyncStates) RecordAttempt(ctx context.Context, st *domain.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := st.UserID + "/" + st.SourceID
	prev := m.states[key]
	cp := *st
	if cp.LastSuccess == nil && prev != nil {
		cp.LastSuccess = prev.LastSuccess
	}
	m.states[key] = &cp
	return nil
}

func (m *memorySyncStates) GetState(ctx context.Context, userID, sourceID string) (*domain.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID+"/"+sourceID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memorySyncStates) LastSuccessByUser(ctx context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make(map[string]time.Time)
	for _, st := range m.states {
		if st.LastSuccess == nil {
			continue
		}
		if cur, ok := res[st.UserID]; !ok || st.LastSuccess.After(cur) {
			res[st.UserID] = *st.LastSuccess
		}
	}
	return res, nil
}

func (m *memorySyncStates) LastAttemptByUser(ctx context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make(map[string]time.Time)
	for _, st := range m.states {
		if cur, ok := res[st.UserID]; !ok || st.LastAttempt.After(cur) {
			res[st.UserID] = st.LastAttempt
		}
	}
	return res, nil
}

func (m *memorySyncStates) setSuccess(userID, sourceID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[userID+"/"+sourceID] = &domain.SyncState{UserID: userID, SourceID: sourceID, LastAttempt: at, LastSuccess: &at, Status: domain.SyncStatusSynced}
}

type memorySources struct {
	byUser map[string][]domain.ProviderSource
}

func (m *memorySources) ListUsers(ctx context.Context) ([]string, error) {
	var users []string
	for u := range m.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (m *memorySources) ListSources(ctx context.Context, userID string) ([]domain.ProviderSource, error) {
	return append([]domain.ProviderSource(nil), m.byUser[userID]...), nil
}

func (m *memorySources) GetSource(ctx context.Context, userID, sourceID string) (*domain.ProviderSource, error) {
	for _, src := range m.byUser[userID] {
		if src.ID == sourceID {
			cp := src
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, sourceID)
}

type memoryCredentials struct {
	mu    sync.Mutex
	creds map[string]domain.Credential
}

func (m *memoryCredentials) Credential(ctx context.Context, userID, sourceID string) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[userID+"/"+sourceID], nil
}

func (m *memoryCredentials) Remember(ctx context.Context, userID, sourceID string, cred domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		m.creds = make(map[string]domain.Credential)
	}
	m.creds[userID+"/"+sourceID] = cred
	return nil
}

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

// =============================================================================
// Fetchers
// =============================================================================

type stubFetcher struct {
	provider domain.Provider
	mu       sync.Mutex
	events   map[string][]domain.RawEvent
	err      map[string]error
	calls    int32
	lastCred domain.Credential
}

func newStubFetcher(p domain.Provider) *stubFetcher {
	return &stubFetcher{provider: p, events: map[string][]domain.RawEvent{}, err: map[string]error{}}
}

func (f *stubFetcher) Provider() domain.Provider { return f.provider }

func (f *stubFetcher) FetchEvents(ctx context.Context, req *out.FetchRequest) ([]domain.RawEvent, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCred = req.Credential
	if err := f.err[req.Source.CalendarID]; err != nil {
		return nil, err
	}
	return append([]domain.RawEvent(nil), f.events[req.Source.CalendarID]...), nil
}

func (f *stubFetcher) set(calendarID string, events ...domain.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[calendarID] = events
	delete(f.err, calendarID)
}

func (f *stubFetcher) fail(calendarID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err[calendarID] = err
}

func (f *stubFetcher) callCount() int { return int(atomic.LoadInt32(&f.calls)) }

type stubRegistry struct {
	fetchers map[domain.Provider]out.EventFetcher
}

func (r *stubRegistry) FetcherFor(src domain.ProviderSource) (out.EventFetcher, error) {
	f, ok := r.fetchers[src.Provider]
	if !ok {
		return nil, fmt.Errorf("no fetcher for %s", src.Provider)
	}
	return f, nil
}

// =============================================================================
// Helpers
// =============================================================================

var (
	testNow    = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	testWindow = domain.DateRange{Start: testNow.AddDate(0, 0, -7), End: testNow.AddDate(0, 0, 21)}
)

func at(dayOffset, hour int) domain.EventTime {
	return domain.Timed(time.Date(2025, 3, 10+dayOffset, hour, 0, 0, 0, time.UTC))
}

func raw(nativeID, title string, start domain.EventTime) domain.RawEvent {
	end := domain.EventTime{Time: start.Time.Add(30 * time.Minute)}
	return domain.RawEvent{NativeID: nativeID, Summary: title, Start: start, End: &end}
}

func testOrchestrator() *resilience.Orchestrator {
	return resilience.NewOrchestrator(resilience.Options{
		Timeout: time.Second,
		Retry:   resilience.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
	})
}

type engine struct {
	store      *memoryEventStore
	snapshots  *memorySnapshotStore
	states     *memorySyncStates
	fetcher    *stubFetcher
	reconciler *Reconciler
	orch       *resilience.Orchestrator
}

func newEngine(p domain.Provider) *engine {
	e := &engine{
		store:     newMemoryEventStore(),
		snapshots: &memorySnapshotStore{},
		states:    newMemorySyncStates(),
		fetcher:   newStubFetcher(p),
		orch:      testOrchestrator(),
	}
	registry := &stubRegistry{fetchers: map[domain.Provider]out.EventFetcher{p: e.fetcher}}
	e.reconciler = NewReconciler(registry, e.store, e.states, NewRecurrenceExpander(0), e.orch)
	e.reconciler.now = func() time.Time { return testNow }
	return e
}

func source(id string, p domain.Provider, calendarID string) domain.ProviderSource {
	return domain.ProviderSource{ID: id, Provider: p, CalendarID: calendarID, Vendor: domain.VendorGoogle}
}
