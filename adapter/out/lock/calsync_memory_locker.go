package lock

import (
	"context"
	"sync"
	"time"

	"calsync/core/port/out"
)

// MemoryLocker is the single-process SyncLocker used when no Redis is configured.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryLease
	now  func() time.Time
	seq  uint64
}

type memoryLease struct {
	id      uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), now: time.Now}
}

var _ out.SyncLocker = (*MemoryLocker)(nil)

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, false, nil
	}
	l.seq++
	id := l.seq
	l.held[key] = memoryLease{id: id, expires: now.Add(ttl)}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// An expired lease may have been taken over; leave that one alone.
		if lease, ok := l.held[key]; ok && lease.id == id {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
