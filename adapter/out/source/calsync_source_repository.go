// Package source holds the in-memory provider-source registry and credential store.
package source

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"calsync/core/domain"
	"calsync/core/port/out"
)

// Repository serves provider sources from memory. The worker replaces the
// whole set when the sources file changes.
type Repository struct {
	mu    sync.RWMutex
	users map[string][]domain.ProviderSource
}

func NewRepository(initial map[string][]domain.ProviderSource) *Repository {
	r := &Repository{users: make(map[string][]domain.ProviderSource)}
	r.Replace(initial)
	return r
}

var _ out.SourceRepository = (*Repository)(nil)

// Replace swaps in a new source set and returns the users whose sources
// were added, removed or changed, sorted.
func (r *Repository) Replace(next map[string][]domain.ProviderSource) []string {
	normalized := make(map[string][]domain.ProviderSource, len(next))
	for userID, list := range next {
		cp := make([]domain.ProviderSource, len(list))
		copy(cp, list)
		for i := range cp {
			cp[i].UserID = userID
		}
		normalized[userID] = cp
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make(map[string]bool)
	for userID, list := range normalized {
		if !reflect.DeepEqual(r.users[userID], list) {
			changed[userID] = true
		}
	}
	for userID := range r.users {
		if _, ok := normalized[userID]; !ok {
			changed[userID] = true
		}
	}
	r.users = normalized

	users := make([]string, 0, len(changed))
	for userID := range changed {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (r *Repository) ListUsers(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.users))
	for userID, list := range r.users {
		if len(list) > 0 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (r *Repository) ListSources(ctx context.Context, userID string) ([]domain.ProviderSource, error) {
	if userID == "" {
		return nil, domain.ErrMissingUserID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.users[userID]
	cp := make([]domain.ProviderSource, len(list))
	copy(cp, list)
	return cp, nil
}

func (r *Repository) GetSource(ctx context.Context, userID, sourceID string) (*domain.ProviderSource, error) {
	if userID == "" {
		return nil, domain.ErrMissingUserID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range r.users[userID] {
		if src.ID == sourceID {
			found := src
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", domain.ErrSourceNotFound, userID, sourceID)
}
