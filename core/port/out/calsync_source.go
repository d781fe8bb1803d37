package out

import (
	"context"
	"time"

	"calsync/core/domain"
)

// SourceRepository lists the provider sources each user subscribes to.
type SourceRepository interface {
	ListUsers(ctx context.Context) ([]string, error)
	ListSources(ctx context.Context, userID string) ([]domain.ProviderSource, error)
	GetSource(ctx context.Context, userID, sourceID string) (*domain.ProviderSource, error)
}

// CredentialStore hands out bearer credentials. Acquisition and refresh happen elsewhere.
type CredentialStore interface {
	Credential(ctx context.Context, userID, sourceID string) (domain.Credential, error)
	Remember(ctx context.Context, userID, sourceID string, cred domain.Credential) error
}

// SyncLocker guards per-user background work across processes.
type SyncLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}
