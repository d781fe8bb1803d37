package source

import (
	"context"
	"sync"

	"calsync/config"
	"calsync/core/domain"
	"calsync/core/port/out"
)

// CredentialStore keeps bearer credentials in memory. A missing entry yields
// an empty credential; fetchers that need one report an auth error.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]domain.Credential
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]domain.Credential)}
}

var _ out.CredentialStore = (*CredentialStore)(nil)

func credentialKey(userID, sourceID string) string {
	return userID + "\x1f" + sourceID
}

func (s *CredentialStore) Credential(ctx context.Context, userID, sourceID string) (domain.Credential, error) {
	if userID == "" {
		return domain.Credential{}, domain.ErrMissingUserID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds[credentialKey(userID, sourceID)], nil
}

func (s *CredentialStore) Remember(ctx context.Context, userID, sourceID string, cred domain.Credential) error {
	if userID == "" {
		return domain.ErrMissingUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[credentialKey(userID, sourceID)] = cred
	return nil
}

// SeedFromEnv stores the token of every referenced env var that is set.
// Unset vars leave any remembered credential in place. Returns how many were seeded.
func (s *CredentialStore) SeedFromEnv(refs []config.CredentialRef, getenv func(string) string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ref := range refs {
		if token := getenv(ref.Env); token != "" {
			s.creds[credentialKey(ref.UserID, ref.SourceID)] = domain.Credential{BearerToken: token}
			n++
		}
	}
	return n
}
