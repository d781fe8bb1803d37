package config

import (
	"fmt"
	"os"
	"sort"

	"calsync/core/domain"

	"gopkg.in/yaml.v3"
)

// SourcesFile is the parsed sources.yaml:
//
//	users:
//	  alice:
//	    - id: work
//	      provider: oauth-calendar
//	      vendor: google
//	      calendar_id: primary
//	      credential_env: ALICE_GOOGLE_TOKEN
type SourcesFile struct {
	Users map[string][]SourceEntry `yaml:"users"`
}

type SourceEntry struct {
	domain.ProviderSource `yaml:",inline"`
	CredentialEnv         string `yaml:"credential_env"`
}

func LoadSources(path string) (*SourcesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes and validates a sources document. Source ids must be unique per user.
func ParseSources(data []byte) (*SourcesFile, error) {
	var f SourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}
	if f.Users == nil {
		f.Users = make(map[string][]SourceEntry)
	}
	for userID, entries := range f.Users {
		if userID == "" {
			return nil, fmt.Errorf("sources file: empty user id")
		}
		seen := make(map[string]bool, len(entries))
		for i := range entries {
			entries[i].UserID = userID
			if err := entries[i].Validate(); err != nil {
				return nil, fmt.Errorf("user %s: %w", userID, err)
			}
			if seen[entries[i].ID] {
				return nil, fmt.Errorf("user %s: duplicate source id %q", userID, entries[i].ID)
			}
			seen[entries[i].ID] = true
		}
	}
	return &f, nil
}

// Sources returns the provider sources grouped by user.
func (f *SourcesFile) Sources() map[string][]domain.ProviderSource {
	out := make(map[string][]domain.ProviderSource, len(f.Users))
	for userID, entries := range f.Users {
		list := make([]domain.ProviderSource, 0, len(entries))
		for _, e := range entries {
			list = append(list, e.ProviderSource)
		}
		out[userID] = list
	}
	return out
}

// CredentialRef names the env var holding the bearer token of one source.
type CredentialRef struct {
	UserID   string
	SourceID string
	Env      string
}

func (f *SourcesFile) CredentialRefs() []CredentialRef {
	var refs []CredentialRef
	for userID, entries := range f.Users {
		for _, e := range entries {
			if e.CredentialEnv != "" {
				refs = append(refs, CredentialRef{UserID: userID, SourceID: e.ID, Env: e.CredentialEnv})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].UserID != refs[j].UserID {
			return refs[i].UserID < refs[j].UserID
		}
		return refs[i].SourceID < refs[j].SourceID
	})
	return refs
}
