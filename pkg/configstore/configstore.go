// Package configstore is a minimal in-memory engine.ConfigStore and
// engine.TokenProvider. Persisting SyncConfig and issuing/refreshing
// OAuth tokens are both explicitly out of scope per spec.md section 1
// (they live in the surrounding application); this package exists only
// so cmd/ has a runnable default to wire the engine against, the way
// the teacher's own cmd_airtable.go reads its token and base id straight
// off pflag/viper rather than from a persisted config store.
package configstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"moul.io/basesync/pkg/engine"
	"moul.io/basesync/pkg/model"
)

// Store is a process-memory ConfigStore: configs registered with Put are
// returned by Get, nothing is persisted across restarts.
type Store struct {
	mu      sync.RWMutex
	configs map[string]model.SyncConfig
}

// New builds an empty Store.
func New() *Store {
	return &Store{configs: make(map[string]model.SyncConfig)}
}

// Put registers or replaces cfg under its own ID.
func (s *Store) Put(cfg model.SyncConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg
}

// Get implements engine.ConfigStore.
func (s *Store) Get(ctx context.Context, id string) (model.SyncConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return model.SyncConfig{}, errors.Errorf("no sync config registered with id %q", id)
	}
	return cfg, nil
}

// StaticTokens is a TokenProvider that hands back one fixed token per
// provider regardless of user, for environments (local dev, the CLI's
// one-shot sync command) that authenticate via a static API
// key/service-account rather than per-user OAuth.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens map[engine.Provider]string
}

// NewStaticTokens builds a StaticTokens provider from a fixed
// Airtable token and Sheets access token.
func NewStaticTokens(airtableToken, sheetsToken string) *StaticTokens {
	return &StaticTokens{tokens: map[engine.Provider]string{
		engine.ProviderAirtable: airtableToken,
		engine.ProviderSheets:   sheetsToken,
	}}
}

// ForUser implements engine.TokenProvider, ignoring userID.
func (t *StaticTokens) ForUser(ctx context.Context, userID string, provider engine.Provider) (engine.AccessToken, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	token, ok := t.tokens[provider]
	if !ok || token == "" {
		return engine.AccessToken{}, errors.Errorf("no static token configured for provider %q", provider)
	}
	return engine.AccessToken{Value: token}, nil
}

// Refresh is a no-op: a static token has nothing to refresh.
func (t *StaticTokens) Refresh(ctx context.Context, userID string, provider engine.Provider) error {
	return nil
}
