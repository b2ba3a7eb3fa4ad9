package auth

import (
	"context"
	"fmt"

	"github.com/shipmate-io/shipmate/internal/store"
)

// settingsKeyPrefix namespaces API key hashes inside the settings table.
const settingsKeyPrefix = "api_key_hash:"

// SettingsKeyStore stores API key hashes in the global settings table.
type SettingsKeyStore struct {
	settings store.SettingsStore
}

// NewSettingsKeyStore creates a key store backed by the settings table.
func NewSettingsKeyStore(settings store.SettingsStore) *SettingsKeyStore {
	return &SettingsKeyStore{settings: settings}
}

// GetKeyHash returns the stored bcrypt hash for a key ID.
func (s *SettingsKeyStore) GetKeyHash(ctx context.Context, keyID string) (string, error) {
	return s.settings.Get(ctx, settingsKeyPrefix+keyID)
}

// StoreKeyHash persists the bcrypt hash for a key ID.
func (s *SettingsKeyStore) StoreKeyHash(ctx context.Context, keyID, hash string) error {
	if keyID == "" {
		return fmt.Errorf("key ID is required")
	}
	return s.settings.Set(ctx, settingsKeyPrefix+keyID, hash)
}
