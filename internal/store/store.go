// Package store provides database access interfaces and implementations.
package store

import (
	"context"

	"github.com/shipmate-io/shipmate/internal/models"
)

// TargetStore defines operations for deploy target management.
type TargetStore interface {
	// Create creates a new deploy target.
	Create(ctx context.Context, target *models.DeployTarget) error
	// Get retrieves a target by ID.
	Get(ctx context.Context, id string) (*models.DeployTarget, error)
	// GetByName retrieves a target by its unique name.
	GetByName(ctx context.Context, name string) (*models.DeployTarget, error)
	// List retrieves all targets.
	List(ctx context.Context) ([]*models.DeployTarget, error)
	// Update updates an existing target.
	Update(ctx context.Context, target *models.DeployTarget) error
	// Delete removes a target.
	Delete(ctx context.Context, id string) error
}

// ReleaseStore defines operations for release records.
type ReleaseStore interface {
	// Create records a new release. Returns ErrDuplicateKey when a release
	// with the same webhook delivery ID already exists.
	Create(ctx context.Context, release *models.Release) error
	// Get retrieves a release by ID.
	Get(ctx context.Context, id string) (*models.Release, error)
	// GetByDelivery retrieves a release by webhook delivery ID.
	GetByDelivery(ctx context.Context, targetID, deliveryID string) (*models.Release, error)
	// List retrieves releases for a target, newest first.
	List(ctx context.Context, targetID string, limit int) ([]*models.Release, error)
}

// RunStore defines operations for deploy run management.
type RunStore interface {
	// Create creates a new deploy run.
	Create(ctx context.Context, run *models.DeployRun) error
	// Get retrieves a run by ID.
	Get(ctx context.Context, id string) (*models.DeployRun, error)
	// List retrieves runs for a target, newest first.
	List(ctx context.Context, targetID string, limit int) ([]*models.DeployRun, error)
	// ListByStatus retrieves all runs with a given status, oldest first.
	ListByStatus(ctx context.Context, status models.RunStatus) ([]*models.DeployRun, error)
	// Update updates an existing run.
	Update(ctx context.Context, run *models.DeployRun) error
	// GetLastLive retrieves the most recent run that reached live for a target.
	GetLastLive(ctx context.Context, targetID string) (*models.DeployRun, error)
}

// SecretStore defines operations for encrypted target secrets.
type SecretStore interface {
	// Set creates or updates a secret for a target.
	Set(ctx context.Context, targetID, key string, encryptedValue []byte) error
	// Get retrieves a secret by target ID and key.
	Get(ctx context.Context, targetID, key string) ([]byte, error)
	// List retrieves all secret keys for a target.
	List(ctx context.Context, targetID string) ([]string, error)
	// Delete removes a secret.
	Delete(ctx context.Context, targetID, key string) error
	// GetAll retrieves all secrets for a target as a map.
	GetAll(ctx context.Context, targetID string) (map[string][]byte, error)
}

// LogStore defines operations for log management.
type LogStore interface {
	// Create creates a new log entry.
	Create(ctx context.Context, entry *models.LogEntry) error
	// List retrieves log entries for a target, newest first.
	List(ctx context.Context, targetID string, limit int) ([]*models.LogEntry, error)
	// ListByRun retrieves log entries for a deploy run, oldest first.
	ListByRun(ctx context.Context, runID string) ([]*models.LogEntry, error)
	// DeleteOlderThan removes log entries older than the given unix timestamp.
	DeleteOlderThan(ctx context.Context, targetID string, before int64) error
}

// SettingsStore defines operations for global system settings.
type SettingsStore interface {
	// Get retrieves a setting by key.
	Get(ctx context.Context, key string) (string, error)
	// Set sets a setting key-value pair.
	Set(ctx context.Context, key, value string) error
	// GetAll retrieves all global settings.
	GetAll(ctx context.Context) (map[string]string, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Targets returns the TargetStore for deploy target operations.
	Targets() TargetStore
	// Releases returns the ReleaseStore for release operations.
	Releases() ReleaseStore
	// Runs returns the RunStore for deploy run operations.
	Runs() RunStore
	// Secrets returns the SecretStore for secret operations.
	Secrets() SecretStore
	// Logs returns the LogStore for log operations.
	Logs() LogStore
	// Settings returns the SettingsStore for global configuration.
	Settings() SettingsStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
