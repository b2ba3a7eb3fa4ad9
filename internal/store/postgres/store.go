// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shipmate-io/shipmate/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	logger   *slog.Logger
	targets  *TargetStore
	releases *ReleaseStore
	runs     *RunStore
	secrets  *SecretStore
	logs     *LogStore
	settings *SettingsStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	s.targets = &TargetStore{db: db, logger: logger}
	s.releases = &ReleaseStore{db: db, logger: logger}
	s.runs = &RunStore{db: db, logger: logger}
	s.secrets = &SecretStore{db: db, logger: logger}
	s.logs = &LogStore{db: db, logger: logger}
	s.settings = &SettingsStore{db: db, logger: logger}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// Targets returns the TargetStore.
func (s *PostgresStore) Targets() store.TargetStore {
	return s.targets
}

// Releases returns the ReleaseStore.
func (s *PostgresStore) Releases() store.ReleaseStore {
	return s.releases
}

// Runs returns the RunStore.
func (s *PostgresStore) Runs() store.RunStore {
	return s.runs
}

// Secrets returns the SecretStore.
func (s *PostgresStore) Secrets() store.SecretStore {
	return s.secrets
}

// Logs returns the LogStore.
func (s *PostgresStore) Logs() store.LogStore {
	return s.logs
}

// Settings returns the SettingsStore.
func (s *PostgresStore) Settings() store.SettingsStore {
	return s.settings
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txs := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is useful for components that need direct database access, such as the queue.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx       *sql.Tx
	logger   *slog.Logger
	targets  *TargetStore
	releases *ReleaseStore
	runs     *RunStore
	secrets  *SecretStore
	logs     *LogStore
	settings *SettingsStore
}

func (s *txStore) Targets() store.TargetStore {
	if s.targets == nil {
		s.targets = &TargetStore{tx: s.tx, logger: s.logger}
	}
	return s.targets
}

func (s *txStore) Releases() store.ReleaseStore {
	if s.releases == nil {
		s.releases = &ReleaseStore{tx: s.tx, logger: s.logger}
	}
	return s.releases
}

func (s *txStore) Runs() store.RunStore {
	if s.runs == nil {
		s.runs = &RunStore{tx: s.tx, logger: s.logger}
	}
	return s.runs
}

func (s *txStore) Secrets() store.SecretStore {
	if s.secrets == nil {
		s.secrets = &SecretStore{tx: s.tx, logger: s.logger}
	}
	return s.secrets
}

func (s *txStore) Logs() store.LogStore {
	if s.logs == nil {
		s.logs = &LogStore{tx: s.tx, logger: s.logger}
	}
	return s.logs
}

func (s *txStore) Settings() store.SettingsStore {
	if s.settings == nil {
		s.settings = &SettingsStore{tx: s.tx, logger: s.logger}
	}
	return s.settings
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Close() error {
	// No-op for transaction store
	return nil
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
