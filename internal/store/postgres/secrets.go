package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SecretStore implements store.SecretStore using PostgreSQL.
// Values are stored encrypted; this store never sees plaintext.
type SecretStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *SecretStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Set creates or updates a secret for a target.
func (s *SecretStore) Set(ctx context.Context, targetID, key string, encryptedValue []byte) error {
	query := `
		INSERT INTO target_secrets (target_id, key, encrypted_value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target_id, key)
		DO UPDATE SET encrypted_value = EXCLUDED.encrypted_value, updated_at = EXCLUDED.updated_at`

	_, err := s.conn().ExecContext(ctx, query, targetID, key, encryptedValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting secret: %w", err)
	}
	return nil
}

// Get retrieves a secret by target ID and key.
func (s *SecretStore) Get(ctx context.Context, targetID, key string) ([]byte, error) {
	query := `SELECT encrypted_value FROM target_secrets WHERE target_id = $1 AND key = $2`

	var value []byte
	err := s.conn().QueryRowContext(ctx, query, targetID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying secret: %w", err)
	}
	return value, nil
}

// List retrieves all secret keys for a target.
func (s *SecretStore) List(ctx context.Context, targetID string) ([]string, error) {
	query := `SELECT key FROM target_secrets WHERE target_id = $1 ORDER BY key ASC`

	rows, err := s.conn().QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("querying secret keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning secret key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating secret keys: %w", err)
	}

	return keys, nil
}

// Delete removes a secret.
func (s *SecretStore) Delete(ctx context.Context, targetID, key string) error {
	result, err := s.conn().ExecContext(ctx,
		`DELETE FROM target_secrets WHERE target_id = $1 AND key = $2`, targetID, key)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetAll retrieves all secrets for a target as a map of key to encrypted value.
func (s *SecretStore) GetAll(ctx context.Context, targetID string) (map[string][]byte, error) {
	query := `SELECT key, encrypted_value FROM target_secrets WHERE target_id = $1`

	rows, err := s.conn().QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer rows.Close()

	secrets := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning secret row: %w", err)
		}
		secrets[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating secret rows: %w", err)
	}

	return secrets, nil
}
