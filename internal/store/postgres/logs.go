package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shipmate-io/shipmate/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *LogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const logColumns = `id, target_id, run_id, unit_name, source, line, timestamp`

// Create creates a new log entry.
func (s *LogStore) Create(ctx context.Context, entry *models.LogEntry) error {
	query := `
		INSERT INTO log_entries (` + logColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var runID sql.NullString
	if entry.RunID != "" {
		runID = sql.NullString{String: entry.RunID, Valid: true}
	}

	_, err := s.conn().ExecContext(ctx, query,
		entry.ID,
		entry.TargetID,
		runID,
		entry.UnitName,
		entry.Source,
		entry.Line,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}

	return nil
}

// List retrieves log entries for a target, newest first.
func (s *LogStore) List(ctx context.Context, targetID string, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT ` + logColumns + `
		FROM log_entries
		WHERE target_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer rows.Close()

	return scanLogEntries(rows)
}

// ListByRun retrieves log entries for a deploy run, oldest first.
func (s *LogStore) ListByRun(ctx context.Context, runID string) ([]*models.LogEntry, error) {
	query := `
		SELECT ` + logColumns + `
		FROM log_entries
		WHERE run_id = $1
		ORDER BY timestamp ASC`

	rows, err := s.conn().QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying run log entries: %w", err)
	}
	defer rows.Close()

	return scanLogEntries(rows)
}

// DeleteOlderThan removes log entries older than the given unix timestamp.
func (s *LogStore) DeleteOlderThan(ctx context.Context, targetID string, before int64) error {
	query := `DELETE FROM log_entries WHERE target_id = $1 AND timestamp < $2`

	result, err := s.conn().ExecContext(ctx, query, targetID, time.Unix(before, 0).UTC())
	if err != nil {
		return fmt.Errorf("deleting old log entries: %w", err)
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		s.logger.Debug("pruned log entries", "target_id", targetID, "count", rowsAffected)
	}

	return nil
}

func scanLogEntries(rows *sql.Rows) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	for rows.Next() {
		entry := &models.LogEntry{}
		var runID sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.TargetID,
			&runID,
			&entry.UnitName,
			&entry.Source,
			&entry.Line,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning log entry row: %w", err)
		}
		if runID.Valid {
			entry.RunID = runID.String
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entry rows: %w", err)
	}
	return entries, nil
}
