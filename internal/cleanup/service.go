// Package cleanup prunes old log entries so a long-lived target does not
// grow its history without bound. Retention is operator-tunable through
// the settings store.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shipmate-io/shipmate/internal/store"
)

// Settings keys for retention configuration.
const (
	SettingLogRetention = "cleanup_log_retention"
	SettingInterval     = "cleanup_interval"
)

// Default values for retention settings.
const (
	DefaultLogRetention = 14 * 24 * time.Hour // 14 days
	DefaultInterval     = 1 * time.Hour
)

// Settings holds retention configuration loaded from the settings store.
type Settings struct {
	LogRetention time.Duration `json:"log_retention"`
	Interval     time.Duration `json:"interval"`
}

// Validate checks that all retention settings have positive values.
func (s *Settings) Validate() error {
	if s.LogRetention <= 0 {
		return fmt.Errorf("log_retention must be positive, got %v", s.LogRetention)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", s.Interval)
	}
	return nil
}

// Store is the slice of the data layer the cleanup service needs.
type Store interface {
	Targets() store.TargetStore
	Logs() store.LogStore
	Settings() store.SettingsStore
}

// Result holds the outcome of one pruning pass.
type Result struct {
	TargetsPruned int           `json:"targets_pruned"`
	Errors        []string      `json:"errors,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Service prunes aged log entries across all targets.
type Service struct {
	store    Store
	logger   *slog.Logger
	settings *Settings
}

// NewService creates a new cleanup service.
func NewService(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger,
	}
}

// LoadSettings loads retention settings from the store, applying defaults
// for keys that are absent or unparsable.
func (s *Service) LoadSettings(ctx context.Context) error {
	allSettings, err := s.store.Settings().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	s.settings = &Settings{
		LogRetention: parseDuration(allSettings[SettingLogRetention], DefaultLogRetention),
		Interval:     parseDuration(allSettings[SettingInterval], DefaultInterval),
	}

	s.logger.Info("loaded retention settings",
		"log_retention", s.settings.LogRetention,
		"interval", s.settings.Interval,
	)

	return nil
}

// GetSettings returns the current retention settings.
// Returns nil if settings have not been loaded.
func (s *Service) GetSettings() *Settings {
	return s.settings
}

// SaveSettings validates and persists retention settings.
func (s *Service) SaveSettings(ctx context.Context, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	pairs := map[string]string{
		SettingLogRetention: settings.LogRetention.String(),
		SettingInterval:     settings.Interval.String(),
	}
	for key, value := range pairs {
		if err := s.store.Settings().Set(ctx, key, value); err != nil {
			return fmt.Errorf("saving setting %s: %w", key, err)
		}
	}

	s.settings = settings
	return nil
}

// PruneLogs removes log entries older than the retention period for every target.
// Errors on individual targets are collected; one bad target does not stop the pass.
func (s *Service) PruneLogs(ctx context.Context) (*Result, error) {
	if s.settings == nil {
		if err := s.LoadSettings(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result := &Result{}
	cutoff := time.Now().Add(-s.settings.LogRetention)

	targets, err := s.store.Targets().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	for _, target := range targets {
		if err := s.store.Logs().DeleteOlderThan(ctx, target.ID, cutoff.Unix()); err != nil {
			s.logger.Error("failed to prune logs",
				"target_id", target.ID,
				"target", target.Name,
				"error", err,
			)
			result.Errors = append(result.Errors, fmt.Sprintf("pruning logs for %s: %v", target.Name, err))
			continue
		}
		result.TargetsPruned++
	}

	result.Duration = time.Since(start)
	s.logger.Info("log pruning completed",
		"targets", result.TargetsPruned,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)

	return result, nil
}

// Run prunes periodically until ctx is canceled. Settings are reloaded on
// every tick so operator changes take effect without a restart.
func (s *Service) Run(ctx context.Context) {
	if err := s.LoadSettings(ctx); err != nil {
		s.logger.Error("failed to load retention settings", "error", err)
		s.settings = &Settings{LogRetention: DefaultLogRetention, Interval: DefaultInterval}
	}

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.LoadSettings(ctx); err != nil {
				s.logger.Error("failed to reload retention settings", "error", err)
			}
			if _, err := s.PruneLogs(ctx); err != nil {
				s.logger.Error("pruning pass failed", "error", err)
			}
			ticker.Reset(s.settings.Interval)
		}
	}
}

// parseDuration parses a duration string, returning the default if parsing fails or value is empty.
func parseDuration(value string, defaultVal time.Duration) time.Duration {
	if value == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultVal
	}
	return d
}
