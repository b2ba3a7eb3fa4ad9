// Package agent runs on the deploy target: it supervises service units and
// exposes a local control API on a unix socket.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shipmate-io/shipmate/internal/logs"
	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/supervisor"
	"github.com/shipmate-io/shipmate/internal/validation"
)

// ErrUnitNotFound is returned when no unit with the given name is managed.
var ErrUnitNotFound = errors.New("unit not found")

// Manager owns the supervisors for all units declared in the unit file.
type Manager struct {
	mu          sync.RWMutex
	units       map[string]*supervisor.Supervisor
	broker      *logs.Broker
	bufferLines int
	logger      *slog.Logger
}

// NewManager creates an empty unit manager.
func NewManager(broker *logs.Broker, bufferLines int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		units:       make(map[string]*supervisor.Supervisor),
		broker:      broker,
		bufferLines: bufferLines,
		logger:      logger,
	}
}

// unitFile is the on-disk YAML declaration of the managed units.
type unitFile struct {
	Units []unitDecl `yaml:"units"`
}

type unitDecl struct {
	Name            string   `yaml:"name"`
	Exec            string   `yaml:"exec"`
	Args            []string `yaml:"args"`
	WorkDir         string   `yaml:"workdir"`
	EnvFile         string   `yaml:"env_file"`
	Restart         string   `yaml:"restart"`
	BackoffInterval string   `yaml:"backoff_interval"`
	DetectionWindow string   `yaml:"detection_window"`
	Enabled         bool     `yaml:"enabled"`
}

// ParseUnitFile decodes and validates a unit file. Enabled names are the
// units to start at agent boot.
func ParseUnitFile(data []byte) ([]models.ServiceUnit, []string, error) {
	var file unitFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing unit file: %w", err)
	}
	if len(file.Units) == 0 {
		return nil, nil, errors.New("unit file declares no units")
	}

	seen := make(map[string]bool)
	units := make([]models.ServiceUnit, 0, len(file.Units))
	var enabled []string

	for _, decl := range file.Units {
		if err := validation.ValidateUnitName(decl.Name); err != nil {
			return nil, nil, fmt.Errorf("unit %q: %w", decl.Name, err)
		}
		if seen[decl.Name] {
			return nil, nil, fmt.Errorf("duplicate unit name %q", decl.Name)
		}
		seen[decl.Name] = true

		if decl.Exec == "" {
			return nil, nil, fmt.Errorf("unit %q: exec is required", decl.Name)
		}

		unit := models.ServiceUnit{
			Name:     decl.Name,
			ExecPath: decl.Exec,
			Args:     decl.Args,
			WorkDir:  decl.WorkDir,
			EnvFile:  decl.EnvFile,
			Restart:  models.RestartPolicy(decl.Restart),
		}
		if decl.Restart == "" {
			unit.Restart = models.RestartAlways
		}
		if !unit.Restart.IsValid() {
			return nil, nil, fmt.Errorf("unit %q: invalid restart policy %q", decl.Name, decl.Restart)
		}

		var err error
		if unit.BackoffInterval, err = parseDuration(decl.BackoffInterval); err != nil {
			return nil, nil, fmt.Errorf("unit %q: backoff_interval: %w", decl.Name, err)
		}
		if unit.DetectionWindow, err = parseDuration(decl.DetectionWindow); err != nil {
			return nil, nil, fmt.Errorf("unit %q: detection_window: %w", decl.Name, err)
		}

		units = append(units, unit)
		if decl.Enabled {
			enabled = append(enabled, decl.Name)
		}
	}

	return units, enabled, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// LoadFile reads the unit file and registers a supervisor per unit.
// Units marked enabled are started immediately.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading unit file: %w", err)
	}

	units, enabled, err := ParseUnitFile(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, unit := range units {
		m.units[unit.Name] = supervisor.New(unit, m.broker, m.bufferLines, m.logger)
	}
	m.mu.Unlock()

	for _, name := range enabled {
		sup, _ := m.Get(name)
		sup.Enable()
		if err := sup.Start(); err != nil {
			m.logger.Error("failed to start enabled unit", "unit", name, "error", err)
			continue
		}
		m.logger.Info("enabled unit started", "unit", name)
	}

	return nil
}

// Get returns the supervisor for a unit name.
func (m *Manager) Get(name string) (*supervisor.Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.units[name]
	return sup, ok
}

// Names returns the managed unit names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.units))
	for name := range m.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll stops every managed unit. Used during agent shutdown.
func (m *Manager) StopAll() {
	for _, name := range m.Names() {
		sup, _ := m.Get(name)
		if err := sup.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotStarted) {
			m.logger.Error("failed to stop unit", "unit", name, "error", err)
		}
	}
}
