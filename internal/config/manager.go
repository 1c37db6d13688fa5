package config

import (
	"fmt"
	"os"
	"sync"

	"conductor/internal/logging"
)

// Observer is called synchronously with the new config snapshot after every
// successful update or reload.
type Observer func(*RoutingConfig)

// Manager owns the live routing config. Reads return a deep-copied snapshot;
// writes atomically replace the config, persist it, and then notify
// observers outside the lock.
type Manager struct {
	mu        sync.RWMutex
	path      string
	current   *RoutingConfig
	observers []Observer
}

// NewManager loads the config file at path, falling back to (and persisting)
// the defaults when the file does not exist.
func NewManager(path string) (*Manager, error) {
	cfg, err := LoadRoutingConfig(path)
	if os.IsNotExist(err) {
		cfg = DefaultRoutingConfig()
		if saveErr := SaveRoutingConfig(path, cfg); saveErr != nil {
			return nil, fmt.Errorf("failed to seed default config: %w", saveErr)
		}
		logging.Get(logging.CategoryConfig).Info("seeded default routing config at %s", path)
	} else if err != nil {
		return nil, err
	}
	return &Manager{path: path, current: cfg}, nil
}

// Path returns the backing file path.
func (m *Manager) Path() string { return m.path }

// GetConfig returns a snapshot of the current config.
func (m *Manager) GetConfig() *RoutingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// RegisterObserver adds an observer. Observers are invoked in registration
// order; a panicking observer is logged and skipped, never failing the
// update or starving later observers.
func (m *Manager) RegisterObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// UpdateConfig validates, persists, and installs a new config, then notifies
// observers with a snapshot.
func (m *Manager) UpdateConfig(cfg *RoutingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := SaveRoutingConfig(m.path, cfg); err != nil {
		return err
	}
	m.install(cfg.Clone())
	return nil
}

// UpsertCategory adds or replaces one capability category.
func (m *Manager) UpsertCategory(name string, cat CategoryConfig) error {
	cfg := m.GetConfig()
	cfg.Categories[name] = cat
	return m.UpdateConfig(cfg)
}

// DeleteCategory removes a category; returns false if it was absent.
func (m *Manager) DeleteCategory(name string) (bool, error) {
	cfg := m.GetConfig()
	if _, ok := cfg.Categories[name]; !ok {
		return false, nil
	}
	delete(cfg.Categories, name)
	return true, m.UpdateConfig(cfg)
}

// Reload re-parses the backing file and notifies observers.
func (m *Manager) Reload() error {
	cfg, err := LoadRoutingConfig(m.path)
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	m.install(cfg)
	logging.Get(logging.CategoryConfig).Info("routing config reloaded (%d categories)", len(cfg.Categories))
	return nil
}

// install swaps in the new config and notifies observers. The observer list
// is snapshotted under the lock and invoked outside it so a re-entrant
// observer cannot deadlock.
func (m *Manager) install(cfg *RoutingConfig) {
	m.mu.Lock()
	m.current = cfg
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for i, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryConfig).Error("observer %d panicked: %v", i, r)
				}
			}()
			obs(cfg.Clone())
		}()
	}
}
