package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// ModuleRecord is one row of the module registry. It mirrors the on-disk
// manifest; the registry is the queryable index, the manifest stays the
// source of truth for the module directory itself.
type ModuleRecord struct {
	ModuleID     string             `json:"module_id"`
	Name         string             `json:"name"`
	Category     string             `json:"category"`
	Platform     string             `json:"platform"`
	Version      string             `json:"version"`
	Status       types.ModuleStatus `json:"status"`
	Enabled      bool               `json:"enabled"`
	BundleSHA256 string             `json:"bundle_sha256,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	InstalledAt  time.Time          `json:"installed_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ModuleRegistry is the SQLite-backed index of installed modules.
type ModuleRegistry struct {
	db *sql.DB
	mu sync.Mutex
}

// NewModuleRegistry opens (and migrates) the registry database.
func NewModuleRegistry(path string) (*ModuleRegistry, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	r := &ModuleRegistry{db: db}
	if err := r.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *ModuleRegistry) initialize() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS module_registry (
			module_id     TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			category      TEXT NOT NULL,
			platform      TEXT NOT NULL,
			version       TEXT NOT NULL,
			status        TEXT NOT NULL,
			enabled       INTEGER NOT NULL DEFAULT 1,
			bundle_sha256 TEXT,
			capabilities  TEXT,
			installed_at  TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_module_registry_category ON module_registry(category);
		CREATE INDEX IF NOT EXISTS idx_module_registry_status ON module_registry(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize module_registry schema: %w", err)
	}
	return nil
}

// Install inserts or replaces the row for a module. Called only by the
// installer after attestation checks pass.
func (r *ModuleRegistry) Install(rec ModuleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	now := time.Now().UTC()
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = now
	}
	_, err = r.db.Exec(`
		INSERT INTO module_registry
			(module_id, name, category, platform, version, status, enabled, bundle_sha256, capabilities, installed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(module_id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			status = excluded.status,
			enabled = excluded.enabled,
			bundle_sha256 = excluded.bundle_sha256,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at`,
		rec.ModuleID, rec.Name, rec.Category, rec.Platform, rec.Version,
		string(rec.Status), boolInt(rec.Enabled), rec.BundleSHA256, string(caps),
		rec.InstalledAt, now)
	if err != nil {
		return fmt.Errorf("failed to install module %s: %w", rec.ModuleID, err)
	}
	logging.Get(logging.CategoryRegistry).Info("registered module %s version %s", rec.ModuleID, rec.Version)
	return nil
}

// Get returns the record for a module id, or (nil, nil) if absent.
func (r *ModuleRegistry) Get(moduleID string) (*ModuleRecord, error) {
	row := r.db.QueryRow(`
		SELECT module_id, name, category, platform, version, status, enabled,
		       COALESCE(bundle_sha256, ''), COALESCE(capabilities, '[]'),
		       installed_at, updated_at
		FROM module_registry WHERE module_id = ?`, moduleID)
	rec, err := scanModule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// List returns all rows, optionally filtered by status (empty = all).
func (r *ModuleRegistry) List(status types.ModuleStatus) ([]ModuleRecord, error) {
	query := `
		SELECT module_id, name, category, platform, version, status, enabled,
		       COALESCE(bundle_sha256, ''), COALESCE(capabilities, '[]'),
		       installed_at, updated_at
		FROM module_registry`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY module_id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var out []ModuleRecord
	for rows.Next() {
		rec, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SetEnabled flips the enabled flag. Returns false if the module is unknown.
func (r *ModuleRegistry) SetEnabled(moduleID string, enabled bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`UPDATE module_registry SET enabled = ?, updated_at = ? WHERE module_id = ?`,
		boolInt(enabled), time.Now().UTC(), moduleID)
	if err != nil {
		return false, fmt.Errorf("failed to update module %s: %w", moduleID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetStatus records a lifecycle transition, refusing illegal edges.
func (r *ModuleRegistry) SetStatus(moduleID string, next types.ModuleStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current string
	err := r.db.QueryRow(`SELECT status FROM module_registry WHERE module_id = ?`, moduleID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("module %s not found", moduleID)
	}
	if err != nil {
		return err
	}
	if !types.ModuleStatus(current).CanTransition(next) {
		return fmt.Errorf("illegal status transition %s -> %s for %s", current, next, moduleID)
	}
	_, err = r.db.Exec(`UPDATE module_registry SET status = ?, updated_at = ? WHERE module_id = ?`,
		string(next), time.Now().UTC(), moduleID)
	return err
}

// Uninstall removes the row. Returns false if it was not present.
func (r *ModuleRegistry) Uninstall(moduleID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`DELETE FROM module_registry WHERE module_id = ?`, moduleID)
	if err != nil {
		return false, fmt.Errorf("failed to uninstall module %s: %w", moduleID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Get(logging.CategoryRegistry).Info("uninstalled module %s", moduleID)
	}
	return n > 0, nil
}

// Close releases the database handle.
func (r *ModuleRegistry) Close() error { return r.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (*ModuleRecord, error) {
	var rec ModuleRecord
	var status, caps string
	var enabled int
	if err := row.Scan(&rec.ModuleID, &rec.Name, &rec.Category, &rec.Platform,
		&rec.Version, &status, &enabled, &rec.BundleSHA256, &caps,
		&rec.InstalledAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = types.ModuleStatus(status)
	rec.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(caps), &rec.Capabilities); err != nil {
		return nil, fmt.Errorf("corrupt capabilities for %s: %w", rec.ModuleID, err)
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
