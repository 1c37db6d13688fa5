package version

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// VersionStatus is the persisted state of a module version.
type VersionStatus string

const (
	VersionValidated VersionStatus = "VALIDATED"
	VersionArchived  VersionStatus = "ARCHIVED"
)

// DefaultOrg scopes active pointers when no organization is given.
const DefaultOrg = "default"

// ModuleVersion is one immutable snapshot of a module.
type ModuleVersion struct {
	VersionID        string                  `json:"version_id"`
	ModuleID         string                  `json:"module_id"`
	BundleSHA256     string                  `json:"bundle_sha256"`
	Status           VersionStatus           `json:"status"`
	CreatedAt        time.Time               `json:"created_at"`
	CreatedBy        string                  `json:"created_by"`
	Source           string                  `json:"source"` // generated, draft_promoted, ...
	ValidationReport *types.ValidationReport `json:"validation_report,omitempty"`
	Metadata         map[string]any          `json:"metadata,omitempty"`
}

// VersionManager records every validated bundle and keeps one active
// pointer per (module_id, org_id). No version is ever deleted; rollback and
// activation only move the pointer.
type VersionManager struct {
	db    *sql.DB
	audit *DevAuditLog
	mu    sync.Mutex
}

// NewVersionManager opens (and migrates) the version database.
func NewVersionManager(path string, audit *DevAuditLog) (*VersionManager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create version directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open version database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryVersion).Debug("pragma failed (%s): %v", pragma, err)
		}
	}

	m := &VersionManager{db: db, audit: audit}
	if err := m.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *VersionManager) initialize() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS module_versions (
			version_id        TEXT PRIMARY KEY,
			module_id         TEXT NOT NULL,
			bundle_sha256     TEXT NOT NULL,
			status            TEXT NOT NULL,
			created_at        TIMESTAMP NOT NULL,
			created_by        TEXT NOT NULL,
			source            TEXT NOT NULL,
			validation_report TEXT,
			metadata          TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_module_versions_module ON module_versions(module_id);
		CREATE TABLE IF NOT EXISTS active_versions (
			module_id    TEXT NOT NULL,
			org_id       TEXT NOT NULL DEFAULT 'default',
			version_id   TEXT NOT NULL REFERENCES module_versions(version_id),
			activated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (module_id, org_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize version schema: %w", err)
	}
	return nil
}

// RegisterVersion stores a new validated snapshot and returns it.
func (m *VersionManager) RegisterVersion(moduleID, bundleSHA256, createdBy, source string, report *types.ValidationReport) (*ModuleVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := &ModuleVersion{
		VersionID:        "v_" + uuid.NewString()[:12],
		ModuleID:         moduleID,
		BundleSHA256:     bundleSHA256,
		Status:           VersionValidated,
		CreatedAt:        time.Now().UTC(),
		CreatedBy:        createdBy,
		Source:           source,
		ValidationReport: report,
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	_, err = m.db.Exec(`
		INSERT INTO module_versions
			(version_id, module_id, bundle_sha256, status, created_at, created_by, source, validation_report, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}')`,
		v.VersionID, v.ModuleID, v.BundleSHA256, string(v.Status), v.CreatedAt, v.CreatedBy, v.Source, string(reportJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to register version: %w", err)
	}
	logging.Get(logging.CategoryVersion).Info("registered %s for %s (bundle %.12s)", v.VersionID, moduleID, bundleSHA256)
	return v, nil
}

// GetVersion loads one version, or (nil, nil) if unknown.
func (m *VersionManager) GetVersion(versionID string) (*ModuleVersion, error) {
	row := m.db.QueryRow(`
		SELECT version_id, module_id, bundle_sha256, status, created_at, created_by, source, validation_report
		FROM module_versions WHERE version_id = ?`, versionID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// ListVersions returns every version of a module, oldest first.
func (m *VersionManager) ListVersions(moduleID string) ([]ModuleVersion, error) {
	rows, err := m.db.Query(`
		SELECT version_id, module_id, bundle_sha256, status, created_at, created_by, source, validation_report
		FROM module_versions WHERE module_id = ? ORDER BY created_at ASC, version_id ASC`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModuleVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// ActiveVersion returns the active version id for (module, org), or "".
func (m *VersionManager) ActiveVersion(moduleID, orgID string) (string, error) {
	if orgID == "" {
		orgID = DefaultOrg
	}
	var id string
	err := m.db.QueryRow(`SELECT version_id FROM active_versions WHERE module_id = ? AND org_id = ?`,
		moduleID, orgID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// ActivateVersion points (module, org) at a version.
func (m *VersionManager) ActivateVersion(moduleID, versionID, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setActive(moduleID, versionID, orgID)
}

func (m *VersionManager) setActive(moduleID, versionID, orgID string) error {
	if orgID == "" {
		orgID = DefaultOrg
	}
	_, err := m.db.Exec(`
		INSERT INTO active_versions (module_id, org_id, version_id, activated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(module_id, org_id) DO UPDATE SET
			version_id = excluded.version_id,
			activated_at = excluded.activated_at`,
		moduleID, orgID, versionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to activate version %s: %w", versionID, err)
	}
	return nil
}

// RollbackToVersion moves the active pointer to a prior VALIDATED version.
// Instant, non-destructive: no version row is touched. Emits a
// version_rollback audit event with the from/to pair.
func (m *VersionManager) RollbackToVersion(moduleID, targetVersionID, actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.GetVersion(targetVersionID)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("version %s not found", targetVersionID)
	}
	if target.ModuleID != moduleID {
		return fmt.Errorf("version %s belongs to %s, not %s", targetVersionID, target.ModuleID, moduleID)
	}
	if target.Status != VersionValidated {
		return fmt.Errorf("cannot roll back to version %s with status %s", targetVersionID, target.Status)
	}

	from, err := m.ActiveVersion(moduleID, DefaultOrg)
	if err != nil {
		return err
	}
	if err := m.setActive(moduleID, targetVersionID, DefaultOrg); err != nil {
		return err
	}

	if m.audit != nil {
		if err := m.audit.Record(ActionVersionRollback, actor, moduleID, "", map[string]any{
			"from_version":  from,
			"to_version":    targetVersionID,
			"bundle_sha256": target.BundleSHA256,
			"reason":        reason,
		}); err != nil {
			logging.Get(logging.CategoryVersion).Error("failed to record rollback: %v", err)
		}
	}
	logging.Get(logging.CategoryVersion).Info("rolled back %s: %s -> %s (%s)", moduleID, from, targetVersionID, reason)
	return nil
}

// Close releases the database handle.
func (m *VersionManager) Close() error { return m.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*ModuleVersion, error) {
	var v ModuleVersion
	var status string
	var reportJSON sql.NullString
	if err := row.Scan(&v.VersionID, &v.ModuleID, &v.BundleSHA256, &status,
		&v.CreatedAt, &v.CreatedBy, &v.Source, &reportJSON); err != nil {
		return nil, err
	}
	v.Status = VersionStatus(status)
	if reportJSON.Valid && reportJSON.String != "" && reportJSON.String != "null" {
		var report types.ValidationReport
		if err := json.Unmarshal([]byte(reportJSON.String), &report); err == nil {
			v.ValidationReport = &report
		}
	}
	return &v, nil
}
