// Package server exposes the admin HTTP surface: routing config management,
// module administration, the query control operations, and API key auth.
package server

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"conductor/internal/logging"
)

// Role is an access level attached to an API key.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
	RoleOwner    Role = "owner"
)

// Permissions.
const (
	PermReadConfig    = "read_config"
	PermWriteConfig   = "write_config"
	PermManageModules = "manage_modules"
	PermManageKeys    = "manage_keys"
)

// rolePermissions is the role to permission table. Owner holds everything.
var rolePermissions = map[Role][]string{
	RoleViewer:   {PermReadConfig},
	RoleOperator: {PermReadConfig, PermManageModules},
	RoleAdmin:    {PermReadConfig, PermWriteConfig, PermManageModules, PermManageKeys},
	RoleOwner:    {PermReadConfig, PermWriteConfig, PermManageModules, PermManageKeys},
}

// HasPermission reports whether the role grants the permission.
func (r Role) HasPermission(perm string) bool {
	for _, p := range rolePermissions[r] {
		if p == perm {
			return true
		}
	}
	return false
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Key statuses.
const (
	KeyActive          = "active"
	KeyRotationPending = "rotation_pending"
	KeyRevoked         = "revoked"
)

// rotationGrace is how long a rotation_pending key keeps working.
const rotationGrace = 7 * 24 * time.Hour

// User is the authenticated principal a key resolves to.
type User struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   Role   `json:"role"`
}

// APIKeyStore persists keys hashed at rest plus the org and user rows they
// hang off.
type APIKeyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewAPIKeyStore opens (and migrates) the auth database.
func NewAPIKeyStore(path string) (*APIKeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create auth directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryServer).Debug("pragma failed (%s): %v", pragma, err)
		}
	}

	s := &APIKeyStore{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *APIKeyStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS organizations (
			org_id     TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS users (
			user_id    TEXT PRIMARY KEY,
			org_id     TEXT NOT NULL REFERENCES organizations(org_id),
			role       TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS api_keys (
			key_hash     TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL REFERENCES users(user_id),
			org_id       TEXT NOT NULL,
			role         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			grace_until  TIMESTAMP,
			created_at   TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS usage_records (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			org_id    TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			endpoint  TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize auth schema: %w", err)
	}
	return nil
}

// hashKey is the at-rest form of a key. Plaintext keys are never stored.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateKey mints a new API key for an org with a role, creating the org
// and a user row as needed. The plaintext key is returned exactly once.
func (s *APIKeyStore) CreateKey(orgID string, role Role) (string, *User, error) {
	if !role.Valid() {
		return "", nil, fmt.Errorf("unknown role %q", role)
	}

	now := s.now().UTC()
	if _, err := s.db.Exec(`
		INSERT INTO organizations (org_id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(org_id) DO NOTHING`, orgID, orgID, now); err != nil {
		return "", nil, err
	}

	user := &User{
		UserID: "u_" + uuid.NewString()[:8],
		OrgID:  orgID,
		Role:   role,
	}
	if _, err := s.db.Exec(`INSERT INTO users (user_id, org_id, role, created_at) VALUES (?, ?, ?, ?)`,
		user.UserID, orgID, string(role), now); err != nil {
		return "", nil, err
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	key := "ck_" + hex.EncodeToString(raw)

	if _, err := s.db.Exec(`
		INSERT INTO api_keys (key_hash, user_id, org_id, role, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		hashKey(key), user.UserID, orgID, string(role), KeyActive, now); err != nil {
		return "", nil, err
	}
	logging.Get(logging.CategoryServer).Info("created %s key for org %s", role, orgID)
	return key, user, nil
}

// ValidateKey resolves a plaintext key to its user. Revoked keys and
// rotation_pending keys past their grace window are rejected.
func (s *APIKeyStore) ValidateKey(key string) (*User, error) {
	var user User
	var role, status string
	var graceUntil sql.NullTime
	err := s.db.QueryRow(`
		SELECT user_id, org_id, role, status, grace_until
		FROM api_keys WHERE key_hash = ?`, hashKey(key)).
		Scan(&user.UserID, &user.OrgID, &role, &status, &graceUntil)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown API key")
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case KeyActive:
	case KeyRotationPending:
		if !graceUntil.Valid || s.now().UTC().After(graceUntil.Time) {
			return nil, fmt.Errorf("API key rotation grace period expired")
		}
	case KeyRevoked:
		return nil, fmt.Errorf("API key revoked")
	default:
		return nil, fmt.Errorf("API key in unknown status %q", status)
	}

	user.Role = Role(role)
	_, _ = s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`, s.now().UTC(), hashKey(key))
	return &user, nil
}

// BeginRotation flips a key to rotation_pending with the default grace.
func (s *APIKeyStore) BeginRotation(key string) error {
	grace := s.now().UTC().Add(rotationGrace)
	res, err := s.db.Exec(`
		UPDATE api_keys SET status = ?, grace_until = ? WHERE key_hash = ? AND status = ?`,
		KeyRotationPending, grace, hashKey(key), KeyActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key not found or not active")
	}
	return nil
}

// RevokeKey marks a key revoked immediately.
func (s *APIKeyStore) RevokeKey(key string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET status = ? WHERE key_hash = ?`, KeyRevoked, hashKey(key))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key not found")
	}
	return nil
}

// RecordUsage appends one usage row for billing.
func (s *APIKeyStore) RecordUsage(user *User, endpoint string) {
	if user == nil {
		return
	}
	if _, err := s.db.Exec(`
		INSERT INTO usage_records (org_id, user_id, endpoint, timestamp) VALUES (?, ?, ?, ?)`,
		user.OrgID, user.UserID, endpoint, s.now().UTC()); err != nil {
		logging.Get(logging.CategoryServer).Error("failed to record usage: %v", err)
	}
}

// Close releases the database handle.
func (s *APIKeyStore) Close() error { return s.db.Close() }
