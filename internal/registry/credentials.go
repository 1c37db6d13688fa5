package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// Credentials are the secrets one adapter needs to reach its upstream API.
// They exist in plaintext only in memory; the store persists a Fernet token.
type Credentials struct {
	AuthType types.AuthType    `json:"auth_type"`
	Fields   map[string]string `json:"fields"`
}

// CredentialStore keeps per-module credentials encrypted at rest in SQLite.
type CredentialStore struct {
	db   *sql.DB
	keys []*fernet.Key
	mu   sync.Mutex
}

// NewCredentialStore opens the store. key is a base64 Fernet key; rotation
// works by passing the new key first and the old keys after it, decryption
// tries each in order.
func NewCredentialStore(path string, keys ...string) (*CredentialStore, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("credential store requires at least one encryption key")
	}
	parsed, err := fernet.DecodeKeys(keys...)
	if err != nil {
		return nil, fmt.Errorf("invalid credential encryption key: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &CredentialStore{db: db, keys: parsed}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS module_credentials (
			module_id  TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize module_credentials schema: %w", err)
	}
	return s, nil
}

// Store encrypts and persists the credentials for a module.
func (s *CredentialStore) Store(moduleID string, creds Credentials) error {
	if !types.ValidModuleID(moduleID) {
		return fmt.Errorf("invalid module id %q", moduleID)
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	token, err := fernet.EncryptAndSign(plaintext, s.keys[0])
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO module_credentials (module_id, ciphertext, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(module_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		moduleID, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store credentials for %s: %w", moduleID, err)
	}
	logging.Get(logging.CategoryRegistry).Info("stored credentials for %s", moduleID)
	return nil
}

// Load decrypts the credentials for a module. Returns (nil, nil) when no
// credentials are stored.
func (s *CredentialStore) Load(moduleID string) (*Credentials, error) {
	var ciphertext []byte
	err := s.db.QueryRow(`SELECT ciphertext FROM module_credentials WHERE module_id = ?`, moduleID).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s: %w", moduleID, err)
	}
	// TTL 0: tokens never expire, rotation happens by re-encrypting.
	plaintext := fernet.VerifyAndDecrypt(ciphertext, 0, s.keys)
	if plaintext == nil {
		return nil, fmt.Errorf("failed to decrypt credentials for %s: no key matched", moduleID)
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("corrupt credentials for %s: %w", moduleID, err)
	}
	return &creds, nil
}

// Delete removes stored credentials. Reports whether any existed.
func (s *CredentialStore) Delete(moduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM module_credentials WHERE module_id = ?`, moduleID)
	if err != nil {
		return false, fmt.Errorf("failed to delete credentials for %s: %w", moduleID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Close releases the database handle.
func (s *CredentialStore) Close() error { return s.db.Close() }
