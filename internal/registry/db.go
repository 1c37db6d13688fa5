// Package registry persists module state: the SQLite module registry, the
// in-memory adapter registry populated at install time, the encrypted
// credential store, and the online tool composition policy store.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"conductor/internal/logging"
)

// openDB opens a SQLite database with the pragmas every conductor store
// uses: WAL for concurrent readers, a busy timeout instead of immediate
// SQLITE_BUSY, and NORMAL synchronous which is safe under WAL.
func openDB(path string) (*sql.DB, error) {
	log := logging.Get(logging.CategoryStore)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed (%s): %v", pragma, err)
		}
	}
	log.Debug("opened sqlite database at %s", path)
	return db, nil
}
