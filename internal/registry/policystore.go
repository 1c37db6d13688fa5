package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PolicyStore persists the online tool composition state: which intent
// classes exist, which module sets serve them, the learned policy
// checkpoints, and the trajectory/reward history those checkpoints are
// trained from.
type PolicyStore struct {
	db *sql.DB
}

// IntentClass is a named class of user intent that module sets are scored
// against.
type IntentClass struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ModuleSet is a candidate composition of modules for one intent class.
type ModuleSet struct {
	ID            int64     `json:"id"`
	IntentClassID int64     `json:"intent_class_id"`
	ModuleIDs     []string  `json:"module_ids"`
	Score         float64   `json:"score"`
	CreatedAt     time.Time `json:"created_at"`
}

// PolicyCheckpoint is one frozen snapshot of the learned policy.
type PolicyCheckpoint struct {
	ID        int64           `json:"id"`
	Version   string          `json:"version"`
	Weights   json.RawMessage `json:"weights"`
	CreatedAt time.Time       `json:"created_at"`
}

// TrajectoryEntry records one routing decision and its outcome.
type TrajectoryEntry struct {
	ID            int64     `json:"id"`
	Query         string    `json:"query"`
	IntentClassID int64     `json:"intent_class_id"`
	ModuleSetID   int64     `json:"module_set_id"`
	Outcome       string    `json:"outcome"`
	LatencyMs     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewPolicyStore opens (and migrates) the policy database.
func NewPolicyStore(path string) (*PolicyStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &PolicyStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PolicyStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS intent_classes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			created_at  TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS module_sets (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			intent_class_id INTEGER NOT NULL REFERENCES intent_classes(id),
			module_ids      TEXT NOT NULL,
			score           REAL NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS policy_checkpoints (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			version    TEXT NOT NULL,
			weights    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS trajectory_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			query           TEXT NOT NULL,
			intent_class_id INTEGER NOT NULL,
			module_set_id   INTEGER NOT NULL,
			outcome         TEXT NOT NULL,
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reward_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			trajectory_id INTEGER NOT NULL REFERENCES trajectory_log(id),
			reward        REAL NOT NULL,
			source        TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_module_sets_intent ON module_sets(intent_class_id);
		CREATE INDEX IF NOT EXISTS idx_reward_events_trajectory ON reward_events(trajectory_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize policy store schema: %w", err)
	}
	return nil
}

// EnsureIntentClass inserts the class if missing and returns its id.
func (s *PolicyStore) EnsureIntentClass(name, description string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM intent_classes WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := s.db.Exec(`INSERT INTO intent_classes (name, description, created_at) VALUES (?, ?, ?)`,
		name, description, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert intent class %s: %w", name, err)
	}
	return res.LastInsertId()
}

// UpsertModuleSet records a candidate module set with its current score.
func (s *PolicyStore) UpsertModuleSet(intentClassID int64, moduleIDs []string, score float64) (int64, error) {
	encoded, err := json.Marshal(moduleIDs)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(`SELECT id FROM module_sets WHERE intent_class_id = ? AND module_ids = ?`,
		intentClassID, string(encoded)).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.Exec(`UPDATE module_sets SET score = ? WHERE id = ?`, score, id)
		return id, err
	case err == sql.ErrNoRows:
		res, err := s.db.Exec(`INSERT INTO module_sets (intent_class_id, module_ids, score, created_at) VALUES (?, ?, ?, ?)`,
			intentClassID, string(encoded), score, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to insert module set: %w", err)
		}
		return res.LastInsertId()
	default:
		return 0, err
	}
}

// BestModuleSet returns the highest-scoring set for an intent class, or
// (nil, nil) when none exists.
func (s *PolicyStore) BestModuleSet(intentClassID int64) (*ModuleSet, error) {
	row := s.db.QueryRow(`
		SELECT id, intent_class_id, module_ids, score, created_at
		FROM module_sets WHERE intent_class_id = ?
		ORDER BY score DESC, id ASC LIMIT 1`, intentClassID)
	var ms ModuleSet
	var encoded string
	err := row.Scan(&ms.ID, &ms.IntentClassID, &encoded, &ms.Score, &ms.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(encoded), &ms.ModuleIDs); err != nil {
		return nil, fmt.Errorf("corrupt module set %d: %w", ms.ID, err)
	}
	return &ms, nil
}

// SaveCheckpoint appends a policy checkpoint.
func (s *PolicyStore) SaveCheckpoint(version string, weights json.RawMessage) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO policy_checkpoints (version, weights, created_at) VALUES (?, ?, ?)`,
		version, string(weights), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to save checkpoint %s: %w", version, err)
	}
	return res.LastInsertId()
}

// LatestCheckpoint returns the most recent checkpoint, or (nil, nil).
func (s *PolicyStore) LatestCheckpoint() (*PolicyCheckpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, version, weights, created_at FROM policy_checkpoints
		ORDER BY id DESC LIMIT 1`)
	var cp PolicyCheckpoint
	var weights string
	err := row.Scan(&cp.ID, &cp.Version, &weights, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Weights = json.RawMessage(weights)
	return &cp, nil
}

// LogTrajectory appends one routing decision to the trajectory log.
func (s *PolicyStore) LogTrajectory(entry TrajectoryEntry) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO trajectory_log (query, intent_class_id, module_set_id, outcome, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Query, entry.IntentClassID, entry.ModuleSetID, entry.Outcome, entry.LatencyMs, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to log trajectory: %w", err)
	}
	return res.LastInsertId()
}

// RecordReward attaches a reward signal to a logged trajectory.
func (s *PolicyStore) RecordReward(trajectoryID int64, reward float64, source string) error {
	_, err := s.db.Exec(`INSERT INTO reward_events (trajectory_id, reward, source, created_at) VALUES (?, ?, ?, ?)`,
		trajectoryID, reward, source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record reward: %w", err)
	}
	return err
}

// Close releases the database handle.
func (s *PolicyStore) Close() error { return s.db.Close() }
