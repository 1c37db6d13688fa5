package buildlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conductor/internal/types"
)

// Stage names which pipeline stage produced an attempt.
type Stage string

const (
	StageScaffold  Stage = "scaffold"
	StageImplement Stage = "implement"
	StageTests     Stage = "tests"
	StageRepair    Stage = "repair"
)

// AttemptStatus is the outcome of one attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	AttemptError   AttemptStatus = "error"
)

// AttemptRecord is one immutable pipeline attempt. Records are never mutated
// after being appended to a BuildAuditLog.
type AttemptRecord struct {
	AttemptNumber      int                     `json:"attempt_number"`
	BundleSHA256       string                  `json:"bundle_sha256"`
	Stage              Stage                   `json:"stage"`
	Status             AttemptStatus           `json:"status"`
	Timestamp          time.Time               `json:"timestamp"`
	ValidationReport   *types.ValidationReport `json:"validation_report,omitempty"`
	Logs               []string                `json:"logs,omitempty"`
	FailureFingerprint string                  `json:"failure_fingerprint,omitempty"`
	FailureType        FailureType             `json:"failure_type,omitempty"`
	Metadata           map[string]any          `json:"metadata,omitempty"`
}

// BuildAuditLog is the append-only attempt history for one pipeline job.
// attempt_number is assigned on append and is monotonic 1..N.
type BuildAuditLog struct {
	mu       sync.Mutex
	JobID    string          `json:"job_id"`
	ModuleID string          `json:"module_id"`
	Attempts []AttemptRecord `json:"attempts"`
}

// NewBuildAuditLog creates an empty audit log for a job.
func NewBuildAuditLog(jobID, moduleID string) *BuildAuditLog {
	return &BuildAuditLog{JobID: jobID, ModuleID: moduleID}
}

// Append adds a record, assigning the next attempt number. The stored copy
// is owned by the log; callers must not mutate rec afterwards.
func (l *BuildAuditLog) Append(rec AttemptRecord) AttemptRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.AttemptNumber = len(l.Attempts) + 1
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	l.Attempts = append(l.Attempts, rec)
	return rec
}

// Len returns the number of recorded attempts.
func (l *BuildAuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Attempts)
}

// Last returns the most recent attempt, or false when empty.
func (l *BuildAuditLog) Last() (AttemptRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Attempts) == 0 {
		return AttemptRecord{}, false
	}
	return l.Attempts[len(l.Attempts)-1], true
}

// HasConsecutiveIdenticalFailures reports whether the last two attempts
// failed with the same non-empty fingerprint. This is the thrash signal: the
// repair loop is rewriting code without changing the failure shape.
func (l *BuildAuditLog) HasConsecutiveIdenticalFailures() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.Attempts)
	if n < 2 {
		return false
	}
	a, b := l.Attempts[n-2], l.Attempts[n-1]
	if a.Status == AttemptSuccess || b.Status == AttemptSuccess {
		return false
	}
	return a.FailureFingerprint != "" && a.FailureFingerprint == b.FailureFingerprint
}

// Serialize renders the log as indented JSON.
func (l *BuildAuditLog) Serialize() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.MarshalIndent(struct {
		JobID    string          `json:"job_id"`
		ModuleID string          `json:"module_id"`
		Attempts []AttemptRecord `json:"attempts"`
	}{l.JobID, l.ModuleID, l.Attempts}, "", "  ")
}

// Load parses a serialized audit log. Round-tripping preserves attempt order
// and every field.
func Load(data []byte) (*BuildAuditLog, error) {
	var raw struct {
		JobID    string          `json:"job_id"`
		ModuleID string          `json:"module_id"`
		Attempts []AttemptRecord `json:"attempts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse audit log: %w", err)
	}
	return &BuildAuditLog{JobID: raw.JobID, ModuleID: raw.ModuleID, Attempts: raw.Attempts}, nil
}

// SaveTo writes the log to <dir>/<job_id>_audit.json atomically.
func (l *BuildAuditLog) SaveTo(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create audit dir: %w", err)
	}
	data, err := l.Serialize()
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s_audit.json", l.JobID))
	tmp, err := os.CreateTemp(dir, ".audit-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp audit file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write audit log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close audit log: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize audit log: %w", err)
	}
	return dest, nil
}

// LoadFrom reads <dir>/<job_id>_audit.json.
func LoadFrom(dir, jobID string) (*BuildAuditLog, error) {
	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%s_audit.json", jobID)))
	if err != nil {
		return nil, err
	}
	return Load(data)
}
