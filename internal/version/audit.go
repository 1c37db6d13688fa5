// Package version implements dev mode: editable drafts of installed
// modules, the persistent version history with its active pointer, and the
// append-only dev audit trail.
package version

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/logging"
)

// Dev audit actions.
const (
	ActionDraftCreated    = "draft_created"
	ActionDraftEdited     = "draft_edited"
	ActionDraftDiffViewed = "draft_diff_viewed"
	ActionDraftValidated  = "draft_validated"
	ActionDraftPromoted   = "draft_promoted"
	ActionDraftDiscarded  = "draft_discarded"
	ActionVersionRollback = "version_rollback"
)

// AuditEvent is one line of the dev mode audit JSONL.
type AuditEvent struct {
	EventID   string         `json:"event_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	ModuleID  string         `json:"module_id,omitempty"`
	DraftID   string         `json:"draft_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// DevAuditLog appends dev actions to dev_mode_audit.jsonl. Within one
// process, event timestamps never decrease even if the wall clock does.
type DevAuditLog struct {
	path string
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewDevAuditLog creates the log under dir (typically .conductor/audit).
func NewDevAuditLog(dir string) (*DevAuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &DevAuditLog{
		path: filepath.Join(dir, "dev_mode_audit.jsonl"),
		now:  time.Now,
	}, nil
}

// Record appends one event. The stored timestamp is clamped to be
// non-decreasing relative to the previous event.
func (l *DevAuditLog) Record(action, actor, moduleID, draftID string, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts

	event := AuditEvent{
		EventID:   uuid.NewString(),
		Action:    action,
		Actor:     actor,
		Timestamp: ts,
		ModuleID:  moduleID,
		DraftID:   draftID,
		Details:   details,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dev audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append dev audit event: %w", err)
	}
	logging.Get(logging.CategoryVersion).Debug("audit %s by %s (module=%s draft=%s)", action, actor, moduleID, draftID)
	return nil
}

// Events reads the full log back, in write order.
func (l *DevAuditLog) Events() ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []AuditEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e AuditEvent
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("corrupt dev audit log: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
