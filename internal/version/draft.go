package version

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/artifact"
	"conductor/internal/logging"
	"conductor/internal/types"
)

// DraftState is the lifecycle state of a draft.
type DraftState string

const (
	DraftEditing   DraftState = "EDITING"
	DraftValidated DraftState = "VALIDATED"
	DraftPromoted  DraftState = "PROMOTED"
	DraftDiscarded DraftState = "DISCARDED"
)

// Draft is an editable copy of an installed module's files.
type Draft struct {
	DraftID      string     `json:"draft_id"`
	ModuleID     string     `json:"module_id"`
	State        DraftState `json:"state"`
	BundleSHA256 string     `json:"bundle_sha256,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CreatedBy    string     `json:"created_by"`
}

// ModuleSource supplies the installed module's files to copy into a draft.
type ModuleSource interface {
	CollectFiles(moduleID string) (map[string]string, error)
	Exists(moduleID string) bool
}

// DraftValidator validates a draft's file set and returns the merged report.
type DraftValidator func(ctx context.Context, moduleID string, files map[string]string) (*types.ValidationReport, error)

// DraftInstaller promotes a validated draft: it receives the draft's files
// and the attestation pair {bundle_sha256, "VALIDATED"}.
type DraftInstaller func(moduleID string, files map[string]string, bundleSHA256 string) error

// DraftManager owns the draft workspace under .conductor/drafts/.
type DraftManager struct {
	root   string
	source ModuleSource
	audit  *DevAuditLog

	mu     sync.Mutex
	drafts map[string]*Draft
}

// NewDraftManager opens the draft workspace.
func NewDraftManager(root string, source ModuleSource, audit *DevAuditLog) (*DraftManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create draft workspace: %w", err)
	}
	return &DraftManager{
		root:   root,
		source: source,
		audit:  audit,
		drafts: make(map[string]*Draft),
	}, nil
}

// CreateDraft copies the installed module's files into a fresh draft
// directory. The new draft starts in EDITING.
func (m *DraftManager) CreateDraft(moduleID, actor string) (*Draft, error) {
	if !m.source.Exists(moduleID) {
		return nil, fmt.Errorf("module %s not found", moduleID)
	}
	files, err := m.source.CollectFiles(moduleID)
	if err != nil {
		return nil, err
	}

	draft := &Draft{
		DraftID:   "draft_" + uuid.NewString()[:8],
		ModuleID:  moduleID,
		State:     DraftEditing,
		CreatedAt: time.Now().UTC(),
		CreatedBy: actor,
	}
	dir := filepath.Join(m.root, draft.DraftID)
	for name, content := range files {
		dest := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to seed draft: %w", err)
		}
	}

	m.mu.Lock()
	m.drafts[draft.DraftID] = draft
	m.mu.Unlock()

	m.record(ActionDraftCreated, actor, draft, nil)
	logging.Get(logging.CategoryVersion).Info("created %s from %s", draft.DraftID, moduleID)
	return draft, nil
}

// Get returns the draft by id.
func (m *DraftManager) Get(draftID string) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return nil, fmt.Errorf("draft %s not found", draftID)
	}
	return d, nil
}

// EditFile writes one file into the draft. Allowed only in EDITING; editing
// a VALIDATED draft requires discarding the validation by design, so the
// call fails rather than silently downgrading.
func (m *DraftManager) EditFile(draftID, path, content, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drafts[draftID]
	if !ok {
		return fmt.Errorf("draft %s not found", draftID)
	}
	if d.State != DraftEditing {
		return fmt.Errorf("Cannot edit in state %s", d.State)
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("path %q escapes the draft", path)
	}
	dest := filepath.Join(m.root, draftID, clean)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return err
	}
	m.record(ActionDraftEdited, actor, d, map[string]any{"path": path})
	return nil
}

// Files returns the draft's current file set.
func (m *DraftManager) Files(draftID string) (map[string]string, error) {
	m.mu.Lock()
	_, ok := m.drafts[draftID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("draft %s not found", draftID)
	}

	dir := filepath.Join(m.root, draftID)
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, de os.DirEntry, err error) error {
		if err != nil || de.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Diff compares the draft against the installed module's current files.
func (m *DraftManager) Diff(draftID, actor string) (*artifact.Diff, error) {
	d, err := m.Get(draftID)
	if err != nil {
		return nil, err
	}
	draftFiles, err := m.Files(draftID)
	if err != nil {
		return nil, err
	}
	moduleFiles, err := m.source.CollectFiles(d.ModuleID)
	if err != nil {
		return nil, err
	}
	base := artifact.BuildFromDict(moduleFiles, "", "", d.ModuleID, "installed")
	head := artifact.BuildFromDict(draftFiles, "", "", d.ModuleID, "draft")
	m.record(ActionDraftDiffViewed, actor, d, nil)
	return artifact.DiffBundles(base, head), nil
}

// ValidateDraft runs the injected validator over the draft's files. Success
// moves the draft to VALIDATED and pins the bundle hash; failure returns it
// to EDITING.
func (m *DraftManager) ValidateDraft(ctx context.Context, draftID, actor string, validate DraftValidator) (*types.ValidationReport, error) {
	d, err := m.Get(draftID)
	if err != nil {
		return nil, err
	}
	if d.State == DraftDiscarded || d.State == DraftPromoted {
		return nil, fmt.Errorf("Cannot validate in state %s", d.State)
	}
	files, err := m.Files(draftID)
	if err != nil {
		return nil, err
	}

	report, err := validate(ctx, d.ModuleID, files)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if report.Passed() {
		d.State = DraftValidated
		d.BundleSHA256 = artifact.BundleHash(files)
	} else {
		d.State = DraftEditing
		d.BundleSHA256 = ""
	}
	m.mu.Unlock()

	m.record(ActionDraftValidated, actor, d, map[string]any{
		"status":        string(report.Status),
		"bundle_sha256": d.BundleSHA256,
	})
	return report, nil
}

// PromoteDraft installs a VALIDATED draft via the injected installer with
// the recorded bundle hash as attestation.
func (m *DraftManager) PromoteDraft(draftID, actor string, install DraftInstaller) error {
	d, err := m.Get(draftID)
	if err != nil {
		return err
	}
	if d.State != DraftValidated {
		if d.State == DraftDiscarded {
			return fmt.Errorf("Cannot validate in state %s", d.State)
		}
		return fmt.Errorf("Cannot promote in state %s", d.State)
	}
	files, err := m.Files(draftID)
	if err != nil {
		return err
	}
	// The files may have been tampered with since validation; the installer
	// re-verifies the hash, but a mismatch is cheaper to catch here.
	if got := artifact.BundleHash(files); got != d.BundleSHA256 {
		return fmt.Errorf("draft %s changed since validation (bundle hash mismatch)", draftID)
	}

	if err := install(d.ModuleID, files, d.BundleSHA256); err != nil {
		return err
	}

	m.mu.Lock()
	d.State = DraftPromoted
	m.mu.Unlock()

	m.record(ActionDraftPromoted, actor, d, map[string]any{"bundle_sha256": d.BundleSHA256})
	logging.Get(logging.CategoryVersion).Info("promoted %s into %s", draftID, d.ModuleID)
	return nil
}

// DiscardDraft is allowed in any state and is final.
func (m *DraftManager) DiscardDraft(draftID, actor string) error {
	d, err := m.Get(draftID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	d.State = DraftDiscarded
	m.mu.Unlock()
	m.record(ActionDraftDiscarded, actor, d, nil)
	return nil
}

// List returns all drafts, newest first.
func (m *DraftManager) List() []*Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Draft, 0, len(m.drafts))
	for _, d := range m.drafts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *DraftManager) record(action, actor string, d *Draft, details map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(action, actor, d.ModuleID, d.DraftID, details); err != nil {
		logging.Get(logging.CategoryVersion).Error("failed to record %s: %v", action, err)
	}
}
