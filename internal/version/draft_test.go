package version

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conductor/internal/types"
)

// fakeSource serves a fixed file set as the installed module.
type fakeSource struct {
	modules map[string]map[string]string
}

func (s *fakeSource) CollectFiles(moduleID string) (map[string]string, error) {
	files, ok := s.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("module %s not found", moduleID)
	}
	out := make(map[string]string, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSource) Exists(moduleID string) bool {
	_, ok := s.modules[moduleID]
	return ok
}

func newDraftFixture(t *testing.T) (*DraftManager, *fakeSource, *DevAuditLog) {
	t.Helper()
	source := &fakeSource{modules: map[string]map[string]string{
		"weather/open_meteo": {
			"adapter.go":      "package main\n\nfunc placeholder() {}\n",
			"adapter_test.go": "package main\n",
		},
	}}
	audit, err := NewDevAuditLog(filepath.Join(t.TempDir(), "audit"))
	if err != nil {
		t.Fatalf("NewDevAuditLog: %v", err)
	}
	m, err := NewDraftManager(filepath.Join(t.TempDir(), "drafts"), source, audit)
	if err != nil {
		t.Fatalf("NewDraftManager: %v", err)
	}
	return m, source, audit
}

func passingValidator(t *testing.T) DraftValidator {
	t.Helper()
	return func(ctx context.Context, moduleID string, files map[string]string) (*types.ValidationReport, error) {
		return &types.ValidationReport{Status: types.ReportValidated, ModuleID: moduleID}, nil
	}
}

func failingValidator(t *testing.T) DraftValidator {
	t.Helper()
	return func(ctx context.Context, moduleID string, files map[string]string) (*types.ValidationReport, error) {
		return &types.ValidationReport{Status: types.ReportFailed, ModuleID: moduleID}, nil
	}
}

func TestDraftManager_CreateCopiesModuleFiles(t *testing.T) {
	m, _, _ := newDraftFixture(t)

	draft, err := m.CreateDraft("weather/open_meteo", "dev@local")
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if draft.State != DraftEditing {
		t.Fatalf("new draft state = %s, want EDITING", draft.State)
	}
	if !strings.HasPrefix(draft.DraftID, "draft_") {
		t.Fatalf("DraftID = %s, want draft_ prefix", draft.DraftID)
	}

	files, err := m.Files(draft.DraftID)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 || !strings.Contains(files["adapter.go"], "placeholder") {
		t.Fatalf("draft files = %v, want a copy of the module", files)
	}
}

func TestDraftManager_CreateRejectsUnknownModule(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	if _, err := m.CreateDraft("weather/nope", "dev@local"); err == nil {
		t.Fatal("unknown module must be rejected")
	}
}

func TestDraftManager_EditOnlyWhileEditing(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")

	if err := m.EditFile(draft.DraftID, "adapter.go", "package main\n\nfunc edited() {}\n", "dev@local"); err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	files, _ := m.Files(draft.DraftID)
	if !strings.Contains(files["adapter.go"], "edited") {
		t.Fatal("edit did not land in the draft")
	}

	if _, err := m.ValidateDraft(context.Background(), draft.DraftID, "dev@local", passingValidator(t)); err != nil {
		t.Fatalf("ValidateDraft: %v", err)
	}
	err := m.EditFile(draft.DraftID, "adapter.go", "package main\n", "dev@local")
	if err == nil || err.Error() != "Cannot edit in state VALIDATED" {
		t.Fatalf("edit after validation: err = %v, want Cannot edit in state VALIDATED", err)
	}
}

func TestDraftManager_EditRejectsEscapingPaths(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")

	for _, path := range []string{"../outside.go", "/etc/passwd", "a/../../b.go"} {
		if err := m.EditFile(draft.DraftID, path, "x", "dev@local"); err == nil {
			t.Errorf("path %q should be rejected", path)
		}
	}
}

func TestDraftManager_ValidatePinsAndClearsHash(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")

	report, err := m.ValidateDraft(context.Background(), draft.DraftID, "dev@local", failingValidator(t))
	if err != nil {
		t.Fatalf("ValidateDraft: %v", err)
	}
	if report.Passed() {
		t.Fatal("failing validator should not pass")
	}
	if draft.State != DraftEditing || draft.BundleSHA256 != "" {
		t.Fatalf("after failed validation: state=%s hash=%q, want EDITING and empty", draft.State, draft.BundleSHA256)
	}

	if _, err := m.ValidateDraft(context.Background(), draft.DraftID, "dev@local", passingValidator(t)); err != nil {
		t.Fatalf("ValidateDraft: %v", err)
	}
	if draft.State != DraftValidated || draft.BundleSHA256 == "" {
		t.Fatalf("after passing validation: state=%s hash=%q, want VALIDATED and a pinned hash", draft.State, draft.BundleSHA256)
	}
}

func TestDraftManager_PromoteInstallsValidatedDraft(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")

	err := m.PromoteDraft(draft.DraftID, "dev@local", func(string, map[string]string, string) error { return nil })
	if err == nil || err.Error() != "Cannot promote in state EDITING" {
		t.Fatalf("promote before validation: err = %v, want Cannot promote in state EDITING", err)
	}

	if _, err := m.ValidateDraft(context.Background(), draft.DraftID, "dev@local", passingValidator(t)); err != nil {
		t.Fatalf("ValidateDraft: %v", err)
	}

	var gotModule, gotHash string
	var gotFiles map[string]string
	install := func(moduleID string, files map[string]string, bundleSHA256 string) error {
		gotModule, gotFiles, gotHash = moduleID, files, bundleSHA256
		return nil
	}
	if err := m.PromoteDraft(draft.DraftID, "dev@local", install); err != nil {
		t.Fatalf("PromoteDraft: %v", err)
	}
	if gotModule != "weather/open_meteo" || gotHash != draft.BundleSHA256 || len(gotFiles) != 2 {
		t.Fatalf("installer got module=%s hash=%s files=%d", gotModule, gotHash, len(gotFiles))
	}
	if draft.State != DraftPromoted {
		t.Fatalf("state after promote = %s, want PROMOTED", draft.State)
	}
}

func TestDraftManager_PromoteDetectsTampering(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")
	if _, err := m.ValidateDraft(context.Background(), draft.DraftID, "dev@local", passingValidator(t)); err != nil {
		t.Fatalf("ValidateDraft: %v", err)
	}

	// Bypass EditFile's state guard by writing directly into the draft dir.
	dest := filepath.Join(m.root, draft.DraftID, "adapter.go")
	if err := os.WriteFile(dest, []byte("package main\n\n// tampered\n"), 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	called := false
	err := m.PromoteDraft(draft.DraftID, "dev@local", func(string, map[string]string, string) error {
		called = true
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "changed since validation") {
		t.Fatalf("err = %v, want a bundle hash mismatch", err)
	}
	if called {
		t.Fatal("installer must not run for a tampered draft")
	}
}

func TestDraftManager_DiscardIsFinal(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")

	if err := m.DiscardDraft(draft.DraftID, "dev@local"); err != nil {
		t.Fatalf("DiscardDraft: %v", err)
	}
	if draft.State != DraftDiscarded {
		t.Fatalf("state = %s, want DISCARDED", draft.State)
	}

	if _, err := m.ValidateDraft(context.Background(), draft.DraftID, "dev@local", passingValidator(t)); err == nil || err.Error() != "Cannot validate in state DISCARDED" {
		t.Fatalf("validate after discard: err = %v", err)
	}
	if err := m.PromoteDraft(draft.DraftID, "dev@local", func(string, map[string]string, string) error { return nil }); err == nil || err.Error() != "Cannot validate in state DISCARDED" {
		t.Fatalf("promote after discard: err = %v", err)
	}
	if err := m.EditFile(draft.DraftID, "adapter.go", "x", "dev@local"); err == nil || err.Error() != "Cannot edit in state DISCARDED" {
		t.Fatalf("edit after discard: err = %v", err)
	}
}

func TestDraftManager_DiffAgainstInstalledModule(t *testing.T) {
	m, _, audit := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")

	diff, err := m.Diff(draft.DraftID, "dev@local")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !diff.Identical {
		t.Fatalf("fresh draft should be identical to the module, got %+v", diff)
	}

	if err := m.EditFile(draft.DraftID, "adapter.go", "package main\n\nfunc changed() {}\n", "dev@local"); err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	if err := m.EditFile(draft.DraftID, "helpers.go", "package main\n", "dev@local"); err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	diff, err = m.Diff(draft.DraftID, "dev@local")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if diff.Identical {
		t.Fatal("edited draft must not be identical")
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != "adapter.go" {
		t.Fatalf("Changed = %v, want [adapter.go]", diff.Changed)
	}
	if len(diff.Added) != 1 || diff.Added[0] != "helpers.go" {
		t.Fatalf("Added = %v, want [helpers.go]", diff.Added)
	}

	events, err := audit.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	viewed := 0
	for _, e := range events {
		if e.Action == ActionDraftDiffViewed && e.DraftID == draft.DraftID {
			viewed++
		}
	}
	if viewed != 2 {
		t.Fatalf("draft_diff_viewed recorded %d times, want 2", viewed)
	}
}

func TestDraftManager_ListNewestFirst(t *testing.T) {
	m, _, _ := newDraftFixture(t)
	first, _ := m.CreateDraft("weather/open_meteo", "dev@local")
	second, _ := m.CreateDraft("weather/open_meteo", "dev@local")
	// CreatedAt has wall-clock resolution; force a strict order.
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	drafts := m.List()
	if len(drafts) != 2 {
		t.Fatalf("List returned %d drafts, want 2", len(drafts))
	}
	if drafts[0].DraftID != second.DraftID || drafts[1].DraftID != first.DraftID {
		t.Fatalf("List order = [%s %s], want newest first", drafts[0].DraftID, drafts[1].DraftID)
	}
}

func TestDraftManager_AuditTrailCoversLifecycle(t *testing.T) {
	m, _, audit := newDraftFixture(t)
	draft, _ := m.CreateDraft("weather/open_meteo", "dev@local")
	if err := m.EditFile(draft.DraftID, "adapter.go", "package main\n", "dev@local"); err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	if _, err := m.ValidateDraft(context.Background(), draft.DraftID, "dev@local", passingValidator(t)); err != nil {
		t.Fatalf("ValidateDraft: %v", err)
	}
	if err := m.PromoteDraft(draft.DraftID, "dev@local", func(string, map[string]string, string) error { return nil }); err != nil {
		t.Fatalf("PromoteDraft: %v", err)
	}

	events, err := audit.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	want := []string{ActionDraftCreated, ActionDraftEdited, ActionDraftValidated, ActionDraftPromoted}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", actions, want)
		}
	}
	for _, e := range events {
		if e.Actor != "dev@local" || e.ModuleID != "weather/open_meteo" || e.EventID == "" {
			t.Fatalf("event = %+v, want actor, module and id on every event", e)
		}
	}
}
