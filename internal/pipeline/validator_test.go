package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"conductor/internal/artifact"
	"conductor/internal/types"
)

// brokenAdapter passes every static check but fails the scaffolded
// transform_valid_json test.
const brokenAdapter = `package main

import "fmt"

type OpenMeteoAdapter struct{}

func NewOpenMeteoAdapter() *OpenMeteoAdapter { return &OpenMeteoAdapter{} }

func (a *OpenMeteoAdapter) FetchRaw(params map[string]any) (string, error) {
	return "", fmt.Errorf("FetchRaw not implemented")
}

func (a *OpenMeteoAdapter) Transform(raw string) (map[string]any, error) {
	return nil, fmt.Errorf("transform always fails")
}

func (a *OpenMeteoAdapter) GetSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func init() {
	RegisterAdapter("weather", "open_meteo", NewOpenMeteoAdapter())
}
`

const fixedAdapter = `package main

import (
	"encoding/json"
	"fmt"
)

type OpenMeteoAdapter struct{}

func NewOpenMeteoAdapter() *OpenMeteoAdapter { return &OpenMeteoAdapter{} }

func (a *OpenMeteoAdapter) FetchRaw(params map[string]any) (string, error) {
	return "", fmt.Errorf("FetchRaw not implemented")
}

func (a *OpenMeteoAdapter) Transform(raw string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	return out, nil
}

func (a *OpenMeteoAdapter) GetSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func init() {
	RegisterAdapter("weather", "open_meteo", NewOpenMeteoAdapter())
}
`

func newTestValidator(t *testing.T) (*Workspace, *Validator) {
	t.Helper()
	ws := newTestWorkspace(t)
	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return ws, NewValidator(ws, store, nil)
}

func TestValidator_ScaffoldValidates(t *testing.T) {
	ws, v := newTestValidator(t)
	scaffold(t, ws, "weather", "open_meteo")

	report, err := v.Validate(context.Background(), "weather/open_meteo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.Passed() {
		t.Fatalf("scaffold should validate, got %s with hints %+v", report.Status, report.FixHints)
	}
	if report.BundleSHA256 == "" {
		t.Fatal("report carries no bundle hash")
	}
	if report.RuntimeResults == nil || report.RuntimeResults.TestsPassed != 3 {
		t.Fatalf("runtime = %+v, want 3 passing tests", report.RuntimeResults)
	}
	if len(report.Artifacts) != 3 {
		t.Fatalf("artifacts = %v, want stdout, stderr and the execution report", report.Artifacts)
	}

	m, _ := ws.LoadManifest("weather/open_meteo")
	if m.Status != types.ModuleValidated {
		t.Fatalf("manifest status = %s, want validated", m.Status)
	}

	files, _ := ws.CollectFiles("weather/open_meteo")
	if artifact.BundleHash(files) != report.BundleSHA256 {
		t.Fatal("report hash does not match the files on disk")
	}
}

func TestValidator_FailingTestYieldsHints(t *testing.T) {
	ws, v := newTestValidator(t)
	scaffold(t, ws, "weather", "open_meteo")
	if err := NewBuilder(ws).WriteCode("weather/open_meteo", brokenAdapter, ""); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}

	report, err := v.Validate(context.Background(), "weather/open_meteo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Passed() {
		t.Fatal("broken adapter must not validate")
	}
	if report.RuntimeResults == nil || report.RuntimeResults.TestsFailed != 1 {
		t.Fatalf("runtime = %+v, want exactly one failing test", report.RuntimeResults)
	}
	if got := report.RuntimeResults.FailingTests; len(got) != 1 || got[0] != "transform_valid_json" {
		t.Fatalf("FailingTests = %v, want [transform_valid_json]", got)
	}
	found := false
	for _, h := range report.FixHints {
		if h.Category == types.HintTestFailure && strings.Contains(h.Message, "transform_valid_json") {
			found = true
		}
	}
	if !found {
		t.Fatalf("hints = %+v, want a test_failure hint naming the failing test", report.FixHints)
	}

	m, _ := ws.LoadManifest("weather/open_meteo")
	if m.Status != types.ModuleFailed {
		t.Fatalf("manifest status = %s, want failed", m.Status)
	}
}

func TestValidator_StaticFailureSkipsSandbox(t *testing.T) {
	ws, v := newTestValidator(t)
	scaffold(t, ws, "weather", "open_meteo")
	src := "package main\n\nimport \"os/exec\"\n\nvar _ = exec.Command\n"
	if err := NewBuilder(ws).WriteCode("weather/open_meteo", src, ""); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}

	report, err := v.Validate(context.Background(), "weather/open_meteo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Passed() {
		t.Fatal("forbidden import must not validate")
	}
	if report.RuntimeResults != nil {
		t.Fatal("statically unsound source must never reach the sandbox")
	}
}
