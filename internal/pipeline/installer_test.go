package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conductor/internal/registry"
	"conductor/internal/types"
)

type installFixture struct {
	ws        *Workspace
	validator *Validator
	adapters  *registry.AdapterRegistry
	modules   *registry.ModuleRegistry
	installer *Installer
	auditDir  string
}

func newInstallFixture(t *testing.T) *installFixture {
	t.Helper()
	ws, validator := newTestValidator(t)
	adapters := registry.NewAdapterRegistry()
	modules, err := registry.NewModuleRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewModuleRegistry: %v", err)
	}
	t.Cleanup(func() { modules.Close() })
	auditDir := t.TempDir()
	return &installFixture{
		ws:        ws,
		validator: validator,
		adapters:  adapters,
		modules:   modules,
		installer: NewInstaller(ws, adapters, modules, auditDir),
		auditDir:  auditDir,
	}
}

func readAuditLines(t *testing.T, dir, name string) []installAudit {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	defer f.Close()
	var out []installAudit
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry installAudit
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("corrupt audit line: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestInstaller_AdmitsValidatedAndRejectsTampered(t *testing.T) {
	fx := newInstallFixture(t)
	scaffold(t, fx.ws, "weather", "open_meteo")

	report, err := fx.validator.Validate(context.Background(), "weather/open_meteo")
	if err != nil || !report.Passed() {
		t.Fatalf("Validate = %v, %v", report, err)
	}
	att := Attestation{BundleSHA256: report.BundleSHA256, Status: string(report.Status)}

	result, err := fx.installer.Install("weather/open_meteo", att)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if result.Status != "success" || !result.IsLoaded {
		t.Fatalf("Install result = %+v", result)
	}
	if _, ok := fx.adapters.Get("weather/open_meteo"); !ok {
		t.Fatal("adapter not loaded after install")
	}
	rec, _ := fx.modules.Get("weather/open_meteo")
	if rec == nil || rec.Status != types.ModuleInstalled || rec.BundleSHA256 != report.BundleSHA256 {
		t.Fatalf("registry row = %+v", rec)
	}
	m, _ := fx.ws.LoadManifest("weather/open_meteo")
	if m.Status != types.ModuleInstalled {
		t.Fatalf("manifest status = %s, want installed", m.Status)
	}
	success := readAuditLines(t, fx.auditDir, "install_success.jsonl")
	if len(success) != 1 || success[0].Action != "install_success" {
		t.Fatalf("install_success.jsonl = %+v", success)
	}

	// Tamper with the adapter after attestation and retry the install.
	source, _ := fx.ws.ReadFile("weather/open_meteo", adapterFile)
	if err := fx.ws.WriteFile("weather/open_meteo", adapterFile, source+"\n// hack\n"); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	result, err = fx.installer.Install("weather/open_meteo", att)
	if err == nil {
		t.Fatal("tampered bundle must be rejected")
	}
	if result.Reason != RejectHashMismatch {
		t.Fatalf("Reason = %s, want %s", result.Reason, RejectHashMismatch)
	}
	if !strings.Contains(result.Error, "bundle hash mismatch") {
		t.Fatalf("Error = %q, want a hash mismatch message", result.Error)
	}
	rejections := readAuditLines(t, fx.auditDir, "install_rejections.jsonl")
	if len(rejections) != 1 || rejections[0].Reason != RejectHashMismatch {
		t.Fatalf("install_rejections.jsonl = %+v", rejections)
	}
}

func TestInstaller_RejectsUnvalidatedModule(t *testing.T) {
	fx := newInstallFixture(t)
	scaffold(t, fx.ws, "finance", "stocks")

	result, err := fx.installer.Install("finance/stocks", Attestation{BundleSHA256: "deadbeef", Status: "VALIDATED"})
	if err == nil {
		t.Fatal("pending module must be rejected")
	}
	if result.Reason != RejectNotValidated {
		t.Fatalf("Reason = %s, want %s", result.Reason, RejectNotValidated)
	}
	if fx.adapters.Len() != 0 {
		t.Fatal("a rejection must leave the adapter registry untouched")
	}
	if rec, _ := fx.modules.Get("finance/stocks"); rec != nil {
		t.Fatal("a rejection must leave the module registry untouched")
	}
}

func TestInstaller_RejectsFailedValidation(t *testing.T) {
	fx := newInstallFixture(t)
	scaffold(t, fx.ws, "weather", "open_meteo")
	if err := NewBuilder(fx.ws).WriteCode("weather/open_meteo", brokenAdapter, ""); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	report, err := fx.validator.Validate(context.Background(), "weather/open_meteo")
	if err != nil || report.Passed() {
		t.Fatalf("broken module should fail validation: %v, %v", report, err)
	}

	result, installErr := fx.installer.Install("weather/open_meteo", Attestation{BundleSHA256: report.BundleSHA256, Status: string(report.Status)})
	if installErr == nil {
		t.Fatal("failed module must be rejected")
	}
	if result.Reason != RejectFailedValidation {
		t.Fatalf("Reason = %s, want %s", result.Reason, RejectFailedValidation)
	}
}

func TestInstaller_RejectsMissingAttestationHash(t *testing.T) {
	fx := newInstallFixture(t)
	scaffold(t, fx.ws, "weather", "open_meteo")
	if _, err := fx.validator.Validate(context.Background(), "weather/open_meteo"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	result, err := fx.installer.Install("weather/open_meteo", Attestation{Status: "VALIDATED"})
	if err == nil {
		t.Fatal("empty attestation hash must be rejected")
	}
	if result.Reason != RejectMissingAttestation {
		t.Fatalf("Reason = %s, want %s", result.Reason, RejectMissingAttestation)
	}
}

func TestInstaller_RejectsNonValidatedAttestationStatus(t *testing.T) {
	fx := newInstallFixture(t)
	scaffold(t, fx.ws, "weather", "open_meteo")
	report, err := fx.validator.Validate(context.Background(), "weather/open_meteo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	result, err := fx.installer.Install("weather/open_meteo", Attestation{BundleSHA256: report.BundleSHA256, Status: "FAILED"})
	if err == nil {
		t.Fatal("non-VALIDATED attestation must be rejected")
	}
	if result.Reason != RejectFailedValidation {
		t.Fatalf("Reason = %s, want %s", result.Reason, RejectFailedValidation)
	}
}

func TestInstaller_InstalledAdapterServesCalls(t *testing.T) {
	fx := newInstallFixture(t)
	scaffold(t, fx.ws, "weather", "open_meteo")
	report, err := fx.validator.Validate(context.Background(), "weather/open_meteo")
	if err != nil || !report.Passed() {
		t.Fatalf("Validate = %v, %v", report, err)
	}
	if _, err := fx.installer.Install("weather/open_meteo", Attestation{BundleSHA256: report.BundleSHA256, Status: string(report.Status)}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	adapter, _ := fx.adapters.Get("weather/open_meteo")
	out, err := adapter.Invoke(context.Background(), "transform", map[string]any{"raw": `{"temp": 21.5}`})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	record, ok := out.(map[string]any)
	if !ok || record["temp"] != 21.5 {
		t.Fatalf("transform = %#v", out)
	}

	schema, err := adapter.Invoke(context.Background(), "get_schema", nil)
	if err != nil {
		t.Fatalf("get_schema: %v", err)
	}
	if s, ok := schema.(map[string]any); !ok || s["type"] != "object" {
		t.Fatalf("get_schema = %#v", schema)
	}

	if _, err := adapter.Invoke(context.Background(), "teleport", nil); err == nil {
		t.Fatal("unknown operation must error")
	}
}

func TestInstaller_Uninstall(t *testing.T) {
	fx := newInstallFixture(t)
	scaffold(t, fx.ws, "weather", "open_meteo")
	report, err := fx.validator.Validate(context.Background(), "weather/open_meteo")
	if err != nil || !report.Passed() {
		t.Fatalf("Validate = %v, %v", report, err)
	}
	if _, err := fx.installer.Install("weather/open_meteo", Attestation{BundleSHA256: report.BundleSHA256, Status: string(report.Status)}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	result, err := fx.installer.Uninstall("weather/open_meteo")
	if err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if !result.IsLoaded {
		t.Fatal("Uninstall should report the adapter was loaded")
	}
	if fx.adapters.Len() != 0 {
		t.Fatal("adapter still loaded after uninstall")
	}
	if rec, _ := fx.modules.Get("weather/open_meteo"); rec != nil {
		t.Fatal("registry row still present after uninstall")
	}
	m, _ := fx.ws.LoadManifest("weather/open_meteo")
	if m.Status != types.ModuleUninstalled {
		t.Fatalf("manifest status = %s, want uninstalled", m.Status)
	}
}
