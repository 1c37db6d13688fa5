package registry

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/fernet/fernet-go"

	"conductor/internal/types"
)

func newTestModuleRegistry(t *testing.T) *ModuleRegistry {
	t.Helper()
	r, err := NewModuleRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewModuleRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func stocksRecord() ModuleRecord {
	return ModuleRecord{
		ModuleID:     "finance/stocks",
		Name:         "Stock Quotes",
		Category:     "finance",
		Platform:     "stocks",
		Version:      "1.0.0",
		Status:       types.ModuleInstalled,
		Enabled:      true,
		BundleSHA256: "abc123",
		Capabilities: []string{"finance"},
	}
}

func TestModuleRegistry_InstallGetRoundTrip(t *testing.T) {
	r := newTestModuleRegistry(t)
	if err := r.Install(stocksRecord()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	got, err := r.Get("finance/stocks")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for an installed module")
	}
	if got.Name != "Stock Quotes" || got.Status != types.ModuleInstalled || !got.Enabled {
		t.Fatalf("Get = %+v", got)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0] != "finance" {
		t.Fatalf("Capabilities = %v", got.Capabilities)
	}

	missing, err := r.Get("weather/open_meteo")
	if err != nil || missing != nil {
		t.Fatalf("absent module: got %+v, %v; want nil, nil", missing, err)
	}
}

func TestModuleRegistry_InstallUpserts(t *testing.T) {
	r := newTestModuleRegistry(t)
	rec := stocksRecord()
	if err := r.Install(rec); err != nil {
		t.Fatalf("Install: %v", err)
	}
	rec.Version = "1.1.0"
	rec.BundleSHA256 = "def456"
	if err := r.Install(rec); err != nil {
		t.Fatalf("reinstall: %v", err)
	}

	got, _ := r.Get("finance/stocks")
	if got.Version != "1.1.0" || got.BundleSHA256 != "def456" {
		t.Fatalf("upsert did not replace fields: %+v", got)
	}
	all, err := r.List("")
	if err != nil || len(all) != 1 {
		t.Fatalf("List = %d rows, %v; want exactly one", len(all), err)
	}
}

func TestModuleRegistry_ListFiltersByStatus(t *testing.T) {
	r := newTestModuleRegistry(t)
	a := stocksRecord()
	b := stocksRecord()
	b.ModuleID = "weather/open_meteo"
	b.Category, b.Platform = "weather", "open_meteo"
	b.Status = types.ModuleDisabled
	for _, rec := range []ModuleRecord{a, b} {
		if err := r.Install(rec); err != nil {
			t.Fatalf("Install %s: %v", rec.ModuleID, err)
		}
	}

	installed, err := r.List(types.ModuleInstalled)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(installed) != 1 || installed[0].ModuleID != "finance/stocks" {
		t.Fatalf("List(installed) = %+v", installed)
	}
	all, _ := r.List("")
	if len(all) != 2 || all[0].ModuleID != "finance/stocks" {
		t.Fatalf("List should return all rows ordered by id, got %+v", all)
	}
}

func TestModuleRegistry_SetStatusEnforcesLifecycle(t *testing.T) {
	r := newTestModuleRegistry(t)
	if err := r.Install(stocksRecord()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := r.SetStatus("finance/stocks", types.ModuleDisabled); err != nil {
		t.Fatalf("installed -> disabled should be legal: %v", err)
	}
	if err := r.SetStatus("finance/stocks", types.ModuleValidating); err == nil {
		t.Fatal("disabled -> validating must be rejected")
	}
	if err := r.SetStatus("weather/open_meteo", types.ModuleDisabled); err == nil {
		t.Fatal("unknown module must be rejected")
	}
}

func TestModuleRegistry_SetEnabledAndUninstall(t *testing.T) {
	r := newTestModuleRegistry(t)
	if err := r.Install(stocksRecord()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	ok, err := r.SetEnabled("finance/stocks", false)
	if err != nil || !ok {
		t.Fatalf("SetEnabled = %v, %v", ok, err)
	}
	got, _ := r.Get("finance/stocks")
	if got.Enabled {
		t.Fatal("module should be disabled")
	}

	ok, err = r.Uninstall("finance/stocks")
	if err != nil || !ok {
		t.Fatalf("Uninstall = %v, %v", ok, err)
	}
	ok, _ = r.Uninstall("finance/stocks")
	if ok {
		t.Fatal("second uninstall should report absent")
	}
}

func TestAdapterRegistry(t *testing.T) {
	r := NewAdapterRegistry()
	echo := func(ctx context.Context, op string, params map[string]any) (any, error) {
		return op, nil
	}

	if err := r.Load(&Adapter{ModuleID: "finance/stocks", Capabilities: []string{"finance"}, Invoke: echo}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Load(&Adapter{ModuleID: "weather/open_meteo", Capabilities: []string{"weather"}, Invoke: echo}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Load(&Adapter{ModuleID: "finance/stocks"}); err == nil {
		t.Fatal("adapter without an invoke function must be rejected")
	}

	if got := r.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	a, ok := r.Get("finance/stocks")
	if !ok {
		t.Fatal("loaded adapter not found")
	}
	out, err := a.Invoke(context.Background(), "fetch", nil)
	if err != nil || out != "fetch" {
		t.Fatalf("Invoke = %v, %v", out, err)
	}

	if ids := r.ByCapability("finance"); len(ids) != 1 || ids[0] != "finance/stocks" {
		t.Fatalf("ByCapability(finance) = %v", ids)
	}
	if ids := r.List(); len(ids) != 2 || ids[0] != "finance/stocks" {
		t.Fatalf("List = %v, want sorted ids", ids)
	}

	if !r.Unload("finance/stocks") {
		t.Fatal("Unload should report the adapter was present")
	}
	if r.Unload("finance/stocks") {
		t.Fatal("second Unload should report absent")
	}
}

func testFernetKey(t *testing.T) string {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("fernet key generation: %v", err)
	}
	return k.Encode()
}

func TestCredentialStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	s, err := NewCredentialStore(path, testFernetKey(t))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	defer s.Close()

	creds := Credentials{
		AuthType: types.AuthAPIKey,
		Fields:   map[string]string{"api_key": "sk-test-123"},
	}
	if err := s.Store("finance/stocks", creds); err != nil {
		t.Fatalf("Store: %v", err)
	}

	back, err := s.Load("finance/stocks")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.AuthType != types.AuthAPIKey || back.Fields["api_key"] != "sk-test-123" {
		t.Fatalf("round trip = %+v", back)
	}

	missing, err := s.Load("weather/open_meteo")
	if err != nil || missing != nil {
		t.Fatalf("absent credentials: got %+v, %v; want nil, nil", missing, err)
	}

	if err := s.Store("not a module id", creds); err == nil {
		t.Fatal("invalid module id must be rejected")
	}

	ok, err := s.Delete("finance/stocks")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
}

func TestCredentialStore_CiphertextNotPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	s, err := NewCredentialStore(path, testFernetKey(t))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	defer s.Close()

	if err := s.Store("finance/stocks", Credentials{AuthType: types.AuthAPIKey, Fields: map[string]string{"api_key": "supersecret"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	var ciphertext []byte
	if err := s.db.QueryRow(`SELECT ciphertext FROM module_credentials WHERE module_id = ?`, "finance/stocks").Scan(&ciphertext); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if len(ciphertext) == 0 || bytes.Contains(ciphertext, []byte("supersecret")) {
		t.Fatal("secret material must not appear in the stored ciphertext")
	}
}

func TestCredentialStore_KeyRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.db")
	oldKey := testFernetKey(t)

	s, err := NewCredentialStore(path, oldKey)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	if err := s.Store("finance/stocks", Credentials{AuthType: types.AuthAPIKey, Fields: map[string]string{"api_key": "sk-1"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	s.Close()

	// New key first, old key kept for decryption of existing rows.
	s2, err := NewCredentialStore(path, testFernetKey(t), oldKey)
	if err != nil {
		t.Fatalf("reopen with rotated keys: %v", err)
	}
	defer s2.Close()

	back, err := s2.Load("finance/stocks")
	if err != nil {
		t.Fatalf("Load after rotation: %v", err)
	}
	if back.Fields["api_key"] != "sk-1" {
		t.Fatalf("rotation lost the credentials: %+v", back)
	}
}
