package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"conductor/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "routing_config.json")
}

func TestNewManager_SeedsDefaults(t *testing.T) {
	path := tempConfigPath(t)
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config was not persisted: %v", err)
	}
	cfg := mgr.GetConfig()
	if cfg.Categories["coding"].Tier != types.TierHeavy {
		t.Fatalf("default coding tier = %s, want heavy", cfg.Categories["coding"].Tier)
	}
	if cfg.Performance.MaxSubTasks != 5 {
		t.Fatalf("default max_sub_tasks = %d, want 5", cfg.Performance.MaxSubTasks)
	}
}

func TestRoutingConfig_LoadSaveRoundTrip(t *testing.T) {
	path := tempConfigPath(t)
	cfg := DefaultRoutingConfig()
	cfg.Categories["astronomy"] = CategoryConfig{Tier: types.TierLight, Priority: 4}

	if err := SaveRoutingConfig(path, cfg); err != nil {
		t.Fatalf("SaveRoutingConfig: %v", err)
	}
	back, err := LoadRoutingConfig(path)
	if err != nil {
		t.Fatalf("LoadRoutingConfig: %v", err)
	}
	if back.Categories["astronomy"].Tier != types.TierLight {
		t.Fatalf("round trip lost category: %+v", back.Categories["astronomy"])
	}
	if len(back.Categories) != len(cfg.Categories) || len(back.Tiers) != len(cfg.Tiers) {
		t.Fatal("round trip changed category or tier counts")
	}
}

func TestRoutingConfig_ValidateRejects(t *testing.T) {
	cfg := DefaultRoutingConfig()
	cfg.Categories["bogus"] = CategoryConfig{Tier: types.Tier("mega")}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown tier should fail validation")
	}

	cfg = DefaultRoutingConfig()
	cfg.Performance.ComplexityThresholdDirect = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("out-of-range complexity threshold should fail validation")
	}

	cfg = DefaultRoutingConfig()
	cfg.Performance.MaxSubTasks = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero max_sub_tasks should fail validation")
	}
}

func TestManager_SnapshotIsolation(t *testing.T) {
	mgr, err := NewManager(tempConfigPath(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	snap := mgr.GetConfig()
	snap.Categories["coding"] = CategoryConfig{Tier: types.TierMicro}

	if mgr.GetConfig().Categories["coding"].Tier != types.TierHeavy {
		t.Fatal("mutating a snapshot must not affect the live config")
	}
}

func TestManager_ObserversNotifiedOnce(t *testing.T) {
	mgr, err := NewManager(tempConfigPath(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	calls := map[string]int{}
	mgr.RegisterObserver(func(cfg *RoutingConfig) { calls["a"]++ })
	mgr.RegisterObserver(func(cfg *RoutingConfig) { panic("observer blew up") })
	mgr.RegisterObserver(func(cfg *RoutingConfig) { calls["c"]++ })

	if err := mgr.UpsertCategory("astronomy", CategoryConfig{Tier: types.TierLight, Priority: 4}); err != nil {
		t.Fatalf("UpsertCategory: %v", err)
	}
	if calls["a"] != 1 || calls["c"] != 1 {
		t.Fatalf("observer calls = %v, want each notified exactly once despite the panicking observer", calls)
	}
}

func TestManager_DeleteCategory(t *testing.T) {
	mgr, err := NewManager(tempConfigPath(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	deleted, err := mgr.DeleteCategory("search")
	if err != nil || !deleted {
		t.Fatalf("DeleteCategory(search) = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = mgr.DeleteCategory("search")
	if err != nil || deleted {
		t.Fatalf("second DeleteCategory(search) = %v, %v; want false, nil", deleted, err)
	}
}

func TestManager_ReloadPicksUpDiskChanges(t *testing.T) {
	path := tempConfigPath(t)
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	edited := mgr.GetConfig()
	edited.Categories["finance"] = CategoryConfig{Tier: types.TierHeavy, Priority: 1}
	if err := SaveRoutingConfig(path, edited); err != nil {
		t.Fatalf("SaveRoutingConfig: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := mgr.GetConfig().Categories["finance"].Tier; got != types.TierHeavy {
		t.Fatalf("finance tier after reload = %s, want heavy", got)
	}
}

func TestWatcher_HotReload(t *testing.T) {
	path := tempConfigPath(t)
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	notified := make(chan *RoutingConfig, 1)
	mgr.RegisterObserver(func(cfg *RoutingConfig) {
		select {
		case notified <- cfg:
		default:
		}
	})

	w, err := NewWatcher(mgr)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	edited := mgr.GetConfig()
	edited.Categories["astronomy"] = CategoryConfig{Tier: types.TierLight, Priority: 4}
	if err := SaveRoutingConfig(path, edited); err != nil {
		t.Fatalf("SaveRoutingConfig: %v", err)
	}

	select {
	case cfg := <-notified:
		if _, ok := cfg.Categories["astronomy"]; !ok {
			t.Fatal("hot reload delivered a config without the edit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reloaded after the file changed")
	}
}
