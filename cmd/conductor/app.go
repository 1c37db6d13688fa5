package main

import (
	"context"
	"fmt"
	"path/filepath"

	"conductor/internal/artifact"
	"conductor/internal/config"
	"conductor/internal/delegation"
	"conductor/internal/gateway"
	"conductor/internal/logging"
	"conductor/internal/pipeline"
	"conductor/internal/registry"
	"conductor/internal/routing"
	"conductor/internal/sandbox"
	"conductor/internal/server"
	"conductor/internal/types"
	"conductor/internal/version"
)

// app is the assembled service graph. Everything hangs off the workspace
// directory, which holds config, databases, modules, drafts, and audit
// trails under .conductor/.
type app struct {
	workspace string

	configMgr  *config.Manager
	watcher    *config.Watcher
	tiers      *gateway.TierRouter
	caps       *routing.CapabilityMap
	gateway    *gateway.Gateway
	delegation *delegation.Manager

	moduleWS  *pipeline.Workspace
	artifacts *artifact.Store
	builder   *pipeline.Builder
	validator *pipeline.Validator
	repair    *pipeline.RepairLoop
	installer *pipeline.Installer

	adapters *registry.AdapterRegistry
	modules  *registry.ModuleRegistry

	devAudit *version.DevAuditLog
	versions *version.VersionManager
	drafts   *version.DraftManager

	keys *server.APIKeyStore
	srv  *server.Server
}

func (a *app) dir(parts ...string) string {
	return filepath.Join(append([]string{a.workspace, ".conductor"}, parts...)...)
}

// newApp wires the full stack. Components that only some subcommands need
// are still built eagerly; construction is cheap and wiring bugs surface at
// startup instead of first use.
func newApp(workspace string) (*app, error) {
	a := &app{workspace: workspace}

	if err := logging.Initialize(workspace); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logging.Get(logging.CategoryBoot)

	var err error
	a.configMgr, err = config.NewManager(a.dir("routing_config.json"))
	if err != nil {
		return nil, err
	}
	cfg := a.configMgr.GetConfig()

	a.caps = routing.NewCapabilityMap(cfg)
	a.tiers = gateway.NewTierRouter(cfg, envOr("CONDUCTOR_TIER_API_KEY", ""))
	a.delegation = delegation.NewManager(a.tiers, a.caps, cfg)
	a.configMgr.RegisterObserver(a.caps.ApplyConfig)
	a.configMgr.RegisterObserver(a.tiers.ApplyConfig)
	a.configMgr.RegisterObserver(a.delegation.ApplyConfig)

	gwCfg, err := loadGatewayConfig(a.dir("gateway.yaml"))
	if err != nil {
		return nil, err
	}
	providers, err := gwCfg.BuildProviders()
	if err != nil {
		return nil, err
	}
	budget := gateway.NewBudgetLedger(gwCfg.Budget.MaxTokensPerRequest, gwCfg.Budget.DefaultJobBudget)
	a.gateway = gateway.New(providers, gwCfg.PurposeLanes(), budget)

	a.moduleWS, err = pipeline.NewWorkspace(a.dir("modules"))
	if err != nil {
		return nil, err
	}
	a.artifacts, err = artifact.NewStore(a.dir("artifacts"))
	if err != nil {
		return nil, err
	}
	a.adapters = registry.NewAdapterRegistry()
	a.modules, err = registry.NewModuleRegistry(a.dir("db", "registry.db"))
	if err != nil {
		return nil, err
	}

	a.builder = pipeline.NewBuilder(a.moduleWS)
	a.validator = pipeline.NewValidator(a.moduleWS, a.artifacts, sandbox.NewRunner(sandbox.ModuleValidation()))
	a.repair = pipeline.NewRepairLoop(a.moduleWS, a.builder, a.validator, a.gateway, a.dir("audit"))
	a.installer = pipeline.NewInstaller(a.moduleWS, a.adapters, a.modules, a.dir("audit"))

	a.devAudit, err = version.NewDevAuditLog(a.dir("audit"))
	if err != nil {
		return nil, err
	}
	a.versions, err = version.NewVersionManager(a.dir("db", "versions.db"), a.devAudit)
	if err != nil {
		return nil, err
	}
	a.drafts, err = version.NewDraftManager(a.dir("drafts"), a.moduleWS, a.devAudit)
	if err != nil {
		return nil, err
	}

	a.keys, err = server.NewAPIKeyStore(a.dir("db", "auth.db"))
	if err != nil {
		return nil, err
	}
	a.srv = server.New(server.Options{
		ConfigManager:  a.configMgr,
		Keys:           a.keys,
		Modules:        a.modules,
		Adapters:       a.adapters,
		Querier:        a.delegation,
		ModuleReloader: a.reloadModule,
	})

	log.Info("conductor assembled (workspace %s)", workspace)
	return a, nil
}

// startWatcher begins hot-reloading the routing config file.
func (a *app) startWatcher(ctx context.Context) error {
	w, err := config.NewWatcher(a.configMgr)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// reloadModule re-runs install admission from the module's current files.
func (a *app) reloadModule(moduleID string) error {
	files, err := a.moduleWS.CollectFiles(moduleID)
	if err != nil {
		return err
	}
	_, err = a.installer.Install(moduleID, pipeline.Attestation{
		BundleSHA256: artifact.BundleHash(files),
		Status:       string(types.ReportValidated),
	})
	return err
}

// promoteDraftFiles is the DraftInstaller wiring: copy the draft files into
// the module directory, then run install admission with the attestation.
func (a *app) promoteDraftFiles(moduleID string, files map[string]string, bundleSHA string) error {
	for name, content := range files {
		if err := a.moduleWS.WriteFile(moduleID, name, content); err != nil {
			return err
		}
	}
	manifest, err := a.moduleWS.LoadManifest(moduleID)
	if err != nil {
		return err
	}
	if manifest.Status != types.ModuleValidated && manifest.Status != types.ModuleInstalled {
		manifest.Status = types.ModuleValidated
		if err := a.moduleWS.SaveManifest(manifest); err != nil {
			return err
		}
	}
	if _, err := a.installer.Install(moduleID, pipeline.Attestation{
		BundleSHA256: bundleSHA,
		Status:       string(types.ReportValidated),
	}); err != nil {
		return err
	}
	v, err := a.versions.RegisterVersion(moduleID, bundleSHA, "dev", "draft_promoted", nil)
	if err != nil {
		logging.Get(logging.CategoryVersion).Error("failed to register promoted version: %v", err)
		return nil
	}
	return a.versions.ActivateVersion(moduleID, v.VersionID, version.DefaultOrg)
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.modules != nil {
		a.modules.Close()
	}
	if a.versions != nil {
		a.versions.Close()
	}
	if a.keys != nil {
		a.keys.Close()
	}
	logging.CloseAll()
}

// loadGatewayConfig reads gateway.yaml, falling back to the env-driven
// defaults when the file is absent.
func loadGatewayConfig(path string) (*gateway.Config, error) {
	cfg, err := gateway.LoadConfig(path)
	if err == nil {
		if cfg.Budget.MaxTokensPerRequest == 0 {
			cfg.Budget.MaxTokensPerRequest = 32768
		}
		if cfg.Budget.DefaultJobBudget == 0 {
			cfg.Budget.DefaultJobBudget = 1_000_000
		}
		return cfg, nil
	}
	return gateway.DefaultConfig(), nil
}
