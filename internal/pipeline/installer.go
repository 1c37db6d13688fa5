package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conductor/internal/artifact"
	"conductor/internal/logging"
	"conductor/internal/registry"
	"conductor/internal/sandbox"
	"conductor/internal/types"
)

// Attestation is the claim presented to the installer: the bundle hash the
// validator saw and the report status it ended with.
type Attestation struct {
	BundleSHA256 string `json:"bundle_sha256"`
	Status       string `json:"status"`
}

// Rejection reason codes written to install_rejections.jsonl.
const (
	RejectNotValidated       = "not_validated"
	RejectFailedValidation   = "failed_validation"
	RejectHashMismatch       = "hash_mismatch"
	RejectMissingAttestation = "missing_attestation_hash"
)

// InstallResult is the structured outcome of an install call.
type InstallResult struct {
	Status   string `json:"status"` // success | error
	ModuleID string `json:"module_id"`
	IsLoaded bool   `json:"is_loaded"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// installAudit is one line of the install JSONL logs.
type installAudit struct {
	Timestamp    time.Time `json:"timestamp"`
	ModuleID     string    `json:"module_id"`
	Action       string    `json:"action"`
	BundleSHA256 string    `json:"bundle_sha256"`
	Reason       string    `json:"reason,omitempty"`
}

// Installer admits validated modules into the adapter and module registries.
// Admission is gated on attestation: the recomputed bundle hash of the
// module's files must equal the attested hash exactly.
type Installer struct {
	ws       *Workspace
	adapters *registry.AdapterRegistry
	modules  *registry.ModuleRegistry
	policy   sandbox.ExecutionPolicy
	auditDir string
	mu       sync.Mutex
}

// NewInstaller builds an installer. auditDir receives install_success.jsonl
// and install_rejections.jsonl.
func NewInstaller(ws *Workspace, adapters *registry.AdapterRegistry, modules *registry.ModuleRegistry, auditDir string) *Installer {
	return &Installer{
		ws:       ws,
		adapters: adapters,
		modules:  modules,
		policy:   sandbox.Default(),
		auditDir: auditDir,
	}
}

// Install admits a module if and only if its manifest says validated, the
// attestation carries a hash and VALIDATED status, and the hash matches the
// recomputed bundle hash of the files on disk right now. Any rejection
// leaves the adapter registry untouched and is recorded with its reason
// code. Attestation is re-verified on every call; a retry after
// cancellation repeats all checks.
func (ins *Installer) Install(moduleID string, att Attestation) (*InstallResult, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	log := logging.Get(logging.CategoryPipeline)

	manifest, err := ins.ws.LoadManifest(moduleID)
	if err != nil {
		return ins.reject(moduleID, att.BundleSHA256, RejectNotValidated, fmt.Sprintf("module %s not found: %v", moduleID, err))
	}
	// installed is admissible so a reload or retried install re-runs the
	// hash check instead of short-circuiting.
	if manifest.Status != types.ModuleValidated && manifest.Status != types.ModuleApproved && manifest.Status != types.ModuleInstalled {
		reason := RejectNotValidated
		if manifest.Status == types.ModuleFailed {
			reason = RejectFailedValidation
		}
		return ins.reject(moduleID, att.BundleSHA256, reason,
			fmt.Sprintf("module %s has status %s, expected validated", moduleID, manifest.Status))
	}
	if att.BundleSHA256 == "" {
		return ins.reject(moduleID, "", RejectMissingAttestation, "attestation carries no bundle hash")
	}
	if att.Status != string(types.ReportValidated) {
		return ins.reject(moduleID, att.BundleSHA256, RejectFailedValidation,
			fmt.Sprintf("attestation status %q is not VALIDATED", att.Status))
	}

	files, err := ins.ws.CollectFiles(moduleID)
	if err != nil {
		return nil, err
	}
	actual := artifact.BundleHash(files)
	if actual != att.BundleSHA256 {
		return ins.reject(moduleID, att.BundleSHA256, RejectHashMismatch,
			fmt.Sprintf("bundle hash mismatch: files hash to %s, attestation says %s", actual, att.BundleSHA256))
	}

	adapterSource, ok := files[adapterFile]
	if !ok {
		return ins.reject(moduleID, att.BundleSHA256, RejectFailedValidation, "module has no adapter source")
	}
	invoke, err := NewSandboxInvoker(adapterSource, ins.policy)
	if err != nil {
		return ins.reject(moduleID, att.BundleSHA256, RejectFailedValidation,
			fmt.Sprintf("failed to load adapter: %v", err))
	}

	if err := ins.adapters.Load(&registry.Adapter{
		ModuleID:     moduleID,
		Capabilities: []string{manifest.Category},
		Invoke:       invoke,
	}); err != nil {
		return nil, err
	}

	if ins.modules != nil {
		if err := ins.modules.Install(registry.ModuleRecord{
			ModuleID:     moduleID,
			Name:         manifest.Name,
			Category:     manifest.Category,
			Platform:     manifest.Platform,
			Version:      manifest.Version,
			Status:       types.ModuleInstalled,
			Enabled:      true,
			BundleSHA256: actual,
			Capabilities: []string{manifest.Category},
		}); err != nil {
			ins.adapters.Unload(moduleID)
			return nil, err
		}
	}

	if err := ins.ws.SetStatus(moduleID, types.ModuleInstalled); err != nil {
		log.Warn("installed %s but failed to update manifest: %v", moduleID, err)
	}

	ins.appendAudit("install_success.jsonl", installAudit{
		Timestamp:    time.Now().UTC(),
		ModuleID:     moduleID,
		Action:       "install_success",
		BundleSHA256: actual,
	})
	log.Info("installed module %s (bundle %s)", moduleID, actual[:12])
	return &InstallResult{Status: "success", ModuleID: moduleID, IsLoaded: true}, nil
}

// Uninstall unloads the adapter and removes the registry row. The module
// directory stays on disk.
func (ins *Installer) Uninstall(moduleID string) (*InstallResult, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	loaded := ins.adapters.Unload(moduleID)
	if ins.modules != nil {
		if _, err := ins.modules.Uninstall(moduleID); err != nil {
			return nil, err
		}
	}
	if ins.ws.Exists(moduleID) {
		if err := ins.ws.SetStatus(moduleID, types.ModuleUninstalled); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("uninstalled %s but failed to update manifest: %v", moduleID, err)
		}
	}
	return &InstallResult{Status: "success", ModuleID: moduleID, IsLoaded: loaded}, nil
}

func (ins *Installer) reject(moduleID, bundleSHA, reason, msg string) (*InstallResult, error) {
	ins.appendAudit("install_rejections.jsonl", installAudit{
		Timestamp:    time.Now().UTC(),
		ModuleID:     moduleID,
		Action:       "install_rejected",
		BundleSHA256: bundleSHA,
		Reason:       reason,
	})
	logging.Get(logging.CategoryPipeline).Warn("rejected install of %s (%s): %s", moduleID, reason, msg)
	return &InstallResult{Status: "error", ModuleID: moduleID, Error: msg, Reason: reason},
		fmt.Errorf("install rejected (%s): %s", reason, msg)
}

func (ins *Installer) appendAudit(name string, entry installAudit) {
	if ins.auditDir == "" {
		return
	}
	if err := os.MkdirAll(ins.auditDir, 0o755); err != nil {
		logging.Get(logging.CategoryPipeline).Error("failed to create audit dir: %v", err)
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(ins.auditDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("failed to open %s: %v", name, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		logging.Get(logging.CategoryPipeline).Error("failed to append to %s: %v", name, err)
	}
}
