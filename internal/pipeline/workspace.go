// Package pipeline drives the module lifecycle: scaffold, write, validate,
// repair, install. Every stage leaves an immutable trail in the build audit
// log and the content-addressed artifact store.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"conductor/internal/types"
)

// manifestFile, adapterFile and testFile are the three files every module
// directory carries.
const (
	manifestFile = "manifest.json"
	adapterFile  = "adapter.go"
	testFile     = "adapter_test.go"
)

// moduleAllowedDirs is the path allowlist for generator output: files may
// only land in the module root.
var moduleAllowedDirs = []string{"."}

// Workspace is the on-disk module tree, rooted at
// <workspace>/.conductor/modules/<category>/<platform>/.
type Workspace struct {
	root string
}

// NewWorkspace creates (if needed) and opens the module tree under root.
func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create module workspace: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// ModuleDir returns the directory for a module id without checking that it
// exists.
func (w *Workspace) ModuleDir(moduleID string) (string, error) {
	if !types.ValidModuleID(moduleID) {
		return "", fmt.Errorf("invalid module id %q", moduleID)
	}
	return filepath.Join(w.root, filepath.FromSlash(moduleID)), nil
}

// Exists reports whether a module directory is present.
func (w *Workspace) Exists(moduleID string) bool {
	dir, err := w.ModuleDir(moduleID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// LoadManifest reads and parses a module's manifest.
func (w *Workspace) LoadManifest(moduleID string) (*types.ModuleManifest, error) {
	dir, err := w.ModuleDir(moduleID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", moduleID, err)
	}
	var m types.ModuleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest for %s: %w", moduleID, err)
	}
	return &m, nil
}

// SaveManifest writes a module's manifest atomically.
func (w *Workspace) SaveManifest(m *types.ModuleManifest) error {
	dir, err := w.ModuleDir(m.ID())
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return atomicWriteFile(filepath.Join(dir, manifestFile), append(data, '\n'))
}

// SetStatus transitions a module's manifest status, enforcing lifecycle
// edges, and persists it.
func (w *Workspace) SetStatus(moduleID string, next types.ModuleStatus) error {
	m, err := w.LoadManifest(moduleID)
	if err != nil {
		return err
	}
	if m.Status == next {
		return nil
	}
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("illegal status transition %s -> %s for %s", m.Status, next, moduleID)
	}
	m.Status = next
	return w.SaveManifest(m)
}

// ReadFile reads one file from the module directory.
func (w *Workspace) ReadFile(moduleID, name string) (string, error) {
	dir, err := w.ModuleDir(moduleID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes one file into the module directory atomically. The path
// must stay inside the module root.
func (w *Workspace) WriteFile(moduleID, name, content string) error {
	dir, err := w.ModuleDir(moduleID)
	if err != nil {
		return err
	}
	clean := filepath.Clean(name)
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("path %q escapes the module root", name)
	}
	dest := filepath.Join(dir, clean)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return atomicWriteFile(dest, []byte(content))
}

// DeleteFile removes one file from the module directory. Missing files are
// not an error.
func (w *Workspace) DeleteFile(moduleID, name string) error {
	dir, err := w.ModuleDir(moduleID)
	if err != nil {
		return err
	}
	clean := filepath.Clean(name)
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("path %q escapes the module root", name)
	}
	err = os.Remove(filepath.Join(dir, clean))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CollectFiles returns the {relative path -> content} map of every source
// file in the module directory, the input to bundle hashing. The manifest is
// excluded: status flips must not change the bundle identity.
func (w *Workspace) CollectFiles(moduleID string) (map[string]string, error) {
	dir, err := w.ModuleDir(moduleID)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string)
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestFile {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect files for %s: %w", moduleID, err)
	}
	return files, nil
}

// ListModules walks the tree and returns every module id with a manifest,
// sorted.
func (w *Workspace) ListModules() ([]string, error) {
	var out []string
	categories, err := os.ReadDir(w.root)
	if err != nil {
		return nil, err
	}
	for _, cat := range categories {
		if !cat.IsDir() {
			continue
		}
		platforms, err := os.ReadDir(filepath.Join(w.root, cat.Name()))
		if err != nil {
			return nil, err
		}
		for _, plat := range platforms {
			if !plat.IsDir() {
				continue
			}
			id := types.ModuleID(cat.Name(), plat.Name())
			if _, err := os.Stat(filepath.Join(w.root, cat.Name(), plat.Name(), manifestFile)); err == nil {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes a module directory entirely.
func (w *Workspace) Remove(moduleID string) error {
	dir, err := w.ModuleDir(moduleID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func atomicWriteFile(dest string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, dest)
}
