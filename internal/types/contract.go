package types

import (
	"fmt"
	"path"
	"strings"
)

// Generator response contract limits. Responses breaching these are rejected
// before any file is touched.
const (
	MaxChangedFiles   = 10
	MaxChangedFileLen = 100 * 1024 // bytes per file
)

// GeneratedFile is one file emitted by the generator.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// GeneratorResponse is the schema-validated payload every codegen/repair
// call must produce.
type GeneratorResponse struct {
	Stage            string          `json:"stage"`
	Module           string          `json:"module"` // category/platform
	ChangedFiles     []GeneratedFile `json:"changed_files"`
	DeletedFiles     []string        `json:"deleted_files,omitempty"`
	Assumptions      []string        `json:"assumptions,omitempty"`
	Rationale        string          `json:"rationale,omitempty"`
	Policy           string          `json:"policy,omitempty"`
	ValidationReport map[string]any  `json:"validation_report,omitempty"`
}

// ContractViolationError reports why a generator response was rejected.
type ContractViolationError struct {
	Field  string
	Reason string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("generator contract violation on %s: %s", e.Field, e.Reason)
}

// Validate enforces the structural contract: module id shape, file count and
// size bounds, no markdown fences, and the per-module path allowlist.
// allowedDirs entries are directory prefixes relative to the module root; an
// empty list admits nothing.
func (g *GeneratorResponse) Validate(allowedDirs []string) error {
	if !ValidModuleID(g.Module) {
		return &ContractViolationError{Field: "module", Reason: fmt.Sprintf("%q does not match category/platform", g.Module)}
	}
	if len(g.ChangedFiles) == 0 {
		return &ContractViolationError{Field: "changed_files", Reason: "empty"}
	}
	if len(g.ChangedFiles) > MaxChangedFiles {
		return &ContractViolationError{Field: "changed_files", Reason: fmt.Sprintf("%d files exceeds limit of %d", len(g.ChangedFiles), MaxChangedFiles)}
	}
	for _, f := range g.ChangedFiles {
		if len(f.Content) > MaxChangedFileLen {
			return &ContractViolationError{Field: "changed_files", Reason: fmt.Sprintf("%s is %d bytes, limit %d", f.Path, len(f.Content), MaxChangedFileLen)}
		}
		if strings.Contains(f.Content, "```") {
			return &ContractViolationError{Field: "changed_files", Reason: fmt.Sprintf("%s contains markdown fences", f.Path)}
		}
		if err := checkAllowedPath(f.Path, allowedDirs); err != nil {
			return err
		}
	}
	for _, p := range g.DeletedFiles {
		if err := checkAllowedPath(p, allowedDirs); err != nil {
			return err
		}
	}
	return nil
}

func checkAllowedPath(p string, allowedDirs []string) error {
	clean := path.Clean(p)
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
		return &ContractViolationError{Field: "path", Reason: fmt.Sprintf("%q escapes the module root", p)}
	}
	for _, dir := range allowedDirs {
		dir = strings.TrimSuffix(dir, "/")
		if dir == "." || dir == "" {
			if !strings.Contains(clean, "/") {
				return nil
			}
			continue
		}
		if clean == dir || strings.HasPrefix(clean, dir+"/") {
			return nil
		}
	}
	return &ContractViolationError{Field: "path", Reason: fmt.Sprintf("%q outside allowed directories %v", p, allowedDirs)}
}
