// Package sandbox enforces execution policies on generated adapter code:
// import allowlisting checked statically on the AST, and resource-bounded
// execution of test code inside a yaegi interpreter. Generated source is
// never imported or evaluated by the host process outside this package.
package sandbox

import "time"

// ExecutionPolicy bounds what sandboxed code may import and how long it may
// run. Policies compose with Merge; merging keeps the stricter enforcement.
type ExecutionPolicy struct {
	Name             string
	ForbiddenImports []string
	AllowedImports   []string
	CPUSeconds       int
	MemoryMB         int
	Timeout          time.Duration
	AllowedDomains   []string
	StrictImports    bool // when true, anything outside AllowedImports is a violation
}

// baseForbidden are imports no profile ever admits.
var baseForbidden = []string{
	"os/exec",
	"syscall",
	"unsafe",
	"plugin",
	"runtime/cgo",
	"runtime/debug",
}

// safeImports is the stdlib surface adapters legitimately need.
var safeImports = []string{
	"bytes",
	"encoding/base64",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// Default returns the baseline policy: safe stdlib only, short timeout.
func Default() ExecutionPolicy {
	return ExecutionPolicy{
		Name:             "default",
		ForbiddenImports: append([]string{"os", "net", "net/http", "io/ioutil", "path/filepath"}, baseForbidden...),
		AllowedImports:   safeImports,
		CPUSeconds:       5,
		MemoryMB:         256,
		Timeout:          10 * time.Second,
		StrictImports:    true,
	}
}

// ModuleValidation is the profile used when running adapter test files: no
// network, no filesystem, no process control.
func ModuleValidation() ExecutionPolicy {
	p := Default()
	p.Name = "module_validation"
	p.CPUSeconds = 10
	p.Timeout = 30 * time.Second
	return p
}

// IntegrationTest admits net/http access to the named domains; everything
// else stays locked down.
func IntegrationTest(allowedDomains []string) ExecutionPolicy {
	p := Default()
	p.Name = "integration_test"
	p.AllowedDomains = append([]string(nil), allowedDomains...)
	p.AllowedImports = append(p.AllowedImports, "net/http", "net/url", "io")
	p.ForbiddenImports = removeAll(p.ForbiddenImports, "net/http")
	p.Timeout = 60 * time.Second
	return p
}

// Merge combines two policies, preserving the stricter forbidden
// enforcement: forbidden lists union, allowed lists intersect, limits take
// the tighter value, and StrictImports stays on if either side set it.
func Merge(a, b ExecutionPolicy) ExecutionPolicy {
	out := ExecutionPolicy{
		Name:             a.Name + "+" + b.Name,
		ForbiddenImports: union(a.ForbiddenImports, b.ForbiddenImports),
		AllowedImports:   intersect(a.AllowedImports, b.AllowedImports),
		CPUSeconds:       minPositive(a.CPUSeconds, b.CPUSeconds),
		MemoryMB:         minPositive(a.MemoryMB, b.MemoryMB),
		AllowedDomains:   intersect(a.AllowedDomains, b.AllowedDomains),
		StrictImports:    a.StrictImports || b.StrictImports,
	}
	out.Timeout = a.Timeout
	if b.Timeout > 0 && (out.Timeout == 0 || b.Timeout < out.Timeout) {
		out.Timeout = b.Timeout
	}
	return out
}

// Forbidden reports whether pkg is denied by this policy, either listed as
// forbidden or (under strict imports) absent from the allowlist.
func (p ExecutionPolicy) Forbidden(pkg string) bool {
	for _, f := range p.ForbiddenImports {
		if pkg == f || hasPrefixSlash(pkg, f) {
			return true
		}
	}
	if p.StrictImports {
		for _, a := range p.AllowedImports {
			if pkg == a {
				return false
			}
		}
		return true
	}
	return false
}

func hasPrefixSlash(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix && s[len(prefix)] == '/'
}

func union(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	inB := map[string]bool{}
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range a {
		if inB[s] {
			out = append(out, s)
		}
	}
	return out
}

func removeAll(in []string, drop string) []string {
	var out []string
	for _, s := range in {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func minPositive(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}
