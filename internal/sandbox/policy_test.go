package sandbox

import (
	"testing"
	"time"
)

func TestDefaultPolicy_ForbidsDangerousImports(t *testing.T) {
	p := Default()
	for _, pkg := range []string{"os/exec", "syscall", "unsafe", "os", "net/http", "plugin"} {
		if !p.Forbidden(pkg) {
			t.Errorf("%s should be forbidden by the default policy", pkg)
		}
	}
	for _, pkg := range []string{"encoding/json", "fmt", "strings", "time"} {
		if p.Forbidden(pkg) {
			t.Errorf("%s should be allowed by the default policy", pkg)
		}
	}
}

func TestPolicy_StrictImportsDenyUnlisted(t *testing.T) {
	p := Default()
	// Not on any forbidden list, but not allowlisted either.
	if !p.Forbidden("database/sql") {
		t.Fatal("strict imports must deny packages outside the allowlist")
	}
	p.StrictImports = false
	if p.Forbidden("database/sql") {
		t.Fatal("with strict imports off, only the forbidden list applies")
	}
}

func TestPolicy_ForbiddenMatchesSubpackages(t *testing.T) {
	p := Default()
	if !p.Forbidden("net/http/httptest") {
		t.Fatal("subpackages of a forbidden prefix should be denied")
	}
}

func TestIntegrationTestPolicy_AdmitsHTTP(t *testing.T) {
	p := IntegrationTest([]string{"api.example.com"})
	if p.Forbidden("net/http") {
		t.Fatal("integration policy should admit net/http")
	}
	if p.Forbidden("net/url") {
		t.Fatal("integration policy should admit net/url")
	}
	if !p.Forbidden("os/exec") {
		t.Fatal("process control stays forbidden under every profile")
	}
	if len(p.AllowedDomains) != 1 || p.AllowedDomains[0] != "api.example.com" {
		t.Fatalf("AllowedDomains = %v", p.AllowedDomains)
	}
}

func TestMerge_KeepsStricterEnforcement(t *testing.T) {
	integ := IntegrationTest([]string{"api.example.com"})
	merged := Merge(integ, Default())

	// Default forbids net/http; the union keeps it forbidden.
	if !merged.Forbidden("net/http") {
		t.Fatal("merge must keep the stricter forbidden list")
	}
	if !merged.StrictImports {
		t.Fatal("strict imports stays on if either side set it")
	}
	if merged.Timeout != Default().Timeout {
		t.Fatalf("merged timeout = %v, want the tighter %v", merged.Timeout, Default().Timeout)
	}
	if merged.CPUSeconds != 5 {
		t.Fatalf("merged CPU limit = %d, want the tighter 5", merged.CPUSeconds)
	}
}

func TestMerge_TimeoutPicksTighter(t *testing.T) {
	a := Default()
	a.Timeout = 60 * time.Second
	b := Default()
	b.Timeout = 10 * time.Second
	if got := Merge(a, b).Timeout; got != 10*time.Second {
		t.Fatalf("Timeout = %v, want 10s", got)
	}
	b.Timeout = 0
	if got := Merge(a, b).Timeout; got != 60*time.Second {
		t.Fatalf("Timeout with one zero side = %v, want 60s", got)
	}
}

func TestCheckImports_ReportsViolationsWithLines(t *testing.T) {
	src := `package main

import (
	"encoding/json"
	"os/exec"
	"fmt"
)

var _ = json.Marshal
var _ = exec.Command
var _ = fmt.Println
`
	violations, err := CheckImports(src, Default())
	if err != nil {
		t.Fatalf("CheckImports: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %v, want exactly os/exec", violations)
	}
	if violations[0].Module != "os/exec" || violations[0].Line != 5 {
		t.Fatalf("violation = %+v, want os/exec at line 5", violations[0])
	}
}

func TestCheckImports_CleanSource(t *testing.T) {
	src := "package main\n\nimport \"encoding/json\"\n\nvar _ = json.Marshal\n"
	violations, err := CheckImports(src, Default())
	if err != nil {
		t.Fatalf("CheckImports: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("clean source reported violations: %v", violations)
	}
}

func TestCheckImports_ParseFailure(t *testing.T) {
	if _, err := CheckImports("not go at all {", Default()); err == nil {
		t.Fatal("unparseable source should return an error")
	}
}
