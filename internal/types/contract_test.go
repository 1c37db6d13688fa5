package types

import (
	"strings"
	"testing"
)

func validResponse() *GeneratorResponse {
	return &GeneratorResponse{
		Stage:  "repair",
		Module: "finance/stocks",
		ChangedFiles: []GeneratedFile{
			{Path: "adapter.go", Content: "package main\n"},
		},
	}
}

func TestGeneratorResponse_ValidateAccepts(t *testing.T) {
	if err := validResponse().Validate([]string{"."}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestGeneratorResponse_RejectsBadModuleID(t *testing.T) {
	g := validResponse()
	g.Module = "not-a-module-id"
	err := g.Validate([]string{"."})
	if err == nil {
		t.Fatal("expected contract violation for malformed module id")
	}
	var cv *ContractViolationError
	if !asContractViolation(err, &cv) || cv.Field != "module" {
		t.Fatalf("err = %v, want module field violation", err)
	}
}

func TestGeneratorResponse_RejectsTooManyFiles(t *testing.T) {
	g := validResponse()
	g.ChangedFiles = nil
	for i := 0; i <= MaxChangedFiles; i++ {
		g.ChangedFiles = append(g.ChangedFiles, GeneratedFile{
			Path:    "f" + string(rune('a'+i)) + ".go",
			Content: "package main\n",
		})
	}
	if err := g.Validate([]string{"."}); err == nil {
		t.Fatalf("%d files should exceed the limit of %d", len(g.ChangedFiles), MaxChangedFiles)
	}
}

func TestGeneratorResponse_RejectsOversizeFile(t *testing.T) {
	g := validResponse()
	g.ChangedFiles[0].Content = strings.Repeat("x", MaxChangedFileLen+1)
	if err := g.Validate([]string{"."}); err == nil {
		t.Fatal("oversize file content should be rejected")
	}
}

func TestGeneratorResponse_RejectsMarkdownFences(t *testing.T) {
	g := validResponse()
	g.ChangedFiles[0].Content = "```go\npackage main\n```\n"
	err := g.Validate([]string{"."})
	if err == nil {
		t.Fatal("markdown fences should be rejected")
	}
	if !strings.Contains(err.Error(), "markdown fences") {
		t.Fatalf("err = %v, want markdown fence reason", err)
	}
}

func TestGeneratorResponse_RejectsPathEscape(t *testing.T) {
	escapes := []string{"../outside.go", "/etc/passwd", "sub/../../up.go"}
	for _, p := range escapes {
		g := validResponse()
		g.ChangedFiles[0].Path = p
		if err := g.Validate([]string{"."}); err == nil {
			t.Errorf("path %q should be rejected", p)
		}
	}
	// Deleted files go through the same allowlist.
	g := validResponse()
	g.DeletedFiles = []string{"../manifest.json"}
	if err := g.Validate([]string{"."}); err == nil {
		t.Error("deleted path escaping the module root should be rejected")
	}
}

func TestGeneratorResponse_AllowlistPrefixes(t *testing.T) {
	g := validResponse()
	g.ChangedFiles[0].Path = "helpers/util.go"
	if err := g.Validate([]string{"."}); err == nil {
		t.Fatal("subdirectory file should be rejected when only the root is allowed")
	}
	if err := g.Validate([]string{".", "helpers"}); err != nil {
		t.Fatalf("Validate with helpers allowed: %v", err)
	}
}

func asContractViolation(err error, target **ContractViolationError) bool {
	cv, ok := err.(*ContractViolationError)
	if ok {
		*target = cv
	}
	return ok
}
