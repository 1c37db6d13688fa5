package pipeline

import (
	"bytes"
	"fmt"
	"go/parser"
	"go/token"
	"text/template"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// BuildRequest describes the module to scaffold.
type BuildRequest struct {
	Name           string         `json:"name"`
	Category       string         `json:"category"`
	Platform       string         `json:"platform"`
	Description    string         `json:"description"`
	APIBaseURL     string         `json:"api_base_url"`
	RequiresAPIKey bool           `json:"requires_api_key"`
	AuthType       types.AuthType `json:"auth_type"`
}

// Builder scaffolds new module directories from templates.
type Builder struct {
	ws *Workspace
}

// NewBuilder creates a builder over the workspace.
func NewBuilder(ws *Workspace) *Builder {
	return &Builder{ws: ws}
}

// Build scaffolds modules/<category>/<platform>/ with a manifest, an adapter
// stub, and a test stub. Duplicate module directories are rejected. The new
// manifest starts in status pending.
func (b *Builder) Build(req BuildRequest) (*types.ModuleManifest, error) {
	log := logging.Get(logging.CategoryPipeline)

	moduleID := types.ModuleID(req.Category, req.Platform)
	if !types.ValidModuleID(moduleID) {
		return nil, fmt.Errorf("invalid module id %q: category and platform must match [a-z0-9_]+", moduleID)
	}
	if req.AuthType == "" {
		req.AuthType = types.AuthNone
	}
	if !req.AuthType.Valid() {
		return nil, fmt.Errorf("unknown auth type %q", req.AuthType)
	}
	if b.ws.Exists(moduleID) {
		return nil, fmt.Errorf("module %s already exists", moduleID)
	}

	manifest := &types.ModuleManifest{
		Name:         req.Name,
		Category:     req.Category,
		Platform:     req.Platform,
		Version:      "0.1.0",
		EntryPoint:   adapterFile,
		ClassName:    exportedName(req.Platform) + "Adapter",
		RequiresAuth: req.RequiresAPIKey,
		AuthType:     req.AuthType,
		Status:       types.ModulePending,
		APIBaseURL:   req.APIBaseURL,
		Description:  req.Description,
		CreatedAt:    time.Now().UTC(),
	}

	adapter, err := renderTemplate(adapterTemplate, manifest)
	if err != nil {
		return nil, err
	}
	tests, err := renderTemplate(testTemplate, manifest)
	if err != nil {
		return nil, err
	}

	if err := b.ws.WriteFile(moduleID, adapterFile, adapter); err != nil {
		return nil, err
	}
	if err := b.ws.WriteFile(moduleID, testFile, tests); err != nil {
		return nil, err
	}
	if err := b.ws.SaveManifest(manifest); err != nil {
		return nil, err
	}

	log.Info("scaffolded module %s (%s)", moduleID, req.Name)
	return manifest, nil
}

// WriteCode replaces the adapter source (and optionally the test source)
// after a parse pre-flight. Any write resets the manifest status to pending;
// a previously validated snapshot no longer describes the new source.
func (b *Builder) WriteCode(moduleID, adapterSource, testSource string) error {
	log := logging.Get(logging.CategoryPipeline)

	manifest, err := b.ws.LoadManifest(moduleID)
	if err != nil {
		return err
	}

	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, adapterFile, adapterSource, 0); err != nil {
		return fmt.Errorf("adapter source rejected: %w", err)
	}
	if testSource != "" {
		if _, err := parser.ParseFile(fset, testFile, testSource, 0); err != nil {
			return fmt.Errorf("test source rejected: %w", err)
		}
	}

	if err := b.ws.WriteFile(moduleID, adapterFile, adapterSource); err != nil {
		return err
	}
	if testSource != "" {
		if err := b.ws.WriteFile(moduleID, testFile, testSource); err != nil {
			return err
		}
	}

	if manifest.Status != types.ModulePending {
		manifest.Status = types.ModulePending
		if err := b.ws.SaveManifest(manifest); err != nil {
			return err
		}
	}
	log.Info("wrote new source for %s", moduleID)
	return nil
}

func renderTemplate(tpl *template.Template, manifest *types.ModuleManifest) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, manifest); err != nil {
		return "", fmt.Errorf("template render failed: %w", err)
	}
	return buf.String(), nil
}

// exportedName upper-cases the first rune of each underscore segment:
// "open_weather" -> "OpenWeather".
func exportedName(s string) string {
	out := make([]byte, 0, len(s))
	upper := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}

var adapterTemplate = template.Must(template.New("adapter").Parse(`package main

import (
	"encoding/json"
	"fmt"
)

// {{.ClassName}} adapts the {{.Name}} data source.
// {{.Description}}
type {{.ClassName}} struct {
	baseURL string
}

func New{{.ClassName}}() *{{.ClassName}} {
	return &{{.ClassName}}{baseURL: {{printf "%q" .APIBaseURL}}}
}

// FetchRaw retrieves the raw upstream payload for the given parameters.
func (a *{{.ClassName}}) FetchRaw(params map[string]any) (string, error) {
	return "", fmt.Errorf("FetchRaw not implemented")
}

// Transform converts the raw payload into the normalized record shape.
func (a *{{.ClassName}}) Transform(raw string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	return out, nil
}

// GetSchema describes the normalized record shape.
func (a *{{.ClassName}}) GetSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func init() {
	RegisterAdapter({{printf "%q" .Category}}, {{printf "%q" .Platform}}, New{{.ClassName}}())
}
`))

var testTemplate = template.Must(template.New("test").Parse(`package main

import "fmt"

// RunTests exercises the adapter and reports one PASS/FAIL/ERROR line per
// test. Returns the number of failures.
func RunTests() int {
	failures := 0

	a := New{{.ClassName}}()

	if schema := a.GetSchema(); schema["type"] == "object" {
		fmt.Println("PASS: schema_shape")
	} else {
		fmt.Println("FAIL: schema_shape")
		failures++
	}

	if _, err := a.Transform(` + "`" + `{"ok":true}` + "`" + `); err == nil {
		fmt.Println("PASS: transform_valid_json")
	} else {
		fmt.Println("FAIL: transform_valid_json")
		failures++
	}

	if _, err := a.Transform("not json"); err != nil {
		fmt.Println("PASS: transform_rejects_garbage")
	} else {
		fmt.Println("FAIL: transform_rejects_garbage")
		failures++
	}

	return failures
}
`))
