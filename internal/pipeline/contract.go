package pipeline

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"

	"conductor/internal/sandbox"
	"conductor/internal/types"
)

// requiredMethods are the adapter contract methods every module must define
// on its adapter type.
var requiredMethods = []string{"FetchRaw", "Transform", "GetSchema"}

// staticChecks runs the no-sandbox validation pass over the adapter source:
// syntax, forbidden imports, adapter registration, required methods, and
// manifest sanity. Returns check results plus the fix hints derived from the
// failures.
func staticChecks(manifest *types.ModuleManifest, adapterSource string, policy sandbox.ExecutionPolicy) ([]types.CheckResult, []types.FixHint) {
	var results []types.CheckResult
	var hints []types.FixHint

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, adapterFile, adapterSource, 0)
	if err != nil {
		results = append(results, types.CheckResult{Name: "syntax", Passed: false, Message: err.Error()})
		hints = append(hints, types.FixHint{
			Category:   types.HintSyntaxError,
			Message:    fmt.Sprintf("adapter source does not parse: %v", err),
			Suggestion: "fix the syntax error before anything else",
		})
		// Without an AST every other static check is moot.
		return results, hints
	}
	results = append(results, types.CheckResult{Name: "syntax", Passed: true})

	violations, err := sandbox.CheckImports(adapterSource, policy)
	if err == nil && len(violations) == 0 {
		results = append(results, types.CheckResult{Name: "imports", Passed: true})
	} else {
		for _, v := range violations {
			results = append(results, types.CheckResult{Name: "imports", Passed: false, Message: v.String(), Line: v.Line})
			hints = append(hints, types.FixHint{
				Category:   types.HintImportViolation,
				Message:    fmt.Sprintf("import %q is not allowed in sandboxed adapters", v.Module),
				LineNumber: v.Line,
				Suggestion: "remove the import and use only the safe standard library surface",
			})
		}
	}

	if line := findRegisterCall(file, fset); line > 0 {
		results = append(results, types.CheckResult{Name: "registration", Passed: true, Line: line})
	} else {
		results = append(results, types.CheckResult{Name: "registration", Passed: false, Message: "no RegisterAdapter call found"})
		hints = append(hints, types.FixHint{
			Category:   types.HintMissingMethod,
			Message:    "adapter never calls RegisterAdapter",
			Suggestion: "add an init function calling RegisterAdapter(category, platform, adapter)",
		})
	}

	defined := methodNames(file)
	for _, m := range requiredMethods {
		if defined[m] {
			results = append(results, types.CheckResult{Name: "method_" + m, Passed: true})
			continue
		}
		results = append(results, types.CheckResult{Name: "method_" + m, Passed: false, Message: fmt.Sprintf("method %s not defined", m)})
		hints = append(hints, types.FixHint{
			Category:   types.HintMissingMethod,
			Message:    fmt.Sprintf("required method %s is missing", m),
			Suggestion: fmt.Sprintf("define %s on the adapter type", m),
		})
	}

	if err := checkManifest(manifest); err != nil {
		results = append(results, types.CheckResult{Name: "manifest", Passed: false, Message: err.Error()})
		hints = append(hints, types.FixHint{
			Category: types.HintSchemaError,
			Message:  fmt.Sprintf("manifest is invalid: %v", err),
		})
	} else {
		results = append(results, types.CheckResult{Name: "manifest", Passed: true})
	}

	return results, hints
}

// findRegisterCall returns the line of the first RegisterAdapter call, or 0.
func findRegisterCall(file *ast.File, fset *token.FileSet) int {
	line := 0
	ast.Inspect(file, func(n ast.Node) bool {
		if line > 0 {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			if fn.Name == "RegisterAdapter" {
				line = fset.Position(call.Pos()).Line
			}
		case *ast.SelectorExpr:
			if fn.Sel.Name == "RegisterAdapter" {
				line = fset.Position(call.Pos()).Line
			}
		}
		return true
	})
	return line
}

// methodNames collects the names of all methods (functions with receivers)
// defined in the file.
func methodNames(file *ast.File) map[string]bool {
	out := make(map[string]bool)
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || len(fn.Recv.List) == 0 {
			continue
		}
		out[fn.Name.Name] = true
	}
	return out
}

func checkManifest(m *types.ModuleManifest) error {
	if m == nil {
		return fmt.Errorf("manifest missing")
	}
	if m.Name == "" {
		return fmt.Errorf("name is empty")
	}
	if !types.ValidModuleID(m.ID()) {
		return fmt.Errorf("module id %q does not match category/platform", m.ID())
	}
	if !m.AuthType.Valid() {
		return fmt.Errorf("unknown auth type %q", m.AuthType)
	}
	if m.RequiresAuth && m.AuthType == types.AuthNone {
		return fmt.Errorf("requires_auth is set but auth_type is none")
	}
	return nil
}
