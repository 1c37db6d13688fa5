package sandbox

import (
	"fmt"
	"go/parser"
	"go/token"
	"strings"
)

// ImportViolation is one forbidden import found in source.
type ImportViolation struct {
	Module string `json:"module"`
	Line   int    `json:"line"`
}

func (v ImportViolation) String() string {
	return fmt.Sprintf("forbidden import %q at line %d", v.Module, v.Line)
}

// CheckImports walks the file's import declarations and reports every import
// the policy denies, with the source line it appears on. A parse failure is
// returned as an error; syntax problems are the syntax checker's concern,
// not the policy's.
func CheckImports(source string, policy ExecutionPolicy) ([]ImportViolation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "adapter.go", source, parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}

	var violations []ImportViolation
	for _, imp := range file.Imports {
		pkg := strings.Trim(imp.Path.Value, `"`)
		if policy.Forbidden(pkg) {
			violations = append(violations, ImportViolation{
				Module: pkg,
				Line:   fset.Position(imp.Pos()).Line,
			})
		}
	}
	return violations, nil
}
