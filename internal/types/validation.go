package types

import "time"

// ReportStatus is the overall outcome of a validation run.
type ReportStatus string

const (
	ReportValidated ReportStatus = "VALIDATED"
	ReportFailed    ReportStatus = "FAILED"
	ReportError     ReportStatus = "ERROR"
)

// HintCategory classifies a fix hint for the repair prompt.
type HintCategory string

const (
	HintImportViolation HintCategory = "import_violation"
	HintMissingMethod   HintCategory = "missing_method"
	HintSyntaxError     HintCategory = "syntax_error"
	HintTestFailure     HintCategory = "test_failure"
	HintSchemaError     HintCategory = "schema_error"
	HintPolicyViolation HintCategory = "policy_violation"
)

// FixHint is a structured pointer at one failure, shaped for LLM
// self-correction rather than human eyes.
type FixHint struct {
	Category   HintCategory `json:"category"`
	Message    string       `json:"message"`
	Context    string       `json:"context,omitempty"`
	Suggestion string       `json:"suggestion,omitempty"`
	LineNumber int          `json:"line_number,omitempty"`
}

// CheckResult is one named static check outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// RuntimeResult captures a sandboxed test execution.
type RuntimeResult struct {
	Stdout         string  `json:"stdout"`
	Stderr         string  `json:"stderr"`
	ExitCode       int     `json:"exit_code"`
	DurationMs     int64   `json:"duration_ms"`
	TimedOut       bool    `json:"timed_out"`
	MemoryExceeded bool    `json:"memory_exceeded"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	TestsPassed    int     `json:"tests_passed"`
	TestsFailed    int     `json:"tests_failed"`
	TestsErrored   int     `json:"tests_errored"`
	FailingTests   []string `json:"failing_tests,omitempty"`
}

// ValidationReport merges static and runtime checks for one module snapshot.
type ValidationReport struct {
	Status         ReportStatus   `json:"status"`
	ModuleID       string         `json:"module_id"`
	StaticResults  []CheckResult  `json:"static_results"`
	RuntimeResults *RuntimeResult `json:"runtime_results,omitempty"`
	FixHints       []FixHint      `json:"fix_hints,omitempty"`
	Artifacts      []string       `json:"artifacts,omitempty"`
	BundleSHA256   string         `json:"bundle_sha256,omitempty"`
	ValidatedAt    time.Time      `json:"validated_at"`
}

// Passed reports whether the run ended VALIDATED.
func (r *ValidationReport) Passed() bool {
	return r.Status == ReportValidated
}

// ErrorTypes collects the distinct failed static-check names, for failure
// fingerprinting.
func (r *ValidationReport) ErrorTypes() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range r.StaticResults {
		if !c.Passed && !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
	}
	return out
}

// FailingTests returns the failing test names from the runtime results.
func (r *ValidationReport) FailingTests() []string {
	if r.RuntimeResults == nil {
		return nil
	}
	return r.RuntimeResults.FailingTests
}

// HintCategories collects the distinct fix-hint categories.
func (r *ValidationReport) HintCategories() []string {
	seen := map[HintCategory]bool{}
	var out []string
	for _, h := range r.FixHints {
		if !seen[h.Category] {
			seen[h.Category] = true
			out = append(out, string(h.Category))
		}
	}
	return out
}
