package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conductor/internal/artifact"
	"conductor/internal/logging"
	"conductor/internal/sandbox"
	"conductor/internal/types"
)

// Validator merges the static and runtime validation passes into one report
// and persists the evidence content-addressed.
type Validator struct {
	ws     *Workspace
	store  *artifact.Store
	runner *sandbox.Runner
}

// NewValidator builds a validator. The runner carries the module_validation
// policy unless the caller injected another.
func NewValidator(ws *Workspace, store *artifact.Store, runner *sandbox.Runner) *Validator {
	if runner == nil {
		runner = sandbox.NewRunner(sandbox.ModuleValidation())
	}
	return &Validator{ws: ws, store: store, runner: runner}
}

// Validate runs all checks over a module's current source and persists the
// merged report. The manifest status moves to validated or failed; the
// module files themselves are never touched.
func (v *Validator) Validate(ctx context.Context, moduleID string) (*types.ValidationReport, error) {
	log := logging.Get(logging.CategoryPipeline)
	timer := logging.StartTimer(logging.CategoryPipeline, "Validate "+moduleID)
	defer timer.Stop()

	manifest, err := v.ws.LoadManifest(moduleID)
	if err != nil {
		return nil, err
	}
	adapterSource, err := v.ws.ReadFile(moduleID, adapterFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter source: %w", err)
	}
	testSource, err := v.ws.ReadFile(moduleID, testFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read test source: %w", err)
	}

	report := &types.ValidationReport{
		ModuleID:    moduleID,
		ValidatedAt: time.Now().UTC(),
	}

	files, err := v.ws.CollectFiles(moduleID)
	if err != nil {
		return nil, err
	}
	report.BundleSHA256 = artifact.BundleHash(files)

	report.StaticResults, report.FixHints = staticChecks(manifest, adapterSource, v.runner.Policy())
	staticOK := true
	for _, c := range report.StaticResults {
		if !c.Passed {
			staticOK = false
			break
		}
	}

	// Runtime checks only run on statically sound source: a file that does
	// not parse or imports forbidden packages never reaches the interpreter.
	if staticOK {
		runtime, err := v.runner.Run(ctx, adapterSource, testSource)
		if err != nil {
			report.Status = types.ReportError
			report.FixHints = append(report.FixHints, types.FixHint{
				Category: types.HintPolicyViolation,
				Message:  err.Error(),
			})
		} else {
			report.RuntimeResults = runtime
			report.FixHints = append(report.FixHints, runtimeHints(runtime)...)
		}
	}

	if report.Status != types.ReportError {
		if staticOK && report.RuntimeResults != nil && runtimePassed(report.RuntimeResults) {
			report.Status = types.ReportValidated
		} else {
			report.Status = types.ReportFailed
		}
	}

	if err := v.persistArtifacts(report); err != nil {
		log.Warn("failed to persist validation artifacts for %s: %v", moduleID, err)
	}

	next := types.ModuleValidated
	if !report.Passed() {
		next = types.ModuleFailed
	}
	if err := v.ws.SetStatus(moduleID, next); err != nil {
		return nil, err
	}

	log.Info("validated %s: %s (%d static checks, %d hints)",
		moduleID, report.Status, len(report.StaticResults), len(report.FixHints))
	return report, nil
}

func runtimePassed(r *types.RuntimeResult) bool {
	return !r.TimedOut && !r.MemoryExceeded && r.ErrorMessage == "" &&
		r.ExitCode == 0 && r.TestsFailed == 0 && r.TestsErrored == 0
}

// runtimeHints maps a sandbox run's failures to fix hints.
func runtimeHints(r *types.RuntimeResult) []types.FixHint {
	var hints []types.FixHint
	if r.TimedOut {
		hints = append(hints, types.FixHint{
			Category:   types.HintTestFailure,
			Message:    "test execution timed out",
			Suggestion: "remove unbounded loops or blocking calls from the adapter",
		})
	}
	if r.MemoryExceeded {
		hints = append(hints, types.FixHint{
			Category:   types.HintTestFailure,
			Message:    "test execution exceeded the memory limit",
			Suggestion: "avoid building large in-memory structures",
		})
	}
	if r.ErrorMessage != "" && !r.TimedOut {
		hints = append(hints, types.FixHint{
			Category: types.HintTestFailure,
			Message:  r.ErrorMessage,
			Context:  tail(r.Stderr, 2000),
		})
	}
	for _, name := range r.FailingTests {
		hints = append(hints, types.FixHint{
			Category: types.HintTestFailure,
			Message:  fmt.Sprintf("test %s failed", name),
			Context:  tail(r.Stdout, 2000),
		})
	}
	return hints
}

// persistArtifacts writes the run evidence under the bundle's content
// address: stdout, stderr, and the JSON execution report.
func (v *Validator) persistArtifacts(report *types.ValidationReport) error {
	if v.store == nil || report.BundleSHA256 == "" {
		return nil
	}
	runID := uuid.NewString()[:8]
	if report.RuntimeResults != nil {
		if p, err := v.store.Put(report.BundleSHA256, runID+"_stdout.log", []byte(report.RuntimeResults.Stdout)); err == nil {
			report.Artifacts = append(report.Artifacts, p)
		} else {
			return err
		}
		if p, err := v.store.Put(report.BundleSHA256, runID+"_stderr.log", []byte(report.RuntimeResults.Stderr)); err == nil {
			report.Artifacts = append(report.Artifacts, p)
		} else {
			return err
		}
	}
	p, err := v.store.PutJSON(report.BundleSHA256, runID+"_execution_report.json", report)
	if err != nil {
		return err
	}
	report.Artifacts = append(report.Artifacts, p)
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
