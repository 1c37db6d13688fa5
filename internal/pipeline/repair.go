package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"conductor/internal/buildlog"
	"conductor/internal/gateway"
	"conductor/internal/logging"
	"conductor/internal/types"
)

// MaxRepairAttempts caps the repair loop. Past this the job is declared
// unrepairable regardless of progress.
const MaxRepairAttempts = 10

// ErrJobPaused signals that every model lane failed and the job should be
// resumed later rather than abandoned.
var ErrJobPaused = errors.New("job paused: all model preferences failed")

// Generator is the slice of the provider gateway the repair loop needs.
type Generator interface {
	Generate(ctx context.Context, purpose gateway.Purpose, messages []gateway.Message, schema map[string]any, allowedDirs []string, opts gateway.GenerateOptions) (*types.GeneratorResponse, *gateway.Metadata, error)
}

// RepairLoop drives bounded LLM self-repair of a failing module.
type RepairLoop struct {
	ws        *Workspace
	builder   *Builder
	validator *Validator
	gen       Generator
	auditDir  string
}

// NewRepairLoop assembles the loop. auditDir receives the per-job
// BuildAuditLog files.
func NewRepairLoop(ws *Workspace, builder *Builder, validator *Validator, gen Generator, auditDir string) *RepairLoop {
	return &RepairLoop{ws: ws, builder: builder, validator: validator, gen: gen, auditDir: auditDir}
}

// Run repairs a module until it validates, a terminal failure appears, the
// attempt cap is reached, or two consecutive attempts fail identically. The
// returned audit log holds every attempt; the report is the last validation
// outcome. ErrJobPaused is returned when all model lanes are down.
func (r *RepairLoop) Run(ctx context.Context, jobID, moduleID string, report *types.ValidationReport) (*buildlog.BuildAuditLog, *types.ValidationReport, error) {
	log := logging.Get(logging.CategoryPipeline)
	audit := buildlog.NewBuildAuditLog(jobID, moduleID)

	for attempt := 1; attempt <= MaxRepairAttempts; attempt++ {
		if report.Passed() {
			audit.Append(buildlog.AttemptRecord{
				BundleSHA256:     report.BundleSHA256,
				Stage:            buildlog.StageRepair,
				Status:           buildlog.AttemptSuccess,
				ValidationReport: report,
			})
			r.save(audit)
			return audit, report, nil
		}

		failureType := buildlog.ClassifyReport(report)
		fingerprint := buildlog.Fingerprint(report)

		if failureType.Terminal() {
			// Terminal failures never reach the provider again.
			audit.Append(buildlog.AttemptRecord{
				BundleSHA256:       report.BundleSHA256,
				Stage:              buildlog.StageRepair,
				Status:             buildlog.AttemptFailed,
				ValidationReport:   report,
				FailureFingerprint: fingerprint,
				FailureType:        failureType,
				Metadata:           map[string]any{"terminal": true},
			})
			r.save(audit)
			log.Warn("repair of %s stopped: terminal failure %s", moduleID, failureType)
			return audit, report, fmt.Errorf("terminal failure %s for %s", failureType, moduleID)
		}

		audit.Append(buildlog.AttemptRecord{
			BundleSHA256:       report.BundleSHA256,
			Stage:              buildlog.StageRepair,
			Status:             buildlog.AttemptFailed,
			ValidationReport:   report,
			FailureFingerprint: fingerprint,
			FailureType:        failureType,
		})

		if audit.HasConsecutiveIdenticalFailures() {
			last, _ := audit.Last()
			audit.Append(buildlog.AttemptRecord{
				BundleSHA256:       report.BundleSHA256,
				Stage:              buildlog.StageRepair,
				Status:             buildlog.AttemptFailed,
				ValidationReport:   report,
				FailureFingerprint: last.FailureFingerprint,
				FailureType:        buildlog.FailureTest,
				Metadata:           map[string]any{"thrash_detected": true},
			})
			r.save(audit)
			log.Warn("repair of %s stopped: identical failure twice in a row", moduleID)
			return audit, report, fmt.Errorf("repair thrash detected for %s after %d attempts", moduleID, attempt)
		}

		contract, meta, err := r.requestRepair(ctx, jobID, moduleID, report)
		if err != nil {
			var allFailed *gateway.AllModelsFailedError
			if errors.As(err, &allFailed) {
				r.save(audit)
				return audit, report, fmt.Errorf("%w: %v", ErrJobPaused, err)
			}
			var budget *gateway.BudgetExceededError
			if errors.As(err, &budget) {
				audit.Append(buildlog.AttemptRecord{
					BundleSHA256:       report.BundleSHA256,
					Stage:              buildlog.StageRepair,
					Status:             buildlog.AttemptError,
					FailureFingerprint: fingerprint,
					FailureType:        buildlog.FailureBudgetExceeded,
					Logs:               []string{err.Error()},
				})
				r.save(audit)
				return audit, report, err
			}
			r.save(audit)
			return audit, report, err
		}
		log.Info("repair attempt %d for %s served by %s/%s", attempt, moduleID, meta.Provider, meta.Model)

		if err := r.applyDiff(moduleID, contract); err != nil {
			r.save(audit)
			return audit, report, fmt.Errorf("failed to apply repair diff: %w", err)
		}

		report, err = r.validator.Validate(ctx, moduleID)
		if err != nil {
			r.save(audit)
			return audit, report, err
		}
	}

	// Cap reached with the last report still failing.
	fingerprint := buildlog.Fingerprint(report)
	audit.Append(buildlog.AttemptRecord{
		BundleSHA256:       report.BundleSHA256,
		Stage:              buildlog.StageRepair,
		Status:             buildlog.AttemptFailed,
		ValidationReport:   report,
		FailureFingerprint: fingerprint,
		FailureType:        buildlog.ClassifyReport(report),
		Metadata:           map[string]any{"max_attempts_reached": true},
	})
	r.save(audit)
	return audit, report, fmt.Errorf("module %s still failing after %d repair attempts", moduleID, MaxRepairAttempts)
}

// requestRepair asks the repair lane for a fix, shaped by the failing
// report's hints.
func (r *RepairLoop) requestRepair(ctx context.Context, jobID, moduleID string, report *types.ValidationReport) (*types.GeneratorResponse, *gateway.Metadata, error) {
	adapterSource, err := r.ws.ReadFile(moduleID, adapterFile)
	if err != nil {
		return nil, nil, err
	}
	testSource, err := r.ws.ReadFile(moduleID, testFile)
	if err != nil {
		return nil, nil, err
	}
	hints, err := json.MarshalIndent(report.FixHints, "", "  ")
	if err != nil {
		return nil, nil, err
	}

	messages := []gateway.Message{
		{Role: "system", Content: repairSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Module: %s\n\nValidation failed with these hints:\n%s\n\nCurrent %s:\n%s\n\nCurrent %s:\n%s\n\nReturn the corrected files.",
			moduleID, hints, adapterFile, adapterSource, testFile, testSource)},
	}

	return r.gen.Generate(ctx, gateway.PurposeRepair, messages, generatorResponseSchema(moduleID), moduleAllowedDirs, gateway.GenerateOptions{
		JobID:       jobID,
		Temperature: 0.2,
		MaxTokens:   8192,
	})
}

// applyDiff writes the contract's changed files and removes its deleted
// files, then resets the manifest to pending so the next validation starts
// from a clean lifecycle state.
func (r *RepairLoop) applyDiff(moduleID string, contract *types.GeneratorResponse) error {
	if contract.Module != moduleID {
		return fmt.Errorf("contract addresses module %s, expected %s", contract.Module, moduleID)
	}
	for _, f := range contract.ChangedFiles {
		if err := r.ws.WriteFile(moduleID, f.Path, f.Content); err != nil {
			return err
		}
	}
	for _, p := range contract.DeletedFiles {
		if p == manifestFile {
			continue
		}
		if err := r.ws.DeleteFile(moduleID, p); err != nil {
			return err
		}
	}
	manifest, err := r.ws.LoadManifest(moduleID)
	if err != nil {
		return err
	}
	if manifest.Status != types.ModulePending {
		manifest.Status = types.ModulePending
		manifest.FailureCount++
		if err := r.ws.SaveManifest(manifest); err != nil {
			return err
		}
	}
	return nil
}

func (r *RepairLoop) save(audit *buildlog.BuildAuditLog) {
	if r.auditDir == "" {
		return
	}
	if _, err := audit.SaveTo(r.auditDir); err != nil {
		logging.Get(logging.CategoryPipeline).Error("failed to save audit log for job %s: %v", audit.JobID, err)
	}
}

const repairSystemPrompt = `You repair data-source adapter modules. You receive a failing validation report with structured fix hints and the current source files. Produce corrected source that passes validation. Respond with JSON only, matching the requested schema. Keep changes minimal; do not rewrite working code.`

// generatorResponseSchema is the JSON schema handed to the provider so the
// response parses straight into the generator contract.
func generatorResponseSchema(moduleID string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"stage":  map[string]any{"type": "string"},
			"module": map[string]any{"type": "string", "const": moduleID},
			"changed_files": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"path", "content"},
				},
			},
			"deleted_files": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"assumptions":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"rationale":     map[string]any{"type": "string"},
		},
		"required": []string{"stage", "module", "changed_files"},
	}
}
