package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"conductor/internal/buildlog"
	"conductor/internal/gateway"
	"conductor/internal/types"
)

// scriptedGenerator returns one contract per call; the last entry repeats.
type scriptedGenerator struct {
	calls     int
	contracts []*types.GeneratorResponse
	err       error
}

func (g *scriptedGenerator) Generate(ctx context.Context, purpose gateway.Purpose, messages []gateway.Message, schema map[string]any, allowedDirs []string, opts gateway.GenerateOptions) (*types.GeneratorResponse, *gateway.Metadata, error) {
	i := g.calls
	g.calls++
	if g.err != nil {
		return nil, nil, g.err
	}
	if i >= len(g.contracts) {
		i = len(g.contracts) - 1
	}
	return g.contracts[i], &gateway.Metadata{Provider: "test", Model: "scripted", Attempt: 1}, nil
}

func adapterContract(moduleID, source string) *types.GeneratorResponse {
	return &types.GeneratorResponse{
		Stage:  "repair",
		Module: moduleID,
		ChangedFiles: []types.GeneratedFile{
			{Path: adapterFile, Content: source},
		},
	}
}

type repairFixture struct {
	ws        *Workspace
	builder   *Builder
	validator *Validator
	gen       *scriptedGenerator
	loop      *RepairLoop
	auditDir  string
}

func newRepairFixture(t *testing.T, gen *scriptedGenerator) *repairFixture {
	t.Helper()
	ws, validator := newTestValidator(t)
	builder := NewBuilder(ws)
	auditDir := t.TempDir()
	return &repairFixture{
		ws:        ws,
		builder:   builder,
		validator: validator,
		gen:       gen,
		loop:      NewRepairLoop(ws, builder, validator, gen, auditDir),
		auditDir:  auditDir,
	}
}

func (fx *repairFixture) failingModule(t *testing.T) *types.ValidationReport {
	t.Helper()
	scaffold(t, fx.ws, "weather", "open_meteo")
	if err := fx.builder.WriteCode("weather/open_meteo", brokenAdapter, ""); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	report, err := fx.validator.Validate(context.Background(), "weather/open_meteo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Passed() {
		t.Fatal("fixture module should start out failing")
	}
	return report
}

func TestRepairLoop_RepairsToSuccess(t *testing.T) {
	gen := &scriptedGenerator{contracts: []*types.GeneratorResponse{
		adapterContract("weather/open_meteo", fixedAdapter),
	}}
	fx := newRepairFixture(t, gen)
	report := fx.failingModule(t)

	audit, final, err := fx.loop.Run(context.Background(), "job-1", "weather/open_meteo", report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !final.Passed() {
		t.Fatalf("final report = %s, want VALIDATED", final.Status)
	}
	if gen.calls != 1 {
		t.Fatalf("generator called %d times, want 1", gen.calls)
	}
	if audit.Len() != 2 {
		t.Fatalf("audit has %d attempts, want failed then success", audit.Len())
	}
	last, _ := audit.Last()
	if last.Status != buildlog.AttemptSuccess {
		t.Fatalf("last attempt = %+v, want success", last)
	}

	// The audit log is persisted per job.
	saved, err := buildlog.LoadFrom(fx.auditDir, "job-1")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if saved.Len() != 2 {
		t.Fatalf("persisted audit has %d attempts, want 2", saved.Len())
	}
}

func TestRepairLoop_TerminalFailureStopsWithoutProviderCall(t *testing.T) {
	gen := &scriptedGenerator{contracts: []*types.GeneratorResponse{
		adapterContract("weather/open_meteo", fixedAdapter),
	}}
	fx := newRepairFixture(t, gen)

	report := &types.ValidationReport{
		Status:   types.ReportError,
		ModuleID: "weather/open_meteo",
		FixHints: []types.FixHint{
			{Category: types.HintPolicyViolation, Message: "forbidden import os/exec"},
		},
	}
	audit, _, err := fx.loop.Run(context.Background(), "job-2", "weather/open_meteo", report)
	if err == nil || !strings.Contains(err.Error(), "terminal failure") {
		t.Fatalf("err = %v, want terminal failure", err)
	}
	if gen.calls != 0 {
		t.Fatalf("terminal failures must never reach the provider, got %d calls", gen.calls)
	}
	if audit.Len() != 1 {
		t.Fatalf("audit has %d attempts, want 1", audit.Len())
	}
	last, _ := audit.Last()
	if last.FailureType != buildlog.FailurePolicyViolation || last.Metadata["terminal"] != true {
		t.Fatalf("last attempt = %+v, want a terminal policy_violation record", last)
	}
}

func TestRepairLoop_ThrashDetection(t *testing.T) {
	// The generator keeps returning the same broken source, so every
	// validation fails with an identical fingerprint.
	gen := &scriptedGenerator{contracts: []*types.GeneratorResponse{
		adapterContract("weather/open_meteo", brokenAdapter),
	}}
	fx := newRepairFixture(t, gen)
	report := fx.failingModule(t)

	audit, _, err := fx.loop.Run(context.Background(), "job-3", "weather/open_meteo", report)
	if err == nil || !strings.Contains(err.Error(), "thrash") {
		t.Fatalf("err = %v, want thrash detection", err)
	}
	if gen.calls != 1 {
		t.Fatalf("generator called %d times, want 1 before the identical failure repeats", gen.calls)
	}
	if audit.Len() != 3 {
		t.Fatalf("audit has %d attempts, want two failures plus the thrash record", audit.Len())
	}
	last, _ := audit.Last()
	if last.Metadata["thrash_detected"] != true {
		t.Fatalf("last attempt = %+v, want thrash_detected metadata", last)
	}
}

func TestRepairLoop_AllModelsDownPausesJob(t *testing.T) {
	gen := &scriptedGenerator{err: &gateway.AllModelsFailedError{Purpose: gateway.PurposeRepair}}
	fx := newRepairFixture(t, gen)
	report := fx.failingModule(t)

	_, _, err := fx.loop.Run(context.Background(), "job-4", "weather/open_meteo", report)
	if !errors.Is(err, ErrJobPaused) {
		t.Fatalf("err = %v, want ErrJobPaused", err)
	}
}

func TestRepairLoop_BudgetExhaustionIsTerminal(t *testing.T) {
	gen := &scriptedGenerator{err: &gateway.BudgetExceededError{JobID: "job-5", Requested: 8192, Remaining: 100}}
	fx := newRepairFixture(t, gen)
	report := fx.failingModule(t)

	audit, _, err := fx.loop.Run(context.Background(), "job-5", "weather/open_meteo", report)
	var be *gateway.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if errors.Is(err, ErrJobPaused) {
		t.Fatal("budget exhaustion is terminal, not a pause")
	}
	last, _ := audit.Last()
	if last.FailureType != buildlog.FailureBudgetExceeded || last.Status != buildlog.AttemptError {
		t.Fatalf("last attempt = %+v, want a budget_exceeded error record", last)
	}
}

func TestRepairLoop_PassingReportShortCircuits(t *testing.T) {
	gen := &scriptedGenerator{}
	fx := newRepairFixture(t, gen)
	scaffold(t, fx.ws, "weather", "open_meteo")
	report, err := fx.validator.Validate(context.Background(), "weather/open_meteo")
	if err != nil || !report.Passed() {
		t.Fatalf("Validate = %v, %v", report, err)
	}

	audit, final, err := fx.loop.Run(context.Background(), "job-6", "weather/open_meteo", report)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gen.calls != 0 || audit.Len() != 1 || !final.Passed() {
		t.Fatalf("calls=%d attempts=%d status=%s, want an immediate success record", gen.calls, audit.Len(), final.Status)
	}
}

func TestRepairLoop_RejectsContractForWrongModule(t *testing.T) {
	gen := &scriptedGenerator{contracts: []*types.GeneratorResponse{
		adapterContract("finance/stocks", fixedAdapter),
	}}
	fx := newRepairFixture(t, gen)
	report := fx.failingModule(t)

	_, _, err := fx.loop.Run(context.Background(), "job-7", "weather/open_meteo", report)
	if err == nil || !strings.Contains(err.Error(), "addresses module") {
		t.Fatalf("err = %v, want wrong-module rejection", err)
	}
}
