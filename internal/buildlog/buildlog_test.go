package buildlog

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"conductor/internal/types"
)

func failingReport(test string) *types.ValidationReport {
	return &types.ValidationReport{
		Status:   types.ReportFailed,
		ModuleID: "finance/stocks",
		StaticResults: []types.CheckResult{
			{Name: "syntax", Passed: true},
			{Name: "methods", Passed: true},
		},
		RuntimeResults: &types.RuntimeResult{
			ExitCode:     1,
			TestsFailed:  1,
			FailingTests: []string{test},
		},
		FixHints: []types.FixHint{
			{Category: types.HintTestFailure, Message: test + " failed"},
		},
	}
}

func TestFingerprint_StableAcrossWording(t *testing.T) {
	a := failingReport("transform_valid_json")
	b := failingReport("transform_valid_json")
	b.FixHints[0].Message = "completely different wording"
	b.FixHints[0].Suggestion = "try something"

	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("same failure shape must fingerprint identically regardless of message text")
	}
	if Fingerprint(a) == Fingerprint(failingReport("other_test")) {
		t.Fatal("different failing tests must fingerprint differently")
	}
}

func TestFingerprint_OrderInsensitive(t *testing.T) {
	a := failingReport("t1")
	a.RuntimeResults.FailingTests = []string{"t1", "t2"}
	b := failingReport("t1")
	b.RuntimeResults.FailingTests = []string{"t2", "t1"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("failing-test order must not affect the fingerprint")
	}
}

func TestClassifyReport(t *testing.T) {
	cases := []struct {
		hints []types.FixHint
		want  FailureType
	}{
		{nil, FailureTest},
		{[]types.FixHint{{Category: types.HintTestFailure}}, FailureTest},
		{[]types.FixHint{{Category: types.HintSyntaxError}}, FailureSyntax},
		{[]types.FixHint{{Category: types.HintImportViolation}}, FailureImportViolation},
		{[]types.FixHint{{Category: types.HintMissingMethod}}, FailureMissingMethod},
		{[]types.FixHint{{Category: types.HintSchemaError}}, FailureSchemaMismatch},
		// Policy dominates even when listed last.
		{[]types.FixHint{{Category: types.HintSyntaxError}, {Category: types.HintPolicyViolation}}, FailurePolicyViolation},
	}
	for _, c := range cases {
		report := failingReport("t")
		report.FixHints = c.hints
		if got := ClassifyReport(report); got != c.want {
			t.Errorf("ClassifyReport(%v) = %s, want %s", c.hints, got, c.want)
		}
	}
	if got := ClassifyReport(nil); got != FailureGateway {
		t.Errorf("ClassifyReport(nil) = %s, want gateway_failure", got)
	}
}

func TestFailureType_Terminal(t *testing.T) {
	terminal := []FailureType{FailurePolicyViolation, FailureSecurityBlock, FailureBudgetExceeded, FailureGateway}
	for _, f := range terminal {
		if !f.Terminal() {
			t.Errorf("%s should be terminal", f)
		}
	}
	retryable := []FailureType{FailureTest, FailureSyntax, FailureMissingMethod, FailureImportViolation, FailureSchemaMismatch}
	for _, f := range retryable {
		if f.Terminal() {
			t.Errorf("%s should be retryable", f)
		}
	}
}

func TestBuildAuditLog_AppendAssignsMonotonicNumbers(t *testing.T) {
	log := NewBuildAuditLog("job-1", "finance/stocks")
	for i := 0; i < 3; i++ {
		rec := log.Append(AttemptRecord{Stage: StageRepair, Status: AttemptFailed})
		if rec.AttemptNumber != i+1 {
			t.Fatalf("attempt %d assigned number %d", i+1, rec.AttemptNumber)
		}
	}
	last, ok := log.Last()
	if !ok || last.AttemptNumber != 3 {
		t.Fatalf("Last = %+v ok=%v, want attempt 3", last, ok)
	}
}

func TestBuildAuditLog_ThrashDetection(t *testing.T) {
	log := NewBuildAuditLog("job-1", "finance/stocks")
	fp := Fingerprint(failingReport("transform_valid_json"))

	log.Append(AttemptRecord{Status: AttemptFailed, FailureFingerprint: fp})
	if log.HasConsecutiveIdenticalFailures() {
		t.Fatal("one attempt cannot thrash")
	}
	log.Append(AttemptRecord{Status: AttemptFailed, FailureFingerprint: fp})
	if !log.HasConsecutiveIdenticalFailures() {
		t.Fatal("two consecutive identical failure fingerprints must trip thrash detection")
	}

	// A success or a differing fingerprint clears the signal.
	log.Append(AttemptRecord{Status: AttemptFailed, FailureFingerprint: Fingerprint(failingReport("other"))})
	if log.HasConsecutiveIdenticalFailures() {
		t.Fatal("a changed fingerprint must clear the thrash signal")
	}
	log.Append(AttemptRecord{Status: AttemptSuccess})
	if log.HasConsecutiveIdenticalFailures() {
		t.Fatal("a success must clear the thrash signal")
	}
}

func TestBuildAuditLog_EmptyFingerprintsNeverThrash(t *testing.T) {
	log := NewBuildAuditLog("job-1", "finance/stocks")
	log.Append(AttemptRecord{Status: AttemptFailed})
	log.Append(AttemptRecord{Status: AttemptFailed})
	if log.HasConsecutiveIdenticalFailures() {
		t.Fatal("empty fingerprints must not count as identical")
	}
}

func TestBuildAuditLog_SerializeRoundTrip(t *testing.T) {
	log := NewBuildAuditLog("job-7", "weather/open_meteo")
	report := failingReport("fetch_raw_timeout")
	log.Append(AttemptRecord{
		Stage:              StageRepair,
		Status:             AttemptFailed,
		BundleSHA256:       "abc123",
		ValidationReport:   report,
		FailureFingerprint: Fingerprint(report),
		FailureType:        FailureTest,
		Logs:               []string{"validation failed"},
	})
	log.Append(AttemptRecord{Stage: StageRepair, Status: AttemptSuccess, BundleSHA256: "def456"})

	data, err := log.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	back, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.JobID != log.JobID || back.ModuleID != log.ModuleID {
		t.Fatalf("round trip lost identity: %s/%s", back.JobID, back.ModuleID)
	}
	if diff := cmp.Diff(log.Attempts, back.Attempts); diff != "" {
		t.Fatalf("attempts changed across round trip (-want +got):\n%s", diff)
	}
}

func TestBuildAuditLog_SaveLoadFrom(t *testing.T) {
	dir := t.TempDir()
	log := NewBuildAuditLog("job-9", "finance/stocks")
	log.Append(AttemptRecord{Stage: StageScaffold, Status: AttemptSuccess})

	if _, err := log.SaveTo(dir); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	back, err := LoadFrom(dir, "job-9")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if back.Len() != 1 {
		t.Fatalf("LoadFrom returned %d attempts, want 1", back.Len())
	}
}
