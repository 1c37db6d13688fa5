// Package buildlog records every attempt of the module pipeline as immutable
// audit data: attempt records, failure classification, and the failure
// fingerprints that drive repair-loop thrash detection.
package buildlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"conductor/internal/types"
)

// FailureType classifies why an attempt failed. Retryable failures feed the
// repair loop; terminal failures stop it without another provider call.
type FailureType string

const (
	// Retryable failure types.
	FailureTest            FailureType = "test_failure"
	FailureSchemaMismatch  FailureType = "schema_mismatch"
	FailureMissingMethod   FailureType = "missing_method"
	FailureImportViolation FailureType = "import_violation"
	FailureSyntax          FailureType = "syntax_error"

	// Terminal failure types.
	FailurePolicyViolation FailureType = "policy_violation"
	FailureSecurityBlock   FailureType = "security_block"
	FailureBudgetExceeded  FailureType = "budget_exceeded"
	FailureGateway         FailureType = "gateway_failure"

	// Synthesized when two consecutive attempts share a fingerprint.
	FailureThrash FailureType = "thrash_detected"
)

// Terminal reports whether f must stop the repair loop.
func (f FailureType) Terminal() bool {
	switch f {
	case FailurePolicyViolation, FailureSecurityBlock, FailureBudgetExceeded, FailureGateway:
		return true
	}
	return false
}

// ClassifyReport maps a failed validation report to its dominant failure
// type. Policy and security hints dominate; otherwise the first structural
// hint wins, and a plain failing test run is a test_failure.
func ClassifyReport(report *types.ValidationReport) FailureType {
	if report == nil {
		return FailureGateway
	}
	for _, h := range report.FixHints {
		if h.Category == types.HintPolicyViolation {
			return FailurePolicyViolation
		}
	}
	for _, h := range report.FixHints {
		switch h.Category {
		case types.HintImportViolation:
			return FailureImportViolation
		case types.HintSyntaxError:
			return FailureSyntax
		case types.HintMissingMethod:
			return FailureMissingMethod
		case types.HintSchemaError:
			return FailureSchemaMismatch
		}
	}
	return FailureTest
}

// fingerprintShape is the JSON-canonical structure that gets hashed. Field
// order is fixed by the struct; slices are sorted before marshalling.
type fingerprintShape struct {
	ErrorTypes        []string `json:"error_types"`
	FailingTests      []string `json:"failing_tests"`
	FixHintCategories []string `json:"fix_hint_categories"`
}

// Fingerprint hashes the structural shape of a failure: sorted error types,
// sorted failing tests, sorted fix-hint categories. Two attempts that fail
// the same way fingerprint identically regardless of message wording.
func Fingerprint(report *types.ValidationReport) string {
	shape := fingerprintShape{
		ErrorTypes:        sortedCopy(report.ErrorTypes()),
		FailingTests:      sortedCopy(report.FailingTests()),
		FixHintCategories: sortedCopy(report.HintCategories()),
	}
	data, err := json.Marshal(shape)
	if err != nil {
		// Marshal of plain string slices cannot fail; keep the signature total.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
