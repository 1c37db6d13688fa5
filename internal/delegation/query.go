package delegation

import (
	"context"

	"conductor/internal/types"
)

// QueryResult is the answer of the Query control operation.
type QueryResult struct {
	FinalAnswer    string                   `json:"final_answer"`
	ExecutionGraph *types.TaskDecomposition `json:"execution_graph,omitempty"`
	Verification   *types.Verification      `json:"verification,omitempty"`
}

// Query runs the full delegation path: classify, plan, execute, aggregate,
// and (for complex queries) verify. debug attaches the execution graph to
// the result.
func (m *Manager) Query(ctx context.Context, query string, debug bool) (*QueryResult, error) {
	d, err := m.AnalyzeAndRoute(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	result, err := m.ExecuteDelegation(ctx, d)
	if err != nil {
		return nil, err
	}
	answer, err := m.AggregateResults(ctx, query, result, d)
	if err != nil {
		return nil, err
	}

	out := &QueryResult{FinalAnswer: answer}
	if d.Strategy == types.StrategyDecompose || d.ComplexityScore > escalationComplexity {
		v := m.VerifyResult(ctx, query, answer, d.ComplexityScore)
		out.FinalAnswer = v.RevisedAnswer
		out.Verification = v
	}
	if debug {
		out.ExecutionGraph = d
	}
	return out, nil
}
