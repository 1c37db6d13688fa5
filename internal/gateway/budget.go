package gateway

import (
	"sync"
)

// JobBudget tracks token spend for one pipeline job.
type JobBudget struct {
	JobID        string `json:"job_id"`
	MaxTokens    int    `json:"max_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	RequestCount int    `json:"request_count"`
}

// Remaining returns the unspent headroom.
func (b *JobBudget) Remaining() int {
	r := b.MaxTokens - b.TotalTokens
	if r < 0 {
		return 0
	}
	return r
}

// BudgetLedger holds per-job budgets. Usage is recorded only after a
// provider call has run to completion, so a cancelled retry never writes a
// partial spend.
type BudgetLedger struct {
	mu                  sync.Mutex
	budgets             map[string]*JobBudget
	maxTokensPerRequest int
	defaultJobBudget    int
}

// NewBudgetLedger creates a ledger with the given per-request cap and
// default per-job budget.
func NewBudgetLedger(maxTokensPerRequest, defaultJobBudget int) *BudgetLedger {
	return &BudgetLedger{
		budgets:             make(map[string]*JobBudget),
		maxTokensPerRequest: maxTokensPerRequest,
		defaultJobBudget:    defaultJobBudget,
	}
}

// Open registers a budget for a job; existing budgets are kept.
func (l *BudgetLedger) Open(jobID string, maxTokens int) *JobBudget {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.budgets[jobID]; ok {
		return b
	}
	if maxTokens <= 0 {
		maxTokens = l.defaultJobBudget
	}
	b := &JobBudget{JobID: jobID, MaxTokens: maxTokens}
	l.budgets[jobID] = b
	return b
}

// Check rejects a request before dispatch if it would breach the
// per-request cap or the job's remaining headroom. An empty jobID skips the
// job check (unbudgeted callers such as the delegation manager).
func (l *BudgetLedger) Check(jobID string, requestedTokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxTokensPerRequest > 0 && requestedTokens > l.maxTokensPerRequest {
		return &BudgetExceededError{JobID: jobID, Requested: requestedTokens, Remaining: l.maxTokensPerRequest}
	}
	if jobID == "" {
		return nil
	}
	b, ok := l.budgets[jobID]
	if !ok {
		b = &JobBudget{JobID: jobID, MaxTokens: l.defaultJobBudget}
		l.budgets[jobID] = b
	}
	if requestedTokens > b.Remaining() {
		return &BudgetExceededError{JobID: jobID, Requested: requestedTokens, Remaining: b.Remaining()}
	}
	return nil
}

// Record adds completed usage (prompt + completion tokens) to the job and
// bumps the request count.
func (l *BudgetLedger) Record(jobID string, usage Usage) {
	if jobID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[jobID]
	if !ok {
		b = &JobBudget{JobID: jobID, MaxTokens: l.defaultJobBudget}
		l.budgets[jobID] = b
	}
	b.TotalTokens += usage.PromptTokens + usage.CompletionTokens
	b.RequestCount++
}

// Snapshot returns a copy of the job's budget, or false if none exists.
func (l *BudgetLedger) Snapshot(jobID string) (JobBudget, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[jobID]
	if !ok {
		return JobBudget{}, false
	}
	return *b, true
}
