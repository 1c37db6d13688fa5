package types

// SubTaskStatus tracks a sub-task through the delegation loop.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
)

// Strategy describes how a query is executed.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyDecompose Strategy = "decompose"
	StrategyVerify    Strategy = "verify"
)

// Classification is the LLM's judgement of an incoming query.
type Classification struct {
	TaskType     string   `json:"task_type"`
	Capabilities []string `json:"capabilities"`
	Complexity   float64  `json:"complexity"` // [0,1]
}

// SubTask is one dependency-ordered unit of a delegated query.
type SubTask struct {
	ID                   string        `json:"id"`
	Instruction          string        `json:"instruction"`
	RequiredCapabilities []string      `json:"required_capabilities"`
	TargetTier           Tier          `json:"target_tier"`
	DependsOn            []string      `json:"depends_on,omitempty"`
	Priority             int           `json:"priority"` // 1 = highest
	Result               string        `json:"result,omitempty"`
	Status               SubTaskStatus `json:"status"`
	DurationMs           int64         `json:"duration_ms"`
}

// TaskDecomposition is the execution plan for one user query.
type TaskDecomposition struct {
	OriginalQuery   string    `json:"original_query"`
	SubTasks        []*SubTask `json:"sub_tasks"`
	Strategy        Strategy  `json:"strategy"`
	ComplexityScore float64   `json:"complexity_score"`
	TaskType        string    `json:"task_type"`
}

// DelegationResult carries the outcome of executing a decomposition.
type DelegationResult struct {
	SubResults map[string]string `json:"sub_results"` // sub-task id -> result text
	Completed  []string          `json:"completed"`
}

// VerificationMethod names the cascade stage that settled a verification.
type VerificationMethod string

const (
	VerifySelfConsistency VerificationMethod = "self_consistency"
	VerifyModelUpgrade    VerificationMethod = "model_upgrade"
	VerifyDeepEscalation  VerificationMethod = "airllm_deep"
	VerifyFailed          VerificationMethod = "failed"
)

// Verification is the result of the cascading answer check.
type Verification struct {
	Verified      bool               `json:"verified"`
	Method        VerificationMethod `json:"method"`
	Confidence    float64            `json:"confidence"`
	RevisedAnswer string             `json:"revised_answer"`
}
