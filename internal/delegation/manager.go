// Package delegation is the local inference delegation manager: it
// classifies incoming queries, decomposes complex ones into
// dependency-ordered sub-tasks, routes each to an inference tier, executes
// them with isolated failures, and aggregates and verifies the answer.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/gateway"
	"conductor/internal/logging"
	"conductor/internal/routing"
	"conductor/internal/types"
)

// DeadlockReason is the result text written to sub-tasks stranded by a
// dependency cycle.
const DeadlockReason = "Dependency deadlock"

// Manager is single-instance but reentrant: per-request state lives in
// local TaskDecomposition values, the shared fields are threshold snapshots
// guarded by mu.
type Manager struct {
	tiers   *gateway.TierRouter
	caps    *routing.CapabilityMap
	metrics *Metrics

	mu                 sync.RWMutex
	complexityDirect   float64
	consistencyThresh  float64
	maxSubTasks        int
	latencyThresholdMs int
}

// NewManager wires the delegation manager. cfg seeds the thresholds; wire
// ApplyConfig as a config observer for live updates.
func NewManager(tiers *gateway.TierRouter, caps *routing.CapabilityMap, cfg *config.RoutingConfig) *Manager {
	m := &Manager{
		tiers:   tiers,
		caps:    caps,
		metrics: NewMetrics(),
	}
	if cfg != nil {
		m.ApplyConfig(cfg)
	} else {
		m.ApplyConfig(config.DefaultRoutingConfig())
	}
	return m
}

// Metrics exposes the control-plane counters.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// ApplyConfig refreshes the thresholds from a config snapshot. The next
// classification sees the new values.
func (m *Manager) ApplyConfig(cfg *config.RoutingConfig) {
	m.mu.Lock()
	m.complexityDirect = cfg.Performance.ComplexityThresholdDirect
	m.consistencyThresh = cfg.Performance.SelfConsistencyThreshold
	m.maxSubTasks = cfg.Performance.MaxSubTasks
	m.latencyThresholdMs = cfg.Performance.DelegationLatencyThresholdMs
	m.mu.Unlock()
}

func (m *Manager) thresholds() (complexityDirect, consistency float64, maxSub int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.complexityDirect, m.consistencyThresh, m.maxSubTasks
}

// AnalyzeAndRoute classifies the query and produces an execution plan.
// Simple queries become a single direct sub-task; complex ones are
// decomposed into 2..max_sub_tasks dependency-ordered sub-tasks. Any
// decomposition failure falls back to the direct plan.
func (m *Manager) AnalyzeAndRoute(ctx context.Context, query string, dctx map[string]any) (*types.TaskDecomposition, error) {
	log := logging.Get(logging.CategoryDelegation)
	classification := m.classifyQuery(ctx, query)
	complexityDirect, _, maxSub := m.thresholds()

	d := &types.TaskDecomposition{
		OriginalQuery:   query,
		ComplexityScore: classification.Complexity,
		TaskType:        classification.TaskType,
	}

	if classification.Complexity < complexityDirect || len(classification.Capabilities) <= 1 {
		d.Strategy = types.StrategyDirect
		d.SubTasks = []*types.SubTask{m.directTask(query, classification)}
		log.Debug("direct plan for %q (complexity %.2f, tier %s)", truncate(query, 60), classification.Complexity, d.SubTasks[0].TargetTier)
		return d, nil
	}

	subTasks, err := m.decomposeTask(ctx, query, classification, maxSub)
	if err != nil {
		log.Warn("decomposition failed, falling back to direct: %v", err)
		d.Strategy = types.StrategyDirect
		d.SubTasks = []*types.SubTask{m.directTask(query, classification)}
		return d, nil
	}

	d.Strategy = types.StrategyDecompose
	d.SubTasks = subTasks
	log.Info("decomposed %q into %d sub-tasks", truncate(query, 60), len(subTasks))
	return d, nil
}

func (m *Manager) directTask(query string, c types.Classification) *types.SubTask {
	return &types.SubTask{
		ID:                   "task_1",
		Instruction:          query,
		RequiredCapabilities: c.Capabilities,
		TargetTier:           m.caps.RequiredTier(c.Capabilities),
		Priority:             1,
		Status:               types.SubTaskPending,
	}
}

// classifyQuery asks the standard tier for {task_type, capabilities,
// complexity}. Parse failures default to a fast general classification
// rather than failing the query.
func (m *Manager) classifyQuery(ctx context.Context, query string) types.Classification {
	fallback := types.Classification{TaskType: "general", Capabilities: []string{"fast_response"}, Complexity: 0.3}

	start := time.Now()
	raw, err := m.tiers.Complete(ctx, types.TierStandard, classifySystemPrompt,
		fmt.Sprintf("Classify this query:\n\n%s", query), 0.1)
	m.metrics.recordCall(time.Since(start))
	if err != nil {
		logging.Get(logging.CategoryDelegation).Warn("classification call failed: %v", err)
		return fallback
	}

	var c types.Classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &c); err != nil || len(c.Capabilities) == 0 {
		logging.Get(logging.CategoryDelegation).Debug("classification parse failed, using fallback: %v", err)
		return fallback
	}
	if c.Complexity < 0 {
		c.Complexity = 0
	}
	if c.Complexity > 1 {
		c.Complexity = 1
	}
	if c.TaskType == "" {
		c.TaskType = "general"
	}
	return c
}

// decomposeTask requests a JSON array of 2..maxSub sub-tasks with
// dependencies, then resolves each task's tier from its capabilities.
func (m *Manager) decomposeTask(ctx context.Context, query string, c types.Classification, maxSub int) ([]*types.SubTask, error) {
	if maxSub < 2 {
		maxSub = 2
	}
	prompt := fmt.Sprintf(
		"Break this task into %d to %d sub-tasks as a JSON array. Each element: "+
			`{"id": "task_N", "instruction": "...", "capabilities": ["..."], "depends_on": ["task_M"]}. `+
			"Task type: %s. Capabilities in play: %s.\n\nTask:\n%s",
		2, maxSub, c.TaskType, strings.Join(c.Capabilities, ", "), query)

	start := time.Now()
	raw, err := m.tiers.Complete(ctx, types.TierStandard, decomposeSystemPrompt, prompt, 0.2)
	m.metrics.recordCall(time.Since(start))
	if err != nil {
		return nil, err
	}

	var parsed []struct {
		ID           string   `json:"id"`
		Instruction  string   `json:"instruction"`
		Capabilities []string `json:"capabilities"`
		DependsOn    []string `json:"depends_on"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("sub-task JSON did not parse: %w", err)
	}
	if len(parsed) < 2 {
		return nil, fmt.Errorf("decomposition produced %d sub-tasks, need at least 2", len(parsed))
	}
	if len(parsed) > maxSub {
		parsed = parsed[:maxSub]
	}

	out := make([]*types.SubTask, 0, len(parsed))
	for i, p := range parsed {
		if p.ID == "" {
			p.ID = fmt.Sprintf("task_%d", i+1)
		}
		if p.Instruction == "" {
			return nil, fmt.Errorf("sub-task %s has no instruction", p.ID)
		}
		caps := p.Capabilities
		if len(caps) == 0 {
			caps = c.Capabilities
		}
		out = append(out, &types.SubTask{
			ID:                   p.ID,
			Instruction:          p.Instruction,
			RequiredCapabilities: caps,
			TargetTier:           m.caps.RequiredTier(caps),
			DependsOn:            p.DependsOn,
			Priority:             i + 1,
			Status:               types.SubTaskPending,
		})
	}
	return out, nil
}

// ExecuteDelegation runs the plan in dependency order. The loop is bounded
// at |tasks|+2 rounds; tasks in the same round run in parallel and failures
// stay isolated to their own sub-task. A round that makes no progress while
// work is still pending is a dependency deadlock; the stranded tasks are
// failed with DeadlockReason.
func (m *Manager) ExecuteDelegation(ctx context.Context, d *types.TaskDecomposition) (*types.DelegationResult, error) {
	log := logging.Get(logging.CategoryDelegation)
	result := &types.DelegationResult{SubResults: make(map[string]string)}
	completed := make(map[string]bool)
	byID := make(map[string]*types.SubTask, len(d.SubTasks))
	for _, t := range d.SubTasks {
		byID[t.ID] = t
	}

	maxRounds := len(d.SubTasks) + 2
	for round := 0; round < maxRounds; round++ {
		var ready []*types.SubTask
		for _, t := range d.SubTasks {
			if t.Status != types.SubTaskPending {
				continue
			}
			ok := true
			for _, dep := range t.DependsOn {
				if !completed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, t)
			}
		}

		pending := 0
		for _, t := range d.SubTasks {
			if t.Status == types.SubTaskPending {
				pending++
			}
		}
		if pending == 0 {
			break
		}
		if len(ready) == 0 {
			// Nothing runnable but work remains: a cycle or a dep that
			// failed to resolve. Strand the rest deterministically.
			for _, t := range d.SubTasks {
				if t.Status == types.SubTaskPending {
					t.Status = types.SubTaskFailed
					t.Result = DeadlockReason
					result.SubResults[t.ID] = DeadlockReason
				}
			}
			log.Warn("dependency deadlock: %d sub-tasks stranded", pending)
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, t := range ready {
			task := t
			task.Status = types.SubTaskRunning
			g.Go(func() error {
				output := m.runSubTask(gctx, task, byID)
				mu.Lock()
				result.SubResults[task.ID] = output
				if task.Status == types.SubTaskCompleted {
					completed[task.ID] = true
					result.Completed = append(result.Completed, task.ID)
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	return result, nil
}

// runSubTask executes one sub-task, prepending each dependency's result.
// Errors become the task's result text; they never propagate.
func (m *Manager) runSubTask(ctx context.Context, task *types.SubTask, byID map[string]*types.SubTask) string {
	var sb strings.Builder
	for _, dep := range task.DependsOn {
		if d, ok := byID[dep]; ok && d.Result != "" {
			fmt.Fprintf(&sb, "[Previous result]: %s\n\n", d.Result)
		}
	}
	sb.WriteString(task.Instruction)

	start := time.Now()
	out, err := m.tiers.Complete(ctx, task.TargetTier, "", sb.String(), 0.3)
	elapsed := time.Since(start)
	m.metrics.recordCall(elapsed)
	task.DurationMs = elapsed.Milliseconds()

	if err != nil {
		task.Status = types.SubTaskFailed
		task.Result = fmt.Sprintf("Sub-task failed: %v", err)
		logging.Get(logging.CategoryDelegation).Warn("sub-task %s failed on tier %s: %v", task.ID, task.TargetTier, err)
		return task.Result
	}
	task.Status = types.SubTaskCompleted
	task.Result = out
	return out
}

// AggregateResults merges the sub-results into one answer. A single
// sub-task passes through; multiple results go through a synthesis prompt
// on the standard tier.
func (m *Manager) AggregateResults(ctx context.Context, query string, result *types.DelegationResult, d *types.TaskDecomposition) (string, error) {
	if len(d.SubTasks) == 1 {
		return result.SubResults[d.SubTasks[0].ID], nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Original question:\n%s\n\nSub-task results:\n", query)
	for _, t := range d.SubTasks {
		fmt.Fprintf(&sb, "\n[%s] (capabilities: %s)\n%s\n",
			t.ID, strings.Join(t.RequiredCapabilities, ", "), result.SubResults[t.ID])
	}
	sb.WriteString("\nSynthesize a single unified answer to the original question from these results.")

	start := time.Now()
	out, err := m.tiers.Complete(ctx, types.TierStandard, aggregateSystemPrompt, sb.String(), 0.3)
	m.metrics.recordCall(time.Since(start))
	if err != nil {
		return "", fmt.Errorf("aggregation failed: %w", err)
	}
	return out, nil
}

func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "[{"); i >= 0 {
		if j := strings.LastIndexAny(s, "]}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const classifySystemPrompt = `You classify user queries for an inference router. Respond with JSON only: {"task_type": "...", "capabilities": ["..."], "complexity": 0.0}. complexity is in [0,1]. capabilities come from: coding, reasoning, verification, math, finance, general, translation, summarization, extraction, fast_response, classification, search, web.`

const decomposeSystemPrompt = `You decompose complex tasks into small dependency-ordered sub-tasks for parallel execution. Respond with a JSON array only. Keep sub-tasks independent unless one genuinely needs another's output; then list that id in depends_on.`

const aggregateSystemPrompt = `You synthesize partial results into one coherent answer. Do not mention sub-tasks or the synthesis process.`
