package delegation

import (
	"sync"
	"time"
)

// Metrics aggregates the control-plane counters the GetMetrics operation
// reports: LLM call volume, mean latency, and per-tool usage/error counts.
type Metrics struct {
	mu            sync.Mutex
	llmCalls      int64
	totalLatency  time.Duration
	latencySample int64
	toolUsage     map[string]int64
	toolErrors    map[string]int64
}

// NewMetrics returns zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		toolUsage:  make(map[string]int64),
		toolErrors: make(map[string]int64),
	}
}

func (m *Metrics) recordCall(d time.Duration) {
	m.mu.Lock()
	m.llmCalls++
	m.totalLatency += d
	m.latencySample++
	m.mu.Unlock()
}

func (m *Metrics) recordTool(name string, failed bool) {
	m.mu.Lock()
	m.toolUsage[name]++
	if failed {
		m.toolErrors[name]++
	}
	m.mu.Unlock()
}

// Snapshot returns the current counters in the GetMetrics wire shape.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := float64(0)
	if m.latencySample > 0 {
		avg = float64(m.totalLatency.Milliseconds()) / float64(m.latencySample)
	}
	usage := make(map[string]int64, len(m.toolUsage))
	for k, v := range m.toolUsage {
		usage[k] = v
	}
	errors := make(map[string]int64, len(m.toolErrors))
	for k, v := range m.toolErrors {
		errors[k] = v
	}
	return map[string]any{
		"llm_calls":            m.llmCalls,
		"avg_response_time_ms": avg,
		"tool_usage":           usage,
		"tool_errors":          errors,
	}
}
