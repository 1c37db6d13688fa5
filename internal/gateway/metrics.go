package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	llmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_llm_requests_total",
		Help: "LLM requests served, by purpose and provider.",
	}, []string{"purpose", "provider"})

	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_llm_tokens_total",
		Help: "Token usage, by purpose, provider and direction.",
	}, []string{"purpose", "provider", "direction"})
)

func recordMetrics(purpose, provider string, usage Usage) {
	llmRequestsTotal.WithLabelValues(purpose, provider).Inc()
	llmTokensTotal.WithLabelValues(purpose, provider, "prompt").Add(float64(usage.PromptTokens))
	llmTokensTotal.WithLabelValues(purpose, provider, "completion").Add(float64(usage.CompletionTokens))
}
