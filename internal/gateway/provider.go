package gateway

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// JSONSchemaFormat asks the provider for schema-constrained JSON output.
type JSONSchemaFormat struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// ChatRequest is the provider-neutral request shape.
type ChatRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	Seed           *int64            `json:"seed,omitempty"`
	ResponseFormat *JSONSchemaFormat `json:"response_format,omitempty"`
}

// Usage carries token accounting from a provider response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the provider-neutral response shape.
type ChatResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// Provider is the abstract LLM provider. Implementations return the typed
// errors from errors.go so the gateway can apply its retry taxonomy.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	GenerateStream(ctx context.Context, req ChatRequest) (<-chan string, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	HealthCheck(ctx context.Context) bool
}
