package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient speaks the Anthropic messages API. Anthropic has no
// native response_format, so schema enforcement is done by instruction: the
// schema is appended to the system prompt and the reply is parsed as JSON.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewAnthropicClient creates an Anthropic messages-API client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends one message-completion request.
func (c *AnthropicClient) Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, &AuthError{Provider: "anthropic", Message: "API key not configured"}
	}

	system := ""
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}
	if req.ResponseFormat != nil {
		schema, _ := json.Marshal(req.ResponseFormat.Schema)
		system += "\nRespond with a single JSON object that validates against this JSON schema. No prose, no markdown fences.\n" + string(schema)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{Provider: "anthropic", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Provider: "anthropic", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Provider: "anthropic", Message: strings.TrimSpace(string(raw))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Provider: "anthropic", Message: strings.TrimSpace(string(raw)), RetryAfter: parseRetryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return nil, &ConnectionError{Provider: "anthropic", Err: fmt.Errorf("server error %d: %s", resp.StatusCode, raw)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, raw)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	return &ChatResponse{
		Content:      strings.TrimSpace(text.String()),
		Model:        parsed.Model,
		FinishReason: parsed.StopReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

// GenerateStream is not wired for Anthropic; callers fall back to Generate.
func (c *AnthropicClient) GenerateStream(ctx context.Context, req ChatRequest) (<-chan string, error) {
	resp, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	tokens := make(chan string, 1)
	tokens <- resp.Content
	close(tokens)
	return tokens, nil
}

// ListModels returns a static list; Anthropic has no public models endpoint
// compatible with our minimal client.
func (c *AnthropicClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "claude-sonnet-4-5", OwnedBy: "anthropic"},
		{ID: "claude-haiku-4-5", OwnedBy: "anthropic"},
	}, nil
}

// HealthCheck sends a minimal request to verify credentials and reachability.
func (c *AnthropicClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.Generate(ctx, ChatRequest{
		Model:     "claude-haiku-4-5",
		MaxTokens: 1,
		Messages:  []Message{{Role: "user", Content: "ping"}},
	})
	return err == nil
}
