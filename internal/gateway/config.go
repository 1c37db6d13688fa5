package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one upstream provider account.
type ProviderConfig struct {
	Name    string `yaml:"name"` // openai, anthropic, gemini, github, openrouter
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// Config is the YAML gateway configuration: provider accounts, purpose
// lanes, and budget defaults.
type Config struct {
	Providers []ProviderConfig             `yaml:"providers"`
	Purposes  map[string][]ModelPreference `yaml:"purposes"`
	Budget    struct {
		MaxTokensPerRequest int `yaml:"max_tokens_per_request"`
		DefaultJobBudget    int `yaml:"default_job_budget"`
	} `yaml:"budget"`
}

// LoadConfig parses a gateway config file. API keys may use ${ENV_VAR}
// placeholders, resolved at load time.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = os.Expand(cfg.Providers[i].APIKey, os.Getenv)
	}
	return &cfg, nil
}

// BuildProviders constructs concrete clients from the config.
func (c *Config) BuildProviders() ([]Provider, error) {
	out := make([]Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		timeout := 120 * time.Second
		if pc.Timeout != "" {
			d, err := time.ParseDuration(pc.Timeout)
			if err != nil {
				return nil, fmt.Errorf("provider %s: bad timeout %q: %w", pc.Name, pc.Timeout, err)
			}
			timeout = d
		}
		switch pc.Name {
		case "anthropic":
			out = append(out, NewAnthropicClient(AnthropicConfig{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Timeout: timeout}))
		case "gemini":
			out = append(out, NewGeminiClient(GeminiConfig{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Timeout: timeout}))
		default:
			// openai, github, openrouter and local endpoints all speak the
			// OpenAI wire format.
			out = append(out, NewOpenAIClient(OpenAIConfig{Name: pc.Name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, Timeout: timeout}))
		}
	}
	return out, nil
}

// PurposeLanes converts the config's purpose table to typed lanes.
func (c *Config) PurposeLanes() map[Purpose][]ModelPreference {
	out := make(map[Purpose][]ModelPreference, len(c.Purposes))
	for name, prefs := range c.Purposes {
		out[Purpose(name)] = prefs
	}
	return out
}

// DefaultConfig returns a development configuration reading keys from the
// environment.
func DefaultConfig() *Config {
	cfg := &Config{
		Providers: []ProviderConfig{
			{Name: "openai", APIKey: "${OPENAI_API_KEY}"},
			{Name: "anthropic", APIKey: "${ANTHROPIC_API_KEY}"},
			{Name: "gemini", APIKey: "${GEMINI_API_KEY}"},
		},
		Purposes: map[string][]ModelPreference{
			string(PurposeCodegen): {
				{Provider: "openai", Model: "gpt-4o", Priority: 0},
				{Provider: "anthropic", Model: "claude-sonnet-4-5", Priority: 1},
				{Provider: "gemini", Model: "gemini-2.5-pro", Priority: 2},
			},
			string(PurposeRepair): {
				{Provider: "anthropic", Model: "claude-sonnet-4-5", Priority: 0},
				{Provider: "openai", Model: "gpt-4o", Priority: 1},
			},
			string(PurposeCritic): {
				{Provider: "gemini", Model: "gemini-2.5-flash", Priority: 0},
				{Provider: "openai", Model: "gpt-4o-mini", Priority: 1},
			},
		},
	}
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = os.Expand(cfg.Providers[i].APIKey, os.Getenv)
	}
	cfg.Budget.MaxTokensPerRequest = 32768
	cfg.Budget.DefaultJobBudget = 1_000_000
	return cfg
}
