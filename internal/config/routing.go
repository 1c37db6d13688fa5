// Package config manages the hot-reloadable routing configuration: the
// capability categories, tier endpoints, and performance thresholds that the
// delegation manager routes by. The persisted form is a single JSON file
// written atomically; observers are notified on every change.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"conductor/internal/types"
)

// CategoryConfig maps one capability name to its routing decision.
type CategoryConfig struct {
	Tier         types.Tier `json:"tier"`
	Priority     int        `json:"priority"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	MaxLatencyMs int        `json:"max_latency_ms,omitempty"`
}

// TierConfig describes one inference tier endpoint.
type TierConfig struct {
	Endpoint              string `json:"endpoint"`
	Model                 string `json:"model,omitempty"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests"`
	Priority              int    `json:"priority"`
	Enabled               bool   `json:"enabled"`
}

// PerformanceConfig holds the delegation thresholds.
type PerformanceConfig struct {
	ComplexityThresholdDirect    float64 `json:"complexity_threshold_direct"`
	SelfConsistencyThreshold     float64 `json:"self_consistency_threshold"`
	DelegationLatencyThresholdMs int     `json:"delegation_latency_threshold_ms"`
	MaxSubTasks                  int     `json:"max_sub_tasks"`
}

// RoutingConfig is the full persisted routing configuration.
type RoutingConfig struct {
	Version     int                       `json:"version"`
	Categories  map[string]CategoryConfig `json:"categories"`
	Tiers       map[string]TierConfig     `json:"tiers"`
	Performance PerformanceConfig         `json:"performance"`
}

// DefaultRoutingConfig returns the built-in configuration used when no file
// exists yet.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		Version: 1,
		Categories: map[string]CategoryConfig{
			"coding":        {Tier: types.TierHeavy, Priority: 1},
			"reasoning":     {Tier: types.TierHeavy, Priority: 1},
			"verification":  {Tier: types.TierUltra, Priority: 1},
			"finance":       {Tier: types.TierStandard, Priority: 2},
			"general":       {Tier: types.TierStandard, Priority: 3},
			"summarization": {Tier: types.TierLight, Priority: 3},
			"fast_response": {Tier: types.TierMicro, Priority: 4},
			"search":        {Tier: types.TierExternal, Priority: 5},
		},
		Tiers: map[string]TierConfig{
			string(types.TierUltra):    {Endpoint: "http://localhost:8001/v1", Model: "qwen2.5-72b-instruct", MaxConcurrentRequests: 1, Priority: 1, Enabled: false},
			string(types.TierHeavy):    {Endpoint: "http://localhost:8002/v1", Model: "qwen2.5-32b-instruct", MaxConcurrentRequests: 2, Priority: 2, Enabled: true},
			string(types.TierStandard): {Endpoint: "http://localhost:8003/v1", Model: "qwen2.5-14b-instruct", MaxConcurrentRequests: 4, Priority: 3, Enabled: true},
			string(types.TierLight):    {Endpoint: "http://localhost:8004/v1", Model: "qwen2.5-7b-instruct", MaxConcurrentRequests: 8, Priority: 4, Enabled: true},
			string(types.TierMicro):    {Endpoint: "http://localhost:8005/v1", Model: "qwen2.5-1.5b-instruct", MaxConcurrentRequests: 16, Priority: 5, Enabled: true},
			string(types.TierExternal): {Endpoint: "", MaxConcurrentRequests: 4, Priority: 6, Enabled: true},
		},
		Performance: PerformanceConfig{
			ComplexityThresholdDirect:    0.4,
			SelfConsistencyThreshold:     0.75,
			DelegationLatencyThresholdMs: 30000,
			MaxSubTasks:                  5,
		},
	}
}

// Clone returns a deep copy so snapshot readers never share maps with the
// live config.
func (c *RoutingConfig) Clone() *RoutingConfig {
	out := &RoutingConfig{
		Version:     c.Version,
		Categories:  make(map[string]CategoryConfig, len(c.Categories)),
		Tiers:       make(map[string]TierConfig, len(c.Tiers)),
		Performance: c.Performance,
	}
	for k, v := range c.Categories {
		out.Categories[k] = v
	}
	for k, v := range c.Tiers {
		out.Tiers[k] = v
	}
	return out
}

// Validate rejects configs with unknown tiers or nonsense thresholds.
func (c *RoutingConfig) Validate() error {
	for name, cat := range c.Categories {
		if !cat.Tier.Valid() {
			return fmt.Errorf("category %q references unknown tier %q", name, cat.Tier)
		}
	}
	for name := range c.Tiers {
		if !types.Tier(name).Valid() {
			return fmt.Errorf("unknown tier name %q", name)
		}
	}
	p := c.Performance
	if p.ComplexityThresholdDirect < 0 || p.ComplexityThresholdDirect > 1 {
		return fmt.Errorf("complexity_threshold_direct %v outside [0,1]", p.ComplexityThresholdDirect)
	}
	if p.SelfConsistencyThreshold < 0 || p.SelfConsistencyThreshold > 1 {
		return fmt.Errorf("self_consistency_threshold %v outside [0,1]", p.SelfConsistencyThreshold)
	}
	if p.MaxSubTasks < 1 {
		return fmt.Errorf("max_sub_tasks must be >= 1, got %d", p.MaxSubTasks)
	}
	return nil
}

// LoadRoutingConfig parses a routing config file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RoutingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse routing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveRoutingConfig writes the config atomically: temp file in the same
// directory, then rename.
func SaveRoutingConfig(path string, cfg *RoutingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal routing config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".routing-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize config: %w", err)
	}
	return nil
}
