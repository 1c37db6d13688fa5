package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/types"
)

// TierRouter serves plain-text completions against the configured inference
// tiers. Each enabled tier is an OpenAI-compatible endpoint with its own
// concurrency limit; ApplyConfig rebuilds the table on hot reload.
type TierRouter struct {
	mu     sync.RWMutex
	tiers  map[types.Tier]*tierLane
	apiKey string
}

type tierLane struct {
	client  Provider
	sem     *semaphore.Weighted
	model   string
	enabled bool
}

// NewTierRouter builds a router from a config snapshot. apiKey is the shared
// bearer token for local tier endpoints (may be empty for open endpoints).
func NewTierRouter(cfg *config.RoutingConfig, apiKey string) *TierRouter {
	tr := &TierRouter{tiers: map[types.Tier]*tierLane{}, apiKey: apiKey}
	if cfg != nil {
		tr.ApplyConfig(cfg)
	}
	return tr
}

// ApplyConfig replaces the tier table from a config snapshot. Wired as a
// config.Observer.
func (tr *TierRouter) ApplyConfig(cfg *config.RoutingConfig) {
	lanes := make(map[types.Tier]*tierLane, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		tier := types.Tier(name)
		if !tier.Valid() || tc.Endpoint == "" {
			continue
		}
		maxConc := tc.MaxConcurrentRequests
		if maxConc < 1 {
			maxConc = 1
		}
		key := tr.apiKey
		if key == "" {
			key = "local" // local vLLM-style endpoints ignore the token but the client requires one
		}
		lanes[tier] = &tierLane{
			client: NewOpenAIClient(OpenAIConfig{
				Name:    "tier-" + name,
				APIKey:  key,
				BaseURL: tc.Endpoint,
				Timeout: 180 * time.Second,
			}),
			sem:     semaphore.NewWeighted(int64(maxConc)),
			model:   resolveTierModel(cfg, tier, tc),
			enabled: tc.Enabled,
		}
	}
	tr.mu.Lock()
	tr.tiers = lanes
	tr.mu.Unlock()
	logging.Get(logging.CategoryRouting).Debug("tier router rebuilt: %d lanes", len(lanes))
}

// defaultTierModel is sent when neither the tier nor any category names a
// model. vLLM accepts any served-model alias configured server-side.
const defaultTierModel = "default"

// resolveTierModel picks the model name a lane sends on the wire: the
// tier's own model, else the model of the first category (alphabetically)
// routed to that tier, else defaultTierModel. Endpoints reject an empty
// model, so a lane never carries one.
func resolveTierModel(cfg *config.RoutingConfig, tier types.Tier, tc config.TierConfig) string {
	if tc.Model != "" {
		return tc.Model
	}
	names := make([]string, 0, len(cfg.Categories))
	for name := range cfg.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if cat := cfg.Categories[name]; cat.Tier == tier && cat.Model != "" {
			return cat.Model
		}
	}
	return defaultTierModel
}

// HasTier reports whether the tier is configured and enabled.
func (tr *TierRouter) HasTier(tier types.Tier) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	lane, ok := tr.tiers[tier]
	return ok && lane.enabled
}

// Complete runs a plain-text completion on the given tier, degrading to the
// next lower enabled tier when the requested one is missing or disabled.
// Sub-task failures upstream depend on this never panicking on odd tiers.
func (tr *TierRouter) Complete(ctx context.Context, tier types.Tier, system, prompt string, temperature float64) (string, error) {
	lane, actual, err := tr.resolve(tier)
	if err != nil {
		return "", err
	}

	if err := lane.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer lane.sem.Release(1)

	messages := []Message{}
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	start := time.Now()
	resp, err := lane.client.Generate(ctx, ChatRequest{
		Model:       lane.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", fmt.Errorf("tier %s completion failed: %w", actual, err)
	}
	recordMetrics("tier_"+string(actual), lane.client.Name(), resp.Usage)
	logging.Get(logging.CategoryRouting).Debug("tier %s completed in %v (%d tokens)", actual, time.Since(start), resp.Usage.TotalTokens)
	return resp.Content, nil
}

// resolve picks the lane for a tier, walking down the hierarchy to the next
// enabled lane. External resolves like standard (external work is delegated
// to adapters, not an inference endpoint).
func (tr *TierRouter) resolve(tier types.Tier) (*tierLane, types.Tier, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if tier == types.TierExternal {
		tier = types.TierStandard
	}
	order := types.AllTiers()
	// Find the starting point, then walk downward.
	start := 0
	for i, t := range order {
		if t == tier {
			start = i
			break
		}
	}
	for _, t := range order[start:] {
		if t == types.TierExternal {
			continue
		}
		if lane, ok := tr.tiers[t]; ok && lane.enabled {
			return lane, t, nil
		}
	}
	return nil, "", fmt.Errorf("no enabled tier at or below %q", tier)
}
