// Package routing resolves capability sets to inference tiers. A static
// default table supplies the baseline; the dynamic routing config overrides
// it per capability. The required tier for a set is the highest tier any
// member demands, with external pinned to the bottom of the hierarchy so an
// external-only set falls back to standard.
package routing

import (
	"sync"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/types"
)

// defaultCapabilityTiers is the static baseline table. Dynamic config
// categories override entries by name.
var defaultCapabilityTiers = map[string]types.Tier{
	"coding":        types.TierHeavy,
	"reasoning":     types.TierHeavy,
	"verification":  types.TierUltra,
	"math":          types.TierHeavy,
	"finance":       types.TierStandard,
	"general":       types.TierStandard,
	"translation":   types.TierStandard,
	"summarization": types.TierLight,
	"extraction":    types.TierLight,
	"fast_response": types.TierMicro,
	"classification": types.TierMicro,
	"search":        types.TierExternal,
	"web":           types.TierExternal,
}

// CapabilityMap resolves capabilities against the static defaults plus the
// current config overrides. Safe for concurrent use; config updates swap the
// override table atomically.
type CapabilityMap struct {
	mu        sync.RWMutex
	overrides map[string]types.Tier
}

// NewCapabilityMap builds a map seeded from cfg (nil is allowed).
func NewCapabilityMap(cfg *config.RoutingConfig) *CapabilityMap {
	cm := &CapabilityMap{overrides: map[string]types.Tier{}}
	if cfg != nil {
		cm.ApplyConfig(cfg)
	}
	return cm
}

// ApplyConfig replaces the dynamic overrides from a config snapshot. Wired
// as a config.Observer so reloads take effect on the next resolution.
func (cm *CapabilityMap) ApplyConfig(cfg *config.RoutingConfig) {
	overrides := make(map[string]types.Tier, len(cfg.Categories))
	for name, cat := range cfg.Categories {
		overrides[name] = cat.Tier
	}
	cm.mu.Lock()
	cm.overrides = overrides
	cm.mu.Unlock()
	logging.Get(logging.CategoryRouting).Debug("capability overrides applied: %d entries", len(overrides))
}

// TierFor resolves one capability. Unknown capabilities resolve to standard.
func (cm *CapabilityMap) TierFor(capability string) types.Tier {
	cm.mu.RLock()
	if t, ok := cm.overrides[capability]; ok {
		cm.mu.RUnlock()
		return t
	}
	cm.mu.RUnlock()
	if t, ok := defaultCapabilityTiers[capability]; ok {
		return t
	}
	return types.TierStandard
}

// RequiredTier returns the tier a capability set demands: the highest tier
// among its members. External never wins; an empty set or a set resolving
// only to external yields standard.
func (cm *CapabilityMap) RequiredTier(capabilities []string) types.Tier {
	best := types.TierExternal
	found := false
	for _, cap := range capabilities {
		t := cm.TierFor(cap)
		if t == types.TierExternal {
			continue
		}
		found = true
		if t.HigherThan(best) || best == types.TierExternal {
			best = t
		}
	}
	if !found {
		return types.TierStandard
	}
	return best
}
