package delegation

import (
	"context"
	"strings"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

const (
	selfConsistencySamples = 3
	selfConsistencyTemp    = 0.3
	upgradeTemp            = 0.15
	upgradeConfidence      = 0.7
	escalationConfidence   = 0.85
	escalationComplexity   = 0.8
)

// VerifyResult checks an answer through a cascade: self-consistency
// sampling first, then a heavy-tier regeneration, then an ultra-tier
// escalation for very complex queries. Every failure path degrades instead
// of erroring; an unverifiable answer comes back unchanged with method
// failed.
func (m *Manager) VerifyResult(ctx context.Context, query, answer string, complexity float64) *types.Verification {
	log := logging.Get(logging.CategoryDelegation)
	_, threshold, _ := m.thresholds()

	score, err := m.selfConsistency(ctx, query, answer)
	if err == nil && score >= threshold {
		return &types.Verification{
			Verified:      true,
			Method:        types.VerifySelfConsistency,
			Confidence:    score,
			RevisedAnswer: answer,
		}
	}
	if err != nil {
		log.Warn("self-consistency failed: %v", err)
	} else {
		log.Debug("self-consistency score %.2f below %.2f, upgrading", score, threshold)
	}

	if m.tiers.HasTier(types.TierHeavy) {
		revised, err := m.regenerate(ctx, types.TierHeavy, query, answer, upgradeTemp)
		if err == nil {
			return &types.Verification{
				Verified:      true,
				Method:        types.VerifyModelUpgrade,
				Confidence:    upgradeConfidence,
				RevisedAnswer: revised,
			}
		}
		log.Warn("heavy-tier verification failed: %v", err)
	}

	// The deep escalation is the no-heavy-tier path for very complex
	// queries, not a second chance after a heavy failure.
	if complexity > escalationComplexity && !m.tiers.HasTier(types.TierHeavy) && m.tiers.HasTier(types.TierUltra) {
		revised, err := m.regenerate(ctx, types.TierUltra, query, answer, upgradeTemp)
		if err == nil {
			return &types.Verification{
				Verified:      true,
				Method:        types.VerifyDeepEscalation,
				Confidence:    escalationConfidence,
				RevisedAnswer: revised,
			}
		}
		log.Warn("ultra-tier escalation failed: %v", err)
	}

	return &types.Verification{
		Verified:      false,
		Method:        types.VerifyFailed,
		Confidence:    0.0,
		RevisedAnswer: answer,
	}
}

// selfConsistency samples the standard tier k times and scores how well the
// samples agree with the answer.
func (m *Manager) selfConsistency(ctx context.Context, query, answer string) (float64, error) {
	prompt := "Question:\n" + query + "\n\nAnswer the question."
	var samples []string
	for i := 0; i < selfConsistencySamples; i++ {
		start := time.Now()
		s, err := m.tiers.Complete(ctx, types.TierStandard, "", prompt, selfConsistencyTemp)
		m.metrics.recordCall(time.Since(start))
		if err != nil {
			return 0, err
		}
		samples = append(samples, s)
	}

	total := 0.0
	for _, s := range samples {
		total += tokenOverlap(answer, s)
	}
	return total / float64(len(samples)), nil
}

// regenerate re-answers the query on a stronger tier, seeded with the
// candidate answer for critique.
func (m *Manager) regenerate(ctx context.Context, tier types.Tier, query, answer string, temperature float64) (string, error) {
	prompt := "Question:\n" + query + "\n\nA previous answer was:\n" + answer +
		"\n\nProduce the best possible answer. Correct any errors in the previous one; if it is already correct, restate it."
	start := time.Now()
	out, err := m.tiers.Complete(ctx, tier, "", prompt, temperature)
	m.metrics.recordCall(time.Since(start))
	return out, err
}

// tokenOverlap is the Jaccard similarity of lower-cased token sets. Crude,
// but stable enough to separate consistent answers from contradictory ones.
func tokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,;:!?()[]{}\"'")
		if len(t) > 2 {
			out[t] = true
		}
	}
	return out
}
