// Package types holds the shared domain types for conductor: tiers,
// capabilities, sub-tasks, module manifests, validation reports, and the
// generator response contract. Packages should depend on types rather than
// on each other for data shapes.
package types

// Tier is a named class of inference endpoint.
type Tier string

const (
	TierUltra    Tier = "ultra"
	TierHeavy    Tier = "heavy"
	TierStandard Tier = "standard"
	TierLight    Tier = "light"
	TierMicro    Tier = "micro"
	TierExternal Tier = "external"
)

// tierRank orders tiers from highest capability to lowest. External is
// deliberately ranked below micro: a capability that only needs an external
// tool never drags the required tier up.
var tierRank = map[Tier]int{
	TierUltra:    6,
	TierHeavy:    5,
	TierStandard: 4,
	TierLight:    3,
	TierMicro:    2,
	TierExternal: 1,
}

// Valid reports whether t is a known tier name.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the hierarchy rank of the tier (higher = more capable).
// Unknown tiers rank 0.
func (t Tier) Rank() int {
	return tierRank[t]
}

// HigherThan reports whether t outranks other in the tier hierarchy.
func (t Tier) HigherThan(other Tier) bool {
	return t.Rank() > other.Rank()
}

// AllTiers lists every tier from highest to lowest.
func AllTiers() []Tier {
	return []Tier{TierUltra, TierHeavy, TierStandard, TierLight, TierMicro, TierExternal}
}
