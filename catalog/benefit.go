/*
benefit.go - Tier benefits

PURPOSE:
  A TierBenefit modifies awards for members of a given tier in a given
  program: a points multiplier, higher caps, a cooldown reduction, and
  exclusive rewards. Category-specific benefits take precedence over the
  global multiplier when the event's category matches.

ORDERING (load-bearing):
  Formula result -> multiplier -> cap. Capping before multiplying would
  under-reward bonus tiers; the engine applies the multiplier here and the
  stacking resolver caps afterwards with the effective cap
  max(ruleCap, tierCap).
*/
package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// TIER BENEFIT
// =============================================================================

type CategoryBenefit struct {
	PointsMultiplier *decimal.Decimal
	ExclusiveRewards []string
}

type TierBenefit struct {
	ProgramID ledger.ProgramID
	TierID    ledger.TierID

	// PointsMultiplier scales awards (e.g. 1.25 = 25% bonus). Nil = identity.
	// Must be > 0 when set; applying it floors the result.
	PointsMultiplier *decimal.Decimal

	// ExclusiveRewards reserved for this tier.
	ExclusiveRewards []string

	// HigherCaps raise the rule/program caps for this tier (each >= 0).
	HigherCaps Limits

	// CooldownReduction in hours; applying floors at 0.
	CooldownReduction int

	// CategoryBenefits override the global multiplier per event category.
	CategoryBenefits map[string]CategoryBenefit

	Status Status
}

// NeutralBenefit is the no-op benefit used when a (program, tier) pair has
// no definition. Identity multiplier, no caps, no cooldown reduction.
func NeutralBenefit(programID ledger.ProgramID, tierID ledger.TierID) TierBenefit {
	return TierBenefit{ProgramID: programID, TierID: tierID, Status: StatusActive}
}

// ApplyMultiplier scales basePoints by the effective multiplier for the
// event category and floors the result. Category overrides beat the global
// multiplier.
func (b TierBenefit) ApplyMultiplier(basePoints decimal.Decimal, category string) decimal.Decimal {
	mult := b.PointsMultiplier
	if category != "" {
		if cb, ok := b.CategoryBenefits[category]; ok && cb.PointsMultiplier != nil {
			mult = cb.PointsMultiplier
		}
	}
	if mult == nil {
		return basePoints
	}
	return basePoints.Mul(*mult).Floor()
}

// HigherCap returns the tier's cap override for the given window, or nil.
func (b TierBenefit) HigherCap(window CapWindow) *decimal.Decimal {
	switch window {
	case CapPerEvent:
		return b.HigherCaps.MaxPointsPerEvent
	case CapPerDay:
		return b.HigherCaps.MaxPointsPerDay
	case CapPerMonth:
		return b.HigherCaps.MaxPointsPerMonth
	default:
		return nil
	}
}

// ApplyCooldownReduction reduces a rule cooldown, flooring at 0.
func (b TierBenefit) ApplyCooldownReduction(hours int) int {
	reduced := hours - b.CooldownReduction
	if reduced < 0 {
		return 0
	}
	return reduced
}

// IsExclusiveReward reports whether the reward is reserved for this tier,
// either globally or via a category benefit.
func (b TierBenefit) IsExclusiveReward(rewardID string) bool {
	for _, id := range b.ExclusiveRewards {
		if id == rewardID {
			return true
		}
	}
	for _, cb := range b.CategoryBenefits {
		for _, id := range cb.ExclusiveRewards {
			if id == rewardID {
				return true
			}
		}
	}
	return false
}

// CapWindow identifies which cap a lookup refers to.
type CapWindow string

const (
	CapPerEvent CapWindow = "event"
	CapPerDay   CapWindow = "day"
	CapPerMonth CapWindow = "month"
)

// EffectiveCap combines a rule/program cap with the tier override:
// max(ruleCap, tierCap). Nil rule cap stays uncapped - a tier benefit
// never introduces a cap the rule doesn't have.
func EffectiveCap(ruleCap *decimal.Decimal, benefit TierBenefit, window CapWindow) *decimal.Decimal {
	if ruleCap == nil {
		return nil
	}
	tierCap := benefit.HigherCap(window)
	if tierCap != nil && tierCap.GreaterThan(*ruleCap) {
		return tierCap
	}
	return ruleCap
}
