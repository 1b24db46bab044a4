/*
benefit.go - Tier benefit resolution

PURPOSE:
  Thin lookup from (program, tier) to the TierBenefit that modifies an
  award. Falls back to the neutral no-op benefit when no active definition
  exists, so callers never branch on "has benefit".
*/
package rules

import (
	"context"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// BENEFIT RESOLVER
// =============================================================================

type BenefitResolver struct {
	Catalog *catalog.Catalog
}

func NewBenefitResolver(c *catalog.Catalog) *BenefitResolver {
	return &BenefitResolver{Catalog: c}
}

// Resolve returns the active benefit for (program, tier), or the neutral
// benefit when none exists.
func (r *BenefitResolver) Resolve(ctx context.Context, programID ledger.ProgramID, tierID ledger.TierID) (catalog.TierBenefit, error) {
	return r.Catalog.Benefit(ctx, programID, tierID)
}
