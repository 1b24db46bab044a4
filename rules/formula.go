/*
formula.go - Points formula interpreter

PURPOSE:
  Computes the raw point amount for one rule from its formula union.
  Publish-time validation should make malformed formulas unreachable, but
  the interpreter still defends: a bad formula yields an error that the
  engine logs and skips, never blocking other rules for the same event.

SEMANTICS:
  fixed:  FixedPoints, independent of event amount
  rate:   floor(eventAmount * RatePerUnit); no amount -> 0
  table:  highest threshold <= eventAmount wins; below the lowest -> 0
  hybrid: FixedPoints + floor(eventAmount * RatePerUnit)
*/
package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// FORMULA EVALUATOR
// =============================================================================

type FormulaEvaluator struct{}

// Evaluate returns the raw point amount for the formula given the event's
// monetary amount (nil when the event carries none).
func (FormulaEvaluator) Evaluate(f catalog.PointsFormula, amount *decimal.Decimal) (decimal.Decimal, error) {
	switch f.Kind {
	case catalog.FormulaFixed:
		return f.FixedPoints, nil

	case catalog.FormulaRate:
		if amount == nil {
			return decimal.Zero, nil
		}
		return amount.Mul(f.RatePerUnit).Floor(), nil

	case catalog.FormulaTable:
		if len(f.Table) == 0 {
			return decimal.Zero, fmt.Errorf("%w: table formula with no tiers", ledger.ErrInvalidRuleDefinition)
		}
		if amount == nil {
			return decimal.Zero, nil
		}
		points := decimal.Zero
		for _, tier := range f.Table {
			if amount.GreaterThanOrEqual(tier.Threshold) {
				points = tier.Points
			} else {
				break
			}
		}
		return points, nil

	case catalog.FormulaHybrid:
		points := f.FixedPoints
		if amount != nil {
			points = points.Add(amount.Mul(f.RatePerUnit).Floor())
		}
		return points, nil

	default:
		return decimal.Zero, fmt.Errorf("%w: unknown formula kind %q", ledger.ErrInvalidRuleDefinition, f.Kind)
	}
}
