package rules_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
	"github.com/atlas/loyalty-engine/rules"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func amount(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// =============================================================================
// FORMULA EVALUATION
// =============================================================================

func TestFormula_Fixed_IgnoresAmount(t *testing.T) {
	// GIVEN: A fixed 10-point formula
	// WHEN: Evaluating with and without a monetary amount
	// THEN: Both yield exactly 10

	var eval rules.FormulaEvaluator
	f := catalog.PointsFormula{Kind: catalog.FormulaFixed, FixedPoints: dec("10")}

	got, err := eval.Evaluate(f, amount("123.45"))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("10")))

	got, err = eval.Evaluate(f, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("10")))
}

func TestFormula_Rate_FloorsProduct(t *testing.T) {
	// GIVEN: 1 point per 10 currency units (rate 0.1)
	// WHEN: Spending 129.99
	// THEN: floor(129.99 * 0.1) = 12 points

	var eval rules.FormulaEvaluator
	f := catalog.PointsFormula{Kind: catalog.FormulaRate, RatePerUnit: dec("0.1")}

	got, err := eval.Evaluate(f, amount("129.99"))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("12")))
}

func TestFormula_Rate_NoAmount_YieldsZero(t *testing.T) {
	var eval rules.FormulaEvaluator
	f := catalog.PointsFormula{Kind: catalog.FormulaRate, RatePerUnit: dec("0.1")}

	got, err := eval.Evaluate(f, nil)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestFormula_Table_HighestThresholdWins(t *testing.T) {
	// GIVEN: Steps at 10 -> 5pts, 50 -> 30pts, 100 -> 80pts
	// WHEN: Evaluating amounts around the thresholds
	// THEN: The highest step at or below the amount wins; below the lowest -> 0

	var eval rules.FormulaEvaluator
	f := catalog.PointsFormula{
		Kind: catalog.FormulaTable,
		Table: []catalog.FormulaTier{
			{Threshold: dec("10"), Points: dec("5")},
			{Threshold: dec("50"), Points: dec("30")},
			{Threshold: dec("100"), Points: dec("80")},
		},
	}

	cases := []struct {
		amount string
		want   string
	}{
		{"5", "0"},
		{"10", "5"},
		{"49.99", "5"},
		{"50", "30"},
		{"100", "80"},
		{"500", "80"},
	}
	for _, c := range cases {
		got, err := eval.Evaluate(f, amount(c.amount))
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(c.want)), "amount %s: want %s, got %v", c.amount, c.want, got)
	}
}

func TestFormula_Table_Empty_IsError(t *testing.T) {
	var eval rules.FormulaEvaluator
	f := catalog.PointsFormula{Kind: catalog.FormulaTable}

	_, err := eval.Evaluate(f, amount("100"))
	assert.ErrorIs(t, err, ledger.ErrInvalidRuleDefinition)
}

func TestFormula_Hybrid_AddsFixedAndRate(t *testing.T) {
	// GIVEN: 5 fixed points plus 0.1 per unit
	// WHEN: Spending 99.50
	// THEN: 5 + floor(9.95) = 14

	var eval rules.FormulaEvaluator
	f := catalog.PointsFormula{
		Kind:        catalog.FormulaHybrid,
		FixedPoints: dec("5"),
		RatePerUnit: dec("0.1"),
	}

	got, err := eval.Evaluate(f, amount("99.50"))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("14")))

	// Without an amount, only the fixed part remains.
	got, err = eval.Evaluate(f, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("5")))
}

func TestFormula_UnknownKind_IsError(t *testing.T) {
	var eval rules.FormulaEvaluator
	_, err := eval.Evaluate(catalog.PointsFormula{Kind: "mystery"}, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidRuleDefinition)
}

// =============================================================================
// TIER MULTIPLIER ORDERING
// =============================================================================

func TestMultiplier_AppliedAfterFormula_Floored(t *testing.T) {
	// GIVEN: A 100-point formula result and a 1.25x tier
	// WHEN: Applying the multiplier
	// THEN: floor(100 * 1.25) = 125

	mult := dec("1.25")
	benefit := catalog.TierBenefit{PointsMultiplier: &mult}

	got := benefit.ApplyMultiplier(dec("100"), "")
	assert.True(t, got.Equal(dec("125")))

	// Fractional results floor to whole points.
	got = benefit.ApplyMultiplier(dec("99"), "")
	assert.True(t, got.Equal(dec("123")), "floor(99*1.25)=123")
}

func TestMultiplier_CategoryOverride_BeatsGlobal(t *testing.T) {
	// GIVEN: A 2x global multiplier with a 3x override for "coffee"
	// WHEN: Applying for coffee and for another category
	// THEN: Coffee gets 3x, everything else 2x

	global := dec("2")
	coffee := dec("3")
	benefit := catalog.TierBenefit{
		PointsMultiplier: &global,
		CategoryBenefits: map[string]catalog.CategoryBenefit{
			"coffee": {PointsMultiplier: &coffee},
		},
	}

	assert.True(t, benefit.ApplyMultiplier(dec("10"), "coffee").Equal(dec("30")))
	assert.True(t, benefit.ApplyMultiplier(dec("10"), "pastry").Equal(dec("20")))
}
