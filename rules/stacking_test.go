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

// =============================================================================
// TEST HELPERS
// =============================================================================

func candidate(ruleID string, program catalog.LoyaltyProgram, pts string, mutate ...func(*catalog.RewardRule)) rules.Candidate {
	rule := testRule(ruleID, string(program.ID), catalog.TriggerPurchase)
	for _, m := range mutate {
		m(&rule)
	}
	return rules.Candidate{
		Rule:    rule,
		Program: program,
		Benefit: catalog.NeutralBenefit(program.ID, "gold"),
		Points:  dec(pts),
	}
}

func inGroup(group string, priority int, policy catalog.StackPolicy) func(*catalog.RewardRule) {
	return func(r *catalog.RewardRule) {
		r.Conflict.Group = group
		r.Conflict.PriorityRank = priority
		r.Conflict.StackPolicy = policy
	}
}

func awardPoints(awards []rules.Award) map[ledger.RuleID]decimal.Decimal {
	out := make(map[ledger.RuleID]decimal.Decimal, len(awards))
	for _, a := range awards {
		out[a.Rule.ID] = a.Points
	}
	return out
}

// =============================================================================
// CONFLICT GROUPS
// =============================================================================

func TestStacking_Exclusive_HighestPriorityWins(t *testing.T) {
	// GIVEN: Two rules in one exclusive group with priorities 5 and 10
	// WHEN: Resolving
	// THEN: Only the priority-10 rule survives

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")
	cands := []rules.Candidate{
		candidate("r-low", prog, "40", inGroup("g1", 5, catalog.StackExclusive)),
		candidate("r-high", prog, "30", inGroup("g1", 10, catalog.StackExclusive)),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	require.Len(t, awards, 1)
	assert.Equal(t, ledger.RuleID("r-high"), awards[0].Rule.ID)
	assert.True(t, awards[0].Points.Equal(dec("30")))
}

func TestStacking_Exclusive_PriorityTie_LowestIDWins(t *testing.T) {
	// GIVEN: Two rules tied at priority 10
	// WHEN: Resolving
	// THEN: The lexicographically lowest rule id wins, deterministically

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")
	cands := []rules.Candidate{
		candidate("r-b", prog, "40", inGroup("g1", 10, catalog.StackExclusive)),
		candidate("r-a", prog, "30", inGroup("g1", 10, catalog.StackExclusive)),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	require.Len(t, awards, 1)
	assert.Equal(t, ledger.RuleID("r-a"), awards[0].Rule.ID)
}

func TestStacking_BestOf_KeepsHighestYield(t *testing.T) {
	// GIVEN: A best-of group yielding 50 and 40, the 40 with higher priority
	// WHEN: Resolving
	// THEN: The 50-point rule wins regardless of priority

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")
	cands := []rules.Candidate{
		candidate("r-small", prog, "40", inGroup("g1", 10, catalog.StackBestOf)),
		candidate("r-big", prog, "50", inGroup("g1", 5, catalog.StackBestOf)),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	require.Len(t, awards, 1)
	assert.Equal(t, ledger.RuleID("r-big"), awards[0].Rule.ID)
	assert.True(t, awards[0].Points.Equal(dec("50")))
}

func TestStacking_Additive_TruncatesAtMaxAwards(t *testing.T) {
	// GIVEN: An additive group of three rules with maxAwardsPerEvent=2
	// WHEN: Resolving
	// THEN: The two highest-priority rules survive

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")
	withMax := func(r *catalog.RewardRule) { r.Conflict.MaxAwardsPerEvent = 2 }
	cands := []rules.Candidate{
		candidate("r-1", prog, "10", inGroup("g1", 30, catalog.StackAdditive), withMax),
		candidate("r-2", prog, "20", inGroup("g1", 20, catalog.StackAdditive), withMax),
		candidate("r-3", prog, "30", inGroup("g1", 10, catalog.StackAdditive), withMax),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	got := awardPoints(awards)
	require.Len(t, got, 2)
	assert.Contains(t, got, ledger.RuleID("r-1"))
	assert.Contains(t, got, ledger.RuleID("r-2"))
}

func TestStacking_IndependentGroups_AllAward(t *testing.T) {
	// GIVEN: Two exclusive groups plus an ungrouped rule
	// WHEN: Resolving
	// THEN: One winner per group plus the singleton; totals are additive

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")
	cands := []rules.Candidate{
		candidate("g1-win", prog, "10", inGroup("g1", 10, catalog.StackExclusive)),
		candidate("g1-lose", prog, "99", inGroup("g1", 1, catalog.StackExclusive)),
		candidate("g2-win", prog, "20", inGroup("g2", 10, catalog.StackExclusive)),
		candidate("solo", prog, "5"),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	got := awardPoints(awards)
	require.Len(t, got, 3)
	assert.Contains(t, got, ledger.RuleID("g1-win"))
	assert.Contains(t, got, ledger.RuleID("g2-win"))
	assert.Contains(t, got, ledger.RuleID("solo"))
}

// =============================================================================
// PROGRAM STACKING
// =============================================================================

func TestStacking_ProgramLimit_StrictestWins(t *testing.T) {
	// GIVEN: Three programs; one declares maxProgramsPerEvent=2 (PRIORITY_RANK)
	// WHEN: Resolving candidates from all three
	// THEN: Only the two highest-priority programs contribute

	var resolver rules.StackingResolver
	p1 := testProgram("prog-a")
	p1.PriorityRank = 30
	p1.Stacking = catalog.StackingPolicy{Allowed: true, MaxProgramsPerEvent: 2, SelectionStrategy: catalog.SelectPriorityRank}
	p2 := testProgram("prog-b")
	p2.PriorityRank = 20
	p2.Stacking = catalog.StackingPolicy{Allowed: true}
	p3 := testProgram("prog-c")
	p3.PriorityRank = 10
	p3.Stacking = catalog.StackingPolicy{Allowed: true}

	cands := []rules.Candidate{
		candidate("r-a", p1, "10"),
		candidate("r-b", p2, "20"),
		candidate("r-c", p3, "30"),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	got := awardPoints(awards)
	require.Len(t, got, 2)
	assert.Contains(t, got, ledger.RuleID("r-a"))
	assert.Contains(t, got, ledger.RuleID("r-b"))
}

func TestStacking_BestValueStrategy_KeepsRichestPrograms(t *testing.T) {
	// GIVEN: maxProgramsPerEvent=1 with BEST_VALUE selection
	// WHEN: Two programs contribute 10 and 50 points
	// THEN: The 50-point program wins even with lower priority

	var resolver rules.StackingResolver
	p1 := testProgram("prog-a")
	p1.PriorityRank = 30
	p1.Stacking = catalog.StackingPolicy{Allowed: true, MaxProgramsPerEvent: 1, SelectionStrategy: catalog.SelectBestValue}
	p2 := testProgram("prog-b")
	p2.PriorityRank = 10
	p2.Stacking = catalog.StackingPolicy{Allowed: true}

	cands := []rules.Candidate{
		candidate("r-a", p1, "10"),
		candidate("r-b", p2, "50"),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	got := awardPoints(awards)
	require.Len(t, got, 1)
	assert.Contains(t, got, ledger.RuleID("r-b"))
}

func TestStacking_NonStackingProgram_WinsAloneOrDropsOut(t *testing.T) {
	// GIVEN: A non-stacking program competing with a stacking one
	// WHEN: It is the top-ranked program
	// THEN: It takes the event alone
	// WHEN: It is outranked
	// THEN: It drops out entirely

	var resolver rules.StackingResolver

	exclusiveProg := testProgram("prog-x")
	exclusiveProg.PriorityRank = 50
	exclusiveProg.Stacking = catalog.StackingPolicy{Allowed: false}
	openProg := testProgram("prog-o")
	openProg.PriorityRank = 10
	openProg.Stacking = catalog.StackingPolicy{Allowed: true}

	awards := resolver.Resolve([]rules.Candidate{
		candidate("r-x", exclusiveProg, "10"),
		candidate("r-o", openProg, "20"),
	}, rules.Usage{})
	got := awardPoints(awards)
	require.Len(t, got, 1)
	assert.Contains(t, got, ledger.RuleID("r-x"), "top-ranked non-stacking program takes the event alone")

	exclusiveProg.PriorityRank = 1
	awards = resolver.Resolve([]rules.Candidate{
		candidate("r-x", exclusiveProg, "10"),
		candidate("r-o", openProg, "20"),
	}, rules.Usage{})
	got = awardPoints(awards)
	require.Len(t, got, 1)
	assert.Contains(t, got, ledger.RuleID("r-o"), "outranked non-stacking program drops out")
}

// =============================================================================
// LIMIT CLAMPING
// =============================================================================

func TestStacking_PerEventCap_WithTierOverride(t *testing.T) {
	// GIVEN: A 100-point award, rule cap 50, tier cap 80
	// WHEN: Resolving
	// THEN: The effective cap is max(50, 80) = 80

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")

	ruleCap := dec("50")
	tierCap := dec("80")
	c := candidate("r-1", prog, "100", func(r *catalog.RewardRule) {
		r.Limits.PerEventCap = &ruleCap
	})
	c.Benefit.HigherCaps.MaxPointsPerEvent = &tierCap

	awards := resolver.Resolve([]rules.Candidate{c}, rules.Usage{})
	require.Len(t, awards, 1)
	assert.True(t, awards[0].Points.Equal(dec("80")))
}

func TestStacking_NilRuleCap_TierCapDoesNotIntroduceOne(t *testing.T) {
	// GIVEN: An uncapped rule and a tier with a cap override
	// WHEN: Resolving a 1000-point award
	// THEN: The award passes untouched; tier benefits never add caps

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")

	tierCap := dec("80")
	c := candidate("r-1", prog, "1000")
	c.Benefit.HigherCaps.MaxPointsPerEvent = &tierCap

	awards := resolver.Resolve([]rules.Candidate{c}, rules.Usage{})
	require.Len(t, awards, 1)
	assert.True(t, awards[0].Points.Equal(dec("1000")))
}

func TestStacking_DayCap_ClampsAgainstUsage(t *testing.T) {
	// GIVEN: A rule with a 100/day cap and 80 already awarded today
	// WHEN: Resolving a 50-point candidate
	// THEN: Only the remaining 20 is awarded

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")

	dayCap := dec("100")
	c := candidate("r-1", prog, "50", func(r *catalog.RewardRule) {
		r.Limits.PerDayCap = &dayCap
	})

	usage := rules.Usage{RuleDay: map[ledger.RuleID]decimal.Decimal{"r-1": dec("80")}}
	awards := resolver.Resolve([]rules.Candidate{c}, usage)
	require.Len(t, awards, 1)
	assert.True(t, awards[0].Points.Equal(dec("20")))
}

func TestStacking_DayCapExhausted_AwardDropped(t *testing.T) {
	// GIVEN: A rule whose day cap is already fully used
	// WHEN: Resolving
	// THEN: The clamped-to-zero award produces no row

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")

	dayCap := dec("100")
	c := candidate("r-1", prog, "50", func(r *catalog.RewardRule) {
		r.Limits.PerDayCap = &dayCap
	})

	usage := rules.Usage{RuleDay: map[ledger.RuleID]decimal.Decimal{"r-1": dec("100")}}
	awards := resolver.Resolve([]rules.Candidate{c}, usage)
	assert.Empty(t, awards)
}

func TestStacking_ProgramCap_TrimsLowestPriorityFirst(t *testing.T) {
	// GIVEN: A program capping 50 points per event with awards of 40+30
	// WHEN: Resolving
	// THEN: The lower-priority award is trimmed to fit: 40 + 10

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")
	progCap := dec("50")
	prog.Limits.MaxPointsPerEvent = &progCap

	cands := []rules.Candidate{
		candidate("r-high", prog, "40", inGroup("g1", 20, catalog.StackExclusive)),
		candidate("r-low", prog, "30", inGroup("g2", 10, catalog.StackExclusive)),
	}

	awards := resolver.Resolve(cands, rules.Usage{})
	got := awardPoints(awards)
	require.Len(t, got, 2)
	assert.True(t, got["r-high"].Equal(dec("40")))
	assert.True(t, got["r-low"].Equal(dec("10")))
}

func TestStacking_ProgramMonthCap_UsesLedgerUsage(t *testing.T) {
	// GIVEN: A program with a 1000/month cap, 990 already awarded this month
	// WHEN: Resolving a 25-point award
	// THEN: Only 10 survives

	var resolver rules.StackingResolver
	prog := testProgram("prog-1")
	monthCap := dec("1000")
	prog.Limits.MaxPointsPerMonth = &monthCap

	usage := rules.Usage{ProgramMonth: map[ledger.ProgramID]decimal.Decimal{"prog-1": dec("990")}}
	awards := resolver.Resolve([]rules.Candidate{candidate("r-1", prog, "25")}, usage)
	require.Len(t, awards, 1)
	assert.True(t, awards[0].Points.Equal(dec("10")))
}
