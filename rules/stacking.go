/*
stacking.go - Conflict & stacking resolution

PURPOSE:
  Reduces the matched-rule candidates to the awarded subset. This is the
  reconciliation step: rules compete within conflict groups, programs
  compete for the event, and limits clamp what survives.

ALGORITHM:
  1. Group candidates by conflict group (groups may span programs).
     Within a group, the highest-priority rule's stack policy governs:
       exclusive: keep the single highest-priority rule (ties: lowest id)
       additive:  keep all, subject to the group's maxAwardsPerEvent
                  (keep highest priority first, drop the rest)
       best-of:   keep the rule yielding the most points
  2. Across groups, results are additive: groups are independent buckets.
  3. Program stacking: the strictest maxProgramsPerEvent among contributing
     programs caps how many distinct programs may contribute. Over the cap,
     programs are ranked by the selection strategy and the lowest-ranked
     are dropped entirely, never partially. A program with stacking
     disallowed either takes the event alone (when it is the top-ranked
     program) or drops out.
  4. Limits clamp in order: rule per-event cap (with the tier override,
     max(ruleCap, tierCap)), rule day/month caps against ledger usage,
     then program per-event/day/month caps on the summed contributions,
     trimming the lowest-priority awards first.

  Everything is pure; day/month usage arrives pre-read in Usage.
*/
package rules

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// CANDIDATE & AWARD
// =============================================================================

// Candidate is one matched rule with its formula output already passed
// through the tier multiplier.
type Candidate struct {
	Rule    catalog.RewardRule
	Program catalog.LoyaltyProgram
	Benefit catalog.TierBenefit
	Points  decimal.Decimal
}

// Award is a surviving (rule, amount) pair ready for the ledger.
type Award struct {
	Rule    catalog.RewardRule
	Program catalog.LoyaltyProgram
	Points  decimal.Decimal
}

// Usage carries ledger-derived award totals for the current day and month,
// read by the engine before resolution. Missing entries mean zero.
type Usage struct {
	RuleDay      map[ledger.RuleID]decimal.Decimal
	RuleMonth    map[ledger.RuleID]decimal.Decimal
	ProgramDay   map[ledger.ProgramID]decimal.Decimal
	ProgramMonth map[ledger.ProgramID]decimal.Decimal
}

func (u Usage) ruleDay(id ledger.RuleID) decimal.Decimal         { return u.RuleDay[id] }
func (u Usage) ruleMonth(id ledger.RuleID) decimal.Decimal       { return u.RuleMonth[id] }
func (u Usage) programDay(id ledger.ProgramID) decimal.Decimal   { return u.ProgramDay[id] }
func (u Usage) programMonth(id ledger.ProgramID) decimal.Decimal { return u.ProgramMonth[id] }

// =============================================================================
// STACKING RESOLVER
// =============================================================================

type StackingResolver struct{}

// Resolve reduces candidates to the final award set.
func (StackingResolver) Resolve(candidates []Candidate, usage Usage) []Award {
	if len(candidates) == 0 {
		return nil
	}

	survivors := resolveConflictGroups(candidates)
	survivors = resolveProgramStacking(survivors)

	awards := clampRuleLimits(survivors, usage)
	awards = clampProgramLimits(awards, usage)

	// Zero awards are noise: a clamped-to-nothing rule creates no row.
	final := awards[:0]
	for _, a := range awards {
		if a.Points.IsPositive() {
			final = append(final, a)
		}
	}
	return final
}

// -----------------------------------------------------------------------------
// Step 1: conflict groups
// -----------------------------------------------------------------------------

func resolveConflictGroups(candidates []Candidate) []Candidate {
	groups := make(map[string][]Candidate)
	var order []string
	for _, c := range candidates {
		key := c.Rule.ConflictGroupKey()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	var survivors []Candidate
	for _, key := range order {
		survivors = append(survivors, resolveGroup(groups[key])...)
	}
	return survivors
}

func resolveGroup(group []Candidate) []Candidate {
	if len(group) == 1 {
		return group
	}
	sortByPriority(group)
	governing := group[0] // highest priority defines the group's policy

	switch governing.Rule.Conflict.StackPolicy {
	case catalog.StackAdditive:
		max := governing.Rule.Conflict.MaxAwardsPerEvent
		if max > 0 && len(group) > max {
			group = group[:max]
		}
		return group

	case catalog.StackBestOf:
		best := group[0]
		for _, c := range group[1:] {
			if c.Points.GreaterThan(best.Points) {
				best = c
			}
		}
		return []Candidate{best}

	default: // exclusive
		return group[:1]
	}
}

// sortByPriority orders by rule priority desc, ties broken by lowest rule
// id for determinism.
func sortByPriority(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Rule.Conflict.PriorityRank != cands[j].Rule.Conflict.PriorityRank {
			return cands[i].Rule.Conflict.PriorityRank > cands[j].Rule.Conflict.PriorityRank
		}
		return cands[i].Rule.ID < cands[j].Rule.ID
	})
}

// -----------------------------------------------------------------------------
// Step 2: program stacking
// -----------------------------------------------------------------------------

type programContribution struct {
	program catalog.LoyaltyProgram
	total   decimal.Decimal
	first   int // index of first candidate, for FIRST_MATCH order
}

func resolveProgramStacking(survivors []Candidate) []Candidate {
	byProgram := make(map[ledger.ProgramID]*programContribution)
	var programs []*programContribution
	for i, c := range survivors {
		pc, ok := byProgram[c.Program.ID]
		if !ok {
			pc = &programContribution{program: c.Program, first: i}
			byProgram[c.Program.ID] = pc
			programs = append(programs, pc)
		}
		pc.total = pc.total.Add(c.Points)
	}
	if len(programs) <= 1 {
		return survivors
	}

	// Strictest declared limit wins; a non-stacking program counts as 1.
	limit := 0
	strategy := catalog.SelectPriorityRank
	for _, pc := range programs {
		declared := pc.program.Stacking.MaxProgramsPerEvent
		if !pc.program.Stacking.Allowed {
			declared = 1
		}
		if declared > 0 && (limit == 0 || declared < limit) {
			limit = declared
			if pc.program.Stacking.SelectionStrategy != "" {
				strategy = pc.program.Stacking.SelectionStrategy
			}
		}
	}
	if limit == 0 || len(programs) <= limit {
		return survivors
	}

	rankPrograms(programs, strategy)
	kept := make(map[ledger.ProgramID]bool, limit)
	for _, pc := range programs[:limit] {
		kept[pc.program.ID] = true
	}

	// A non-stacking program only stays when it is the sole survivor.
	if limit > 1 {
		for _, pc := range programs[:limit] {
			if !pc.program.Stacking.Allowed && pc.program.ID != programs[0].program.ID {
				delete(kept, pc.program.ID)
			}
		}
	}

	var out []Candidate
	for _, c := range survivors {
		if kept[c.Program.ID] {
			out = append(out, c)
		}
	}
	return out
}

func rankPrograms(programs []*programContribution, strategy catalog.SelectionStrategy) {
	switch strategy {
	case catalog.SelectBestValue:
		sort.SliceStable(programs, func(i, j int) bool {
			if !programs[i].total.Equal(programs[j].total) {
				return programs[i].total.GreaterThan(programs[j].total)
			}
			return programs[i].program.PriorityRank > programs[j].program.PriorityRank
		})
	case catalog.SelectFirstMatch:
		sort.SliceStable(programs, func(i, j int) bool {
			return programs[i].first < programs[j].first
		})
	default: // PRIORITY_RANK
		sort.SliceStable(programs, func(i, j int) bool {
			if programs[i].program.PriorityRank != programs[j].program.PriorityRank {
				return programs[i].program.PriorityRank > programs[j].program.PriorityRank
			}
			return programs[i].program.ID < programs[j].program.ID
		})
	}
}

// -----------------------------------------------------------------------------
// Steps 3-4: limit clamping
// -----------------------------------------------------------------------------

func clampRuleLimits(survivors []Candidate, usage Usage) []Award {
	awards := make([]Award, 0, len(survivors))
	for _, c := range survivors {
		points := c.Points

		if cap := catalog.EffectiveCap(c.Rule.Limits.PerEventCap, c.Benefit, catalog.CapPerEvent); cap != nil && points.GreaterThan(*cap) {
			points = *cap
		}
		if cap := catalog.EffectiveCap(c.Rule.Limits.PerDayCap, c.Benefit, catalog.CapPerDay); cap != nil {
			points = clampToWindow(points, *cap, usage.ruleDay(c.Rule.ID))
		}
		if cap := catalog.EffectiveCap(c.Rule.Limits.PerMonthCap, c.Benefit, catalog.CapPerMonth); cap != nil {
			points = clampToWindow(points, *cap, usage.ruleMonth(c.Rule.ID))
		}

		awards = append(awards, Award{Rule: c.Rule, Program: c.Program, Points: points})
	}
	return awards
}

func clampProgramLimits(awards []Award, usage Usage) []Award {
	byProgram := make(map[ledger.ProgramID][]int)
	for i, a := range awards {
		byProgram[a.Program.ID] = append(byProgram[a.Program.ID], i)
	}

	for _, indices := range byProgram {
		program := awards[indices[0]].Program

		if cap := program.Limits.MaxPointsPerEvent; cap != nil {
			trimProgramTotal(awards, indices, *cap)
		}
		if cap := program.Limits.MaxPointsPerDay; cap != nil {
			remaining := cap.Sub(usage.programDay(program.ID))
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			trimProgramTotal(awards, indices, remaining)
		}
		if cap := program.Limits.MaxPointsPerMonth; cap != nil {
			remaining := cap.Sub(usage.programMonth(program.ID))
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			trimProgramTotal(awards, indices, remaining)
		}
	}
	return awards
}

// trimProgramTotal reduces the program's summed contribution to the cap by
// trimming the lowest-priority awards first.
func trimProgramTotal(awards []Award, indices []int, cap decimal.Decimal) {
	total := decimal.Zero
	for _, i := range indices {
		total = total.Add(awards[i].Points)
	}
	excess := total.Sub(cap)
	if !excess.IsPositive() {
		return
	}

	order := append([]int(nil), indices...)
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := awards[order[a]].Rule, awards[order[b]].Rule
		if ra.Conflict.PriorityRank != rb.Conflict.PriorityRank {
			return ra.Conflict.PriorityRank < rb.Conflict.PriorityRank
		}
		return ra.ID > rb.ID
	})
	for _, i := range order {
		if !excess.IsPositive() {
			break
		}
		cut := decimal.Min(awards[i].Points, excess)
		awards[i].Points = awards[i].Points.Sub(cut)
		excess = excess.Sub(cut)
	}
}

func clampToWindow(points, cap, used decimal.Decimal) decimal.Decimal {
	remaining := cap.Sub(used)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return decimal.Min(points, remaining)
}
