/*
eligibility.go - Narrowing the catalog to the rules an event can fire

PURPOSE:
  Pure filter over the tenant's live rule set. A rule survives when:
  1. Its trigger matches the event's trigger.
  2. Every set scope field matches the event's dimensions (unset matches all).
  3. Its eligibility predicate holds for the event and the membership's
     current tier and status.
  4. The membership holds an ACTIVE enrollment (window covering "now") in
     the rule's program.

  Rule and program liveness (active status + window) is already enforced
  when the rule set is compiled; the filter re-checks against the event
  timestamp since a cached set may predate a window boundary.

ORDER:
  Output preserves the rule set's deterministic order: program priority
  desc, rule priority desc, rule id asc.
*/
package rules

import (
	"time"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// ELIGIBILITY FILTER
// =============================================================================

type EligibilityFilter struct{}

// Match returns the ordered subset of the rule set the event can fire.
// Pure function: no side effects, no I/O.
func (EligibilityFilter) Match(
	now time.Time,
	ev Event,
	membership ledger.Membership,
	enrollments []catalog.Enrollment,
	rs *catalog.RuleSet,
) []catalog.RewardRule {

	enrolled := make(map[ledger.ProgramID]bool, len(enrollments))
	for _, e := range enrollments {
		if e.Covers(now) {
			enrolled[e.ProgramID] = true
		}
	}

	var matched []catalog.RewardRule
	for _, rule := range rs.Rules {
		if rule.Trigger != ev.Trigger {
			continue
		}
		if !rule.IsLive(now) {
			continue
		}
		program, ok := rs.Program(rule.ProgramID)
		if !ok || !program.IsLive(now) || !enrolled[rule.ProgramID] {
			continue
		}
		if !scopeMatches(rule.Scope, ev) {
			continue
		}
		if !eligible(rule.Eligibility, ev, membership) {
			continue
		}
		matched = append(matched, rule)
	}
	return matched
}

func scopeMatches(s catalog.RuleScope, ev Event) bool {
	if s.StoreID != "" && s.StoreID != ev.StoreID {
		return false
	}
	if s.BranchID != "" && s.BranchID != ev.BranchID {
		return false
	}
	if s.Channel != "" && s.Channel != ev.Channel {
		return false
	}
	if s.Category != "" && s.Category != ev.Category {
		return false
	}
	if s.SKU != "" && s.SKU != ev.SKU {
		return false
	}
	return true
}

func eligible(e catalog.Eligibility, ev Event, m ledger.Membership) bool {
	if !statusAllowed(e.MembershipStatuses, m.Status) {
		return false
	}
	if len(e.Tiers) > 0 && !containsTier(e.Tiers, m.TierID) {
		return false
	}
	if e.MinAmount != nil {
		if ev.Amount == nil || ev.Amount.LessThan(*e.MinAmount) {
			return false
		}
	}
	if len(e.Categories) > 0 && !containsString(e.Categories, ev.Category) {
		return false
	}
	if len(e.SKUs) > 0 && !containsString(e.SKUs, ev.SKU) {
		return false
	}
	if e.From != nil && ev.OccurredAt.Before(*e.From) {
		return false
	}
	if e.To != nil && ev.OccurredAt.After(*e.To) {
		return false
	}
	if e.HourFrom != nil && e.HourTo != nil {
		hour := ev.OccurredAt.UTC().Hour()
		if hour < *e.HourFrom || hour >= *e.HourTo {
			return false
		}
	}
	for k, v := range e.Metadata {
		if ev.Metadata[k] != v {
			return false
		}
	}
	return true
}

// statusAllowed defaults to active-only when the rule lists no statuses.
func statusAllowed(allowed []ledger.MembershipStatus, status ledger.MembershipStatus) bool {
	if len(allowed) == 0 {
		return status == ledger.MembershipActive
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func containsTier(tiers []ledger.TierID, tier ledger.TierID) bool {
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
