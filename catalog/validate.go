/*
validate.go - Publish-time validation of definitions

PURPOSE:
  Invalid configurations should be a publish-time concern, not a runtime
  surprise. Everything here is checked when a definition enters the
  catalog; the evaluator in package rules still defends against malformed
  input but should never see any.

All failures wrap ledger.ErrInvalidRuleDefinition.
*/
package catalog

import (
	"fmt"
	"time"

	"github.com/atlas/loyalty-engine/ledger"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ledger.ErrInvalidRuleDefinition, fmt.Sprintf(format, args...))
}

// ValidateProgram checks a program definition.
func ValidateProgram(p LoyaltyProgram) error {
	if p.ID == "" || p.TenantID == "" {
		return invalid("program requires id and tenant id")
	}
	switch p.Type {
	case ProgramBase, ProgramPromo, ProgramPartner, ProgramSubscription, ProgramExperimental:
	default:
		return invalid("unknown program type %q", p.Type)
	}
	for _, d := range p.EarningDomains {
		if !KnownEarningDomain(d) {
			return invalid("program %s: earning domain %q not in catalog", p.ID, d)
		}
	}
	if p.Stacking.MaxProgramsPerEvent < 0 {
		return invalid("program %s: negative maxProgramsPerEvent", p.ID)
	}
	switch p.Stacking.SelectionStrategy {
	case "", SelectPriorityRank, SelectBestValue, SelectFirstMatch:
	default:
		return invalid("program %s: unknown selection strategy %q", p.ID, p.Stacking.SelectionStrategy)
	}
	if err := validateLimits(p.Limits); err != nil {
		return invalid("program %s: %v", p.ID, err)
	}
	if p.Expiration.Enabled {
		if p.Expiration.DaysToExpire <= 0 {
			return invalid("program %s: expiration enabled with daysToExpire <= 0", p.ID)
		}
		if p.Expiration.GracePeriodDays < 0 {
			return invalid("program %s: negative grace period", p.ID)
		}
		switch p.Expiration.Type {
		case ExpireSimple, ExpireBucketed:
		default:
			return invalid("program %s: unknown expiration type %q", p.ID, p.Expiration.Type)
		}
	}
	if p.MinPointsToRedeem.IsNegative() {
		return invalid("program %s: negative minPointsToRedeem", p.ID)
	}
	return validateWindow(p.ActiveFrom, p.ActiveTo)
}

// ValidateRule checks a rule definition, including its formula, conflict,
// and idempotency configuration.
func ValidateRule(r RewardRule) error {
	if r.ID == "" || r.ProgramID == "" || r.TenantID == "" {
		return invalid("rule requires id, program id, and tenant id")
	}
	switch r.Trigger {
	case TriggerVisit, TriggerPurchase, TriggerReferral, TriggerSubscription, TriggerRetention, TriggerCustom:
	default:
		return invalid("rule %s: unknown trigger %q", r.ID, r.Trigger)
	}
	if !KnownEarningDomain(r.EarningDomain) {
		return invalid("rule %s: earning domain %q not in catalog", r.ID, r.EarningDomain)
	}
	if err := ValidateFormula(r.Formula); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if err := validateConflict(r.Conflict); err != nil {
		return invalid("rule %s: %v", r.ID, err)
	}
	if err := validateIdempotency(r.Idempotency); err != nil {
		return invalid("rule %s: %v", r.ID, err)
	}
	if r.Limits.CooldownHours < 0 {
		return invalid("rule %s: negative cooldown", r.ID)
	}
	if err := validateLimits(Limits{
		MaxPointsPerEvent: r.Limits.PerEventCap,
		MaxPointsPerDay:   r.Limits.PerDayCap,
		MaxPointsPerMonth: r.Limits.PerMonthCap,
	}); err != nil {
		return invalid("rule %s: %v", r.ID, err)
	}
	if r.Eligibility.MinAmount != nil && r.Eligibility.MinAmount.IsNegative() {
		return invalid("rule %s: negative minAmount", r.ID)
	}
	if err := validateHourWindow(r.Eligibility.HourFrom, r.Eligibility.HourTo); err != nil {
		return invalid("rule %s: %v", r.ID, err)
	}
	return validateWindow(r.ActiveFrom, r.ActiveTo)
}

// ValidateFormula checks the tagged union is well-formed.
func ValidateFormula(f PointsFormula) error {
	switch f.Kind {
	case FormulaFixed:
		if f.FixedPoints.IsNegative() {
			return invalid("fixed formula with negative points")
		}
	case FormulaRate:
		if f.RatePerUnit.IsNegative() {
			return invalid("rate formula with negative rate")
		}
	case FormulaTable:
		if len(f.Table) == 0 {
			return invalid("table formula with no tiers")
		}
		for i, tier := range f.Table {
			if tier.Points.IsNegative() || tier.Threshold.IsNegative() {
				return invalid("table tier %d with negative value", i)
			}
			if i > 0 && !f.Table[i].Threshold.GreaterThan(f.Table[i-1].Threshold) {
				return invalid("table thresholds not strictly ascending at tier %d", i)
			}
		}
	case FormulaHybrid:
		if f.FixedPoints.IsNegative() || f.RatePerUnit.IsNegative() {
			return invalid("hybrid formula with negative component")
		}
	default:
		return invalid("unknown formula kind %q", f.Kind)
	}
	return nil
}

// ValidateBenefit checks a tier benefit definition.
func ValidateBenefit(b TierBenefit) error {
	if b.ProgramID == "" || b.TierID == "" {
		return invalid("benefit requires program id and tier id")
	}
	if b.PointsMultiplier != nil && !b.PointsMultiplier.IsPositive() {
		return invalid("benefit %s/%s: multiplier must be > 0", b.ProgramID, b.TierID)
	}
	if b.CooldownReduction < 0 {
		return invalid("benefit %s/%s: negative cooldown reduction", b.ProgramID, b.TierID)
	}
	if err := validateLimits(b.HigherCaps); err != nil {
		return invalid("benefit %s/%s: %v", b.ProgramID, b.TierID, err)
	}
	for cat, cb := range b.CategoryBenefits {
		if cb.PointsMultiplier != nil && !cb.PointsMultiplier.IsPositive() {
			return invalid("benefit %s/%s: category %q multiplier must be > 0", b.ProgramID, b.TierID, cat)
		}
	}
	return nil
}

func validateConflict(c ConflictPolicy) error {
	switch c.StackPolicy {
	case StackExclusive, StackAdditive, StackBestOf:
	case "":
		return invalid("missing stack policy")
	default:
		return invalid("unknown stack policy %q", c.StackPolicy)
	}
	if c.MaxAwardsPerEvent < 0 {
		return invalid("negative maxAwardsPerEvent")
	}
	return nil
}

func validateIdempotency(s IdempotencyScope) error {
	switch s.Strategy {
	case ledger.BucketDefault, ledger.BucketPerDay, ledger.BucketPerEvent, "":
	case ledger.BucketPerPeriod:
		if s.PeriodDays < 1 {
			return invalid("per-period strategy requires periodDays >= 1")
		}
	default:
		return invalid("unknown idempotency strategy %q", s.Strategy)
	}
	if s.BucketTimezone != "" {
		if _, err := time.LoadLocation(s.BucketTimezone); err != nil {
			return invalid("unknown bucket timezone %q", s.BucketTimezone)
		}
	}
	return nil
}

func validateLimits(l Limits) error {
	if l.MaxPointsPerEvent != nil && l.MaxPointsPerEvent.IsNegative() {
		return invalid("negative per-event cap")
	}
	if l.MaxPointsPerDay != nil && l.MaxPointsPerDay.IsNegative() {
		return invalid("negative per-day cap")
	}
	if l.MaxPointsPerMonth != nil && l.MaxPointsPerMonth.IsNegative() {
		return invalid("negative per-month cap")
	}
	if l.MaxPointsPerYear != nil && l.MaxPointsPerYear.IsNegative() {
		return invalid("negative per-year cap")
	}
	return nil
}

func validateWindow(from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return invalid("active window ends before it starts")
	}
	return nil
}

func validateHourWindow(from, to *int) error {
	if (from == nil) != (to == nil) {
		return invalid("hour window requires both bounds")
	}
	if from != nil && (*from < 0 || *from > 23 || *to < 1 || *to > 24 || *to <= *from) {
		return invalid("hour window out of range")
	}
	return nil
}
