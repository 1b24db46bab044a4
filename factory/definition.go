/*
Package factory converts serialized catalog definitions into Go structs.

PURPOSE:
  Programs, reward rules, and tier benefits are configuration, not code:
  operators define them in YAML or JSON and the factory builds the proper
  catalog types. Publishing still goes through the registry, so a seed file
  gets the same validation and versioning as an API call.

WHY SERIALIZED DEFINITIONS?
  - Non-developers can modify reward configurations
  - Easy integration with admin UI
  - Version control for rule definitions
  - One seed file can bootstrap a whole tenant

DEFINITION SHAPE (YAML):
  programs:
    - id: base-rewards
      type: BASE
      priority_rank: 10
      stacking: {allowed: true, max_programs_per_event: 2}
      expiration: {enabled: true, type: simple, days_to_expire: 365}
  rules:
    - id: purchase-base
      program_id: base-rewards
      trigger: PURCHASE
      formula: {kind: rate, rate_per_unit: 1}
      conflict: {group: purchase, stack_policy: exclusive, priority_rank: 10}

SEE ALSO:
  - catalog/validate.go: Publish-time validation the registry applies
  - factory/seed.go: Whole-tenant seed files
*/
package factory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ProgramDef is the serialized form of a loyalty program.
type ProgramDef struct {
	ID             string   `json:"id" yaml:"id"`
	TenantID       string   `json:"tenant_id" yaml:"tenant_id"`
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type           string   `json:"type" yaml:"type"`
	EarningDomains []string `json:"earning_domains,omitempty" yaml:"earning_domains,omitempty"`
	PriorityRank   int      `json:"priority_rank,omitempty" yaml:"priority_rank,omitempty"`

	Stacking   *StackingDef   `json:"stacking,omitempty" yaml:"stacking,omitempty"`
	Limits     *LimitsDef     `json:"limits,omitempty" yaml:"limits,omitempty"`
	Expiration *ExpirationDef `json:"expiration,omitempty" yaml:"expiration,omitempty"`

	Currency          string   `json:"currency,omitempty" yaml:"currency,omitempty"`
	MinPointsToRedeem *float64 `json:"min_points_to_redeem,omitempty" yaml:"min_points_to_redeem,omitempty"`

	Status     string `json:"status,omitempty" yaml:"status,omitempty"`
	ActiveFrom string `json:"active_from,omitempty" yaml:"active_from,omitempty"`
	ActiveTo   string `json:"active_to,omitempty" yaml:"active_to,omitempty"`
}

type StackingDef struct {
	Allowed             bool   `json:"allowed" yaml:"allowed"`
	MaxProgramsPerEvent int    `json:"max_programs_per_event,omitempty" yaml:"max_programs_per_event,omitempty"`
	SelectionStrategy   string `json:"selection_strategy,omitempty" yaml:"selection_strategy,omitempty"`
}

type LimitsDef struct {
	MaxPointsPerEvent *float64 `json:"max_points_per_event,omitempty" yaml:"max_points_per_event,omitempty"`
	MaxPointsPerDay   *float64 `json:"max_points_per_day,omitempty" yaml:"max_points_per_day,omitempty"`
	MaxPointsPerMonth *float64 `json:"max_points_per_month,omitempty" yaml:"max_points_per_month,omitempty"`
	MaxPointsPerYear  *float64 `json:"max_points_per_year,omitempty" yaml:"max_points_per_year,omitempty"`
}

type ExpirationDef struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Type            string `json:"type,omitempty" yaml:"type,omitempty"`
	DaysToExpire    int    `json:"days_to_expire,omitempty" yaml:"days_to_expire,omitempty"`
	GracePeriodDays int    `json:"grace_period_days,omitempty" yaml:"grace_period_days,omitempty"`
}

// RuleDef is the serialized form of a reward rule.
type RuleDef struct {
	ID          string `json:"id" yaml:"id"`
	ProgramID   string `json:"program_id" yaml:"program_id"`
	TenantID    string `json:"tenant_id" yaml:"tenant_id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Trigger       string          `json:"trigger" yaml:"trigger"`
	EarningDomain string          `json:"earning_domain" yaml:"earning_domain"`
	Scope         *ScopeDef       `json:"scope,omitempty" yaml:"scope,omitempty"`
	Eligibility   *EligibilityDef `json:"eligibility,omitempty" yaml:"eligibility,omitempty"`
	Formula       FormulaDef      `json:"formula" yaml:"formula"`
	Conflict      *ConflictDef    `json:"conflict,omitempty" yaml:"conflict,omitempty"`
	Limits        *RuleLimitsDef  `json:"limits,omitempty" yaml:"limits,omitempty"`
	Idempotency   *IdempotencyDef `json:"idempotency,omitempty" yaml:"idempotency,omitempty"`

	Status     string `json:"status,omitempty" yaml:"status,omitempty"`
	ActiveFrom string `json:"active_from,omitempty" yaml:"active_from,omitempty"`
	ActiveTo   string `json:"active_to,omitempty" yaml:"active_to,omitempty"`
}

type ScopeDef struct {
	StoreID  string `json:"store_id,omitempty" yaml:"store_id,omitempty"`
	BranchID string `json:"branch_id,omitempty" yaml:"branch_id,omitempty"`
	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	SKU      string `json:"sku,omitempty" yaml:"sku,omitempty"`
}

type EligibilityDef struct {
	Tiers              []string          `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	MembershipStatuses []string          `json:"membership_statuses,omitempty" yaml:"membership_statuses,omitempty"`
	MinAmount          *float64          `json:"min_amount,omitempty" yaml:"min_amount,omitempty"`
	Categories         []string          `json:"categories,omitempty" yaml:"categories,omitempty"`
	SKUs               []string          `json:"skus,omitempty" yaml:"skus,omitempty"`
	From               string            `json:"from,omitempty" yaml:"from,omitempty"`
	To                 string            `json:"to,omitempty" yaml:"to,omitempty"`
	HourFrom           *int              `json:"hour_from,omitempty" yaml:"hour_from,omitempty"`
	HourTo             *int              `json:"hour_to,omitempty" yaml:"hour_to,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type FormulaDef struct {
	Kind        string           `json:"kind" yaml:"kind"`
	FixedPoints float64          `json:"fixed_points,omitempty" yaml:"fixed_points,omitempty"`
	RatePerUnit float64          `json:"rate_per_unit,omitempty" yaml:"rate_per_unit,omitempty"`
	Table       []FormulaTierDef `json:"table,omitempty" yaml:"table,omitempty"`
}

type FormulaTierDef struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Points    float64 `json:"points" yaml:"points"`
}

type ConflictDef struct {
	Group             string `json:"group,omitempty" yaml:"group,omitempty"`
	StackPolicy       string `json:"stack_policy,omitempty" yaml:"stack_policy,omitempty"`
	PriorityRank      int    `json:"priority_rank,omitempty" yaml:"priority_rank,omitempty"`
	MaxAwardsPerEvent int    `json:"max_awards_per_event,omitempty" yaml:"max_awards_per_event,omitempty"`
}

type RuleLimitsDef struct {
	CooldownHours int      `json:"cooldown_hours,omitempty" yaml:"cooldown_hours,omitempty"`
	PerEventCap   *float64 `json:"per_event_cap,omitempty" yaml:"per_event_cap,omitempty"`
	PerDayCap     *float64 `json:"per_day_cap,omitempty" yaml:"per_day_cap,omitempty"`
	PerMonthCap   *float64 `json:"per_month_cap,omitempty" yaml:"per_month_cap,omitempty"`
}

type IdempotencyDef struct {
	Strategy       string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	BucketTimezone string `json:"bucket_timezone,omitempty" yaml:"bucket_timezone,omitempty"`
	PeriodDays     int    `json:"period_days,omitempty" yaml:"period_days,omitempty"`
}

// BenefitDef is the serialized form of a tier benefit.
type BenefitDef struct {
	ProgramID         string                        `json:"program_id" yaml:"program_id"`
	TierID            string                        `json:"tier_id" yaml:"tier_id"`
	PointsMultiplier  *float64                      `json:"points_multiplier,omitempty" yaml:"points_multiplier,omitempty"`
	ExclusiveRewards  []string                      `json:"exclusive_rewards,omitempty" yaml:"exclusive_rewards,omitempty"`
	HigherCaps        *LimitsDef                    `json:"higher_caps,omitempty" yaml:"higher_caps,omitempty"`
	CooldownReduction int                           `json:"cooldown_reduction,omitempty" yaml:"cooldown_reduction,omitempty"`
	CategoryBenefits  map[string]CategoryBenefitDef `json:"category_benefits,omitempty" yaml:"category_benefits,omitempty"`
	Status            string                        `json:"status,omitempty" yaml:"status,omitempty"`
}

type CategoryBenefitDef struct {
	PointsMultiplier *float64 `json:"points_multiplier,omitempty" yaml:"points_multiplier,omitempty"`
	ExclusiveRewards []string `json:"exclusive_rewards,omitempty" yaml:"exclusive_rewards,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

// Program converts a ProgramDef, defaulting status to active and type to
// PROMO when unset.
func Program(def ProgramDef) (catalog.LoyaltyProgram, error) {
	p := catalog.LoyaltyProgram{
		ID:             ledger.ProgramID(def.ID),
		TenantID:       ledger.TenantID(def.TenantID),
		Name:           def.Name,
		Description:    def.Description,
		Type:           catalog.ProgramType(defaultString(def.Type, string(catalog.ProgramPromo))),
		EarningDomains: def.EarningDomains,
		PriorityRank:   def.PriorityRank,
		Currency:       def.Currency,
		Status:         catalog.Status(defaultString(def.Status, string(catalog.StatusActive))),
	}
	if def.MinPointsToRedeem != nil {
		p.MinPointsToRedeem = decimal.NewFromFloat(*def.MinPointsToRedeem)
	}
	if def.Stacking != nil {
		p.Stacking = catalog.StackingPolicy{
			Allowed:             def.Stacking.Allowed,
			MaxProgramsPerEvent: def.Stacking.MaxProgramsPerEvent,
			SelectionStrategy:   catalog.SelectionStrategy(def.Stacking.SelectionStrategy),
		}
	} else {
		p.Stacking = catalog.StackingPolicy{Allowed: true}
	}
	if def.Limits != nil {
		p.Limits = limits(*def.Limits)
	}
	if def.Expiration != nil {
		p.Expiration = catalog.ExpirationPolicy{
			Enabled:         def.Expiration.Enabled,
			Type:            catalog.ExpirationType(defaultString(def.Expiration.Type, string(catalog.ExpireSimple))),
			DaysToExpire:    def.Expiration.DaysToExpire,
			GracePeriodDays: def.Expiration.GracePeriodDays,
		}
	}

	var err error
	if p.ActiveFrom, err = parseTime(def.ActiveFrom); err != nil {
		return p, fmt.Errorf("program %s: active_from: %w", def.ID, err)
	}
	if p.ActiveTo, err = parseTime(def.ActiveTo); err != nil {
		return p, fmt.Errorf("program %s: active_to: %w", def.ID, err)
	}
	return p, nil
}

// Rule converts a RuleDef, defaulting status to active, the conflict policy
// to exclusive, and the idempotency strategy to default.
func Rule(def RuleDef) (catalog.RewardRule, error) {
	r := catalog.RewardRule{
		ID:            ledger.RuleID(def.ID),
		ProgramID:     ledger.ProgramID(def.ProgramID),
		TenantID:      ledger.TenantID(def.TenantID),
		Name:          def.Name,
		Description:   def.Description,
		Trigger:       catalog.Trigger(def.Trigger),
		EarningDomain: def.EarningDomain,
		Formula:       formula(def.Formula),
		Status:        catalog.Status(defaultString(def.Status, string(catalog.StatusActive))),
	}
	if def.Scope != nil {
		r.Scope = catalog.RuleScope{
			StoreID:  def.Scope.StoreID,
			BranchID: def.Scope.BranchID,
			Channel:  def.Scope.Channel,
			Category: def.Scope.Category,
			SKU:      def.Scope.SKU,
		}
	}
	if def.Eligibility != nil {
		e, err := eligibility(*def.Eligibility)
		if err != nil {
			return r, fmt.Errorf("rule %s: %w", def.ID, err)
		}
		r.Eligibility = e
	}
	if def.Conflict != nil {
		r.Conflict = catalog.ConflictPolicy{
			Group:             def.Conflict.Group,
			StackPolicy:       catalog.StackPolicy(defaultString(def.Conflict.StackPolicy, string(catalog.StackExclusive))),
			PriorityRank:      def.Conflict.PriorityRank,
			MaxAwardsPerEvent: def.Conflict.MaxAwardsPerEvent,
		}
	} else {
		r.Conflict = catalog.ConflictPolicy{StackPolicy: catalog.StackExclusive}
	}
	if def.Limits != nil {
		r.Limits = catalog.RuleLimits{
			CooldownHours: def.Limits.CooldownHours,
			PerEventCap:   dec(def.Limits.PerEventCap),
			PerDayCap:     dec(def.Limits.PerDayCap),
			PerMonthCap:   dec(def.Limits.PerMonthCap),
		}
	}
	if def.Idempotency != nil {
		r.Idempotency = catalog.IdempotencyScope{
			Strategy:       ledger.BucketStrategy(defaultString(def.Idempotency.Strategy, string(ledger.BucketDefault))),
			BucketTimezone: def.Idempotency.BucketTimezone,
			PeriodDays:     def.Idempotency.PeriodDays,
		}
	} else {
		r.Idempotency = catalog.IdempotencyScope{Strategy: ledger.BucketDefault}
	}

	var err error
	if r.ActiveFrom, err = parseTime(def.ActiveFrom); err != nil {
		return r, fmt.Errorf("rule %s: active_from: %w", def.ID, err)
	}
	if r.ActiveTo, err = parseTime(def.ActiveTo); err != nil {
		return r, fmt.Errorf("rule %s: active_to: %w", def.ID, err)
	}
	return r, nil
}

// Benefit converts a BenefitDef.
func Benefit(def BenefitDef) catalog.TierBenefit {
	b := catalog.TierBenefit{
		ProgramID:         ledger.ProgramID(def.ProgramID),
		TierID:            ledger.TierID(def.TierID),
		PointsMultiplier:  dec(def.PointsMultiplier),
		ExclusiveRewards:  def.ExclusiveRewards,
		CooldownReduction: def.CooldownReduction,
		Status:            catalog.Status(defaultString(def.Status, string(catalog.StatusActive))),
	}
	if def.HigherCaps != nil {
		b.HigherCaps = limits(*def.HigherCaps)
	}
	if len(def.CategoryBenefits) > 0 {
		b.CategoryBenefits = make(map[string]catalog.CategoryBenefit, len(def.CategoryBenefits))
		for category, cb := range def.CategoryBenefits {
			b.CategoryBenefits[category] = catalog.CategoryBenefit{
				PointsMultiplier: dec(cb.PointsMultiplier),
				ExclusiveRewards: cb.ExclusiveRewards,
			}
		}
	}
	return b
}

func formula(def FormulaDef) catalog.PointsFormula {
	f := catalog.PointsFormula{
		Kind:        catalog.FormulaKind(def.Kind),
		FixedPoints: decimal.NewFromFloat(def.FixedPoints),
		RatePerUnit: decimal.NewFromFloat(def.RatePerUnit),
	}
	for _, tier := range def.Table {
		f.Table = append(f.Table, catalog.FormulaTier{
			Threshold: decimal.NewFromFloat(tier.Threshold),
			Points:    decimal.NewFromFloat(tier.Points),
		})
	}
	return f
}

func eligibility(def EligibilityDef) (catalog.Eligibility, error) {
	e := catalog.Eligibility{
		MinAmount:  dec(def.MinAmount),
		Categories: def.Categories,
		SKUs:       def.SKUs,
		HourFrom:   def.HourFrom,
		HourTo:     def.HourTo,
		Metadata:   def.Metadata,
	}
	for _, t := range def.Tiers {
		e.Tiers = append(e.Tiers, ledger.TierID(t))
	}
	for _, s := range def.MembershipStatuses {
		e.MembershipStatuses = append(e.MembershipStatuses, ledger.MembershipStatus(s))
	}
	var err error
	if e.From, err = parseTime(def.From); err != nil {
		return e, fmt.Errorf("eligibility from: %w", err)
	}
	if e.To, err = parseTime(def.To); err != nil {
		return e, fmt.Errorf("eligibility to: %w", err)
	}
	return e, nil
}

func limits(def LimitsDef) catalog.Limits {
	return catalog.Limits{
		MaxPointsPerEvent: dec(def.MaxPointsPerEvent),
		MaxPointsPerDay:   dec(def.MaxPointsPerDay),
		MaxPointsPerMonth: dec(def.MaxPointsPerMonth),
		MaxPointsPerYear:  dec(def.MaxPointsPerYear),
	}
}

func dec(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// parseTime accepts RFC3339 or bare dates.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q", s)
		}
	}
	return &t, nil
}
