/*
rule.go - Reward rule definitions

PURPOSE:
  A RewardRule decides when points are earned and how many. Each rule
  belongs to one program and bundles five closed configurations:
  trigger + scope (when does it apply), eligibility (to whom), formula
  (how many points), conflict (how it competes), and idempotency scope
  (what counts as the same event).

IMMUTABILITY:
  A rule is immutable once it has produced a transaction; edits create a
  new version. The catalog registry enforces the version bump.

FORMULAS (closed tagged union, interpreted in package rules):
  fixed:  constant points, independent of event amount
  rate:   floor(eventAmount * ratePerUnit)
  table:  stepped thresholds; highest threshold <= amount wins
  hybrid: fixed base plus rate component, additive
*/
package catalog

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// TRIGGER
// =============================================================================

type Trigger string

const (
	TriggerVisit        Trigger = "VISIT"
	TriggerPurchase     Trigger = "PURCHASE"
	TriggerReferral     Trigger = "REFERRAL"
	TriggerSubscription Trigger = "SUBSCRIPTION"
	TriggerRetention    Trigger = "RETENTION"
	TriggerCustom       Trigger = "CUSTOM"
)

// =============================================================================
// EARNING DOMAINS - Fixed catalog of award sources
// =============================================================================

const (
	DomainBasePurchase   = "BASE_PURCHASE"
	DomainBonusCategory  = "BONUS_CATEGORY"
	DomainVisit          = "VISIT"
	DomainReferral       = "REFERRAL"
	DomainSubscription   = "SUBSCRIPTION"
	DomainRetention      = "RETENTION"
	DomainPromo          = "PROMO"
	DomainPartner        = "PARTNER"
	DomainManual         = "MANUAL"
)

var earningDomains = map[string]bool{
	DomainBasePurchase:  true,
	DomainBonusCategory: true,
	DomainVisit:         true,
	DomainReferral:      true,
	DomainSubscription:  true,
	DomainRetention:     true,
	DomainPromo:         true,
	DomainPartner:       true,
	DomainManual:        true,
}

// KnownEarningDomain reports whether d belongs to the fixed catalog.
func KnownEarningDomain(d string) bool { return earningDomains[d] }

// =============================================================================
// SCOPE - Dimensional filters; unset fields match everything
// =============================================================================

type RuleScope struct {
	StoreID  string
	BranchID string
	Channel  string
	Category string
	SKU      string
}

// =============================================================================
// ELIGIBILITY - Predicate over event + membership context
// =============================================================================

type Eligibility struct {
	// Tiers allowed to earn from this rule; empty = all tiers.
	Tiers []ledger.TierID

	// MembershipStatuses allowed; empty = active only.
	MembershipStatuses []ledger.MembershipStatus

	// MinAmount is the minimum monetary amount of the event.
	MinAmount *decimal.Decimal

	// Categories/SKUs the event item must be in; empty = any.
	Categories []string
	SKUs       []string

	// Date window the event timestamp must fall in.
	From *time.Time
	To   *time.Time

	// Hour-of-day window [HourFrom, HourTo) in UTC; nil = all day.
	HourFrom *int
	HourTo   *int

	// Metadata entries that must all be present on the event.
	Metadata map[string]string
}

// =============================================================================
// POINTS FORMULA - Closed tagged union
// =============================================================================

type FormulaKind string

const (
	FormulaFixed  FormulaKind = "fixed"
	FormulaRate   FormulaKind = "rate"
	FormulaTable  FormulaKind = "table"
	FormulaHybrid FormulaKind = "hybrid"
)

type FormulaTier struct {
	Threshold decimal.Decimal // Minimum event amount for this step
	Points    decimal.Decimal
}

type PointsFormula struct {
	Kind FormulaKind

	// fixed / hybrid
	FixedPoints decimal.Decimal

	// rate / hybrid
	RatePerUnit decimal.Decimal

	// table: sorted ascending by Threshold at publish time
	Table []FormulaTier
}

// =============================================================================
// CONFLICT - How rules compete within a group
// =============================================================================

type StackPolicy string

const (
	// StackExclusive keeps only the highest-priority rule in the group.
	StackExclusive StackPolicy = "exclusive"
	// StackAdditive sums the group, subject to MaxAwardsPerEvent.
	StackAdditive StackPolicy = "additive"
	// StackBestOf keeps only the rule yielding the most points.
	StackBestOf StackPolicy = "best-of"
)

type ConflictPolicy struct {
	// Group labels rules that compete for the same event. Rules with an
	// empty group never conflict with anything.
	Group             string
	StackPolicy       StackPolicy
	PriorityRank      int
	MaxAwardsPerEvent int // additive only; 0 = unlimited
}

// =============================================================================
// RULE LIMITS
// =============================================================================

type RuleLimits struct {
	// CooldownHours since the rule last awarded this membership before it
	// can fire again. Tier benefits can reduce it.
	CooldownHours int

	PerEventCap *decimal.Decimal
	PerDayCap   *decimal.Decimal
	PerMonthCap *decimal.Decimal
}

// =============================================================================
// IDEMPOTENCY SCOPE
// =============================================================================

type IdempotencyScope struct {
	Strategy       ledger.BucketStrategy
	BucketTimezone string
	PeriodDays     int
}

// KeyScope converts to the ledger's key-derivation config.
func (s IdempotencyScope) KeyScope() ledger.KeyScope {
	return ledger.KeyScope{
		Strategy:       s.Strategy,
		BucketTimezone: s.BucketTimezone,
		PeriodDays:     s.PeriodDays,
	}
}

// =============================================================================
// REWARD RULE
// =============================================================================

type RewardRule struct {
	ID          ledger.RuleID
	ProgramID   ledger.ProgramID
	TenantID    ledger.TenantID
	Name        string
	Description string

	Trigger       Trigger
	Scope         RuleScope
	Eligibility   Eligibility
	Formula       PointsFormula
	Limits        RuleLimits
	Conflict      ConflictPolicy
	Idempotency   IdempotencyScope
	EarningDomain string

	Status     Status
	Version    int
	ActiveFrom *time.Time
	ActiveTo   *time.Time
}

// IsLive reports whether the rule is active and its window covers now.
func (r RewardRule) IsLive(now time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	return windowCovers(r.ActiveFrom, r.ActiveTo, now)
}

// ConflictGroupKey returns the effective conflict group: rules without a
// group each form a singleton group keyed by their own id.
func (r RewardRule) ConflictGroupKey() string {
	if r.Conflict.Group != "" {
		return r.Conflict.Group
	}
	return "rule:" + string(r.ID)
}
