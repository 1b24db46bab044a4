/*
Package catalog holds the versioned reward definitions: loyalty programs,
reward rules, tier benefits, and enrollments.

PURPOSE:
  The catalog is the read side of rule resolution. Administration publishes
  definitions here; the engine only ever reads active, versioned ones and
  never mutates them. A program or rule is logically immutable once a
  transaction references it - edits create a new version, and existing
  transactions keep pointing at the version that was active when they were
  created.

LIFECYCLE RULES:
  - Exactly one active BASE program per tenant.
  - An active BASE program cannot be deleted; deactivate first.
  - A program with active reward rules or enrollments cannot be deleted.

CONFIGURATION SHAPE:
  Formulas, eligibility predicates, and conflict policies are closed tagged
  unions evaluated by a small interpreter (package rules). Invalid
  configurations are a publish-time concern; see validate.go.

SEE ALSO:
  - rule.go: RewardRule and its formula/eligibility/conflict unions
  - benefit.go: Tier benefits
  - catalog.go: Cached read API and lifecycle registry
*/
package catalog

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// PROGRAM TYPE & STATUS
// =============================================================================

type ProgramType string

const (
	ProgramBase         ProgramType = "BASE"
	ProgramPromo        ProgramType = "PROMO"
	ProgramPartner      ProgramType = "PARTNER"
	ProgramSubscription ProgramType = "SUBSCRIPTION"
	ProgramExperimental ProgramType = "EXPERIMENTAL"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDraft    Status = "draft"
)

// =============================================================================
// STACKING - How a program shares an event with others
// =============================================================================

type SelectionStrategy string

const (
	// SelectPriorityRank keeps the highest-priority programs (default).
	SelectPriorityRank SelectionStrategy = "PRIORITY_RANK"
	// SelectBestValue keeps the programs contributing the most points.
	SelectBestValue SelectionStrategy = "BEST_VALUE"
	// SelectFirstMatch keeps programs in catalog order.
	SelectFirstMatch SelectionStrategy = "FIRST_MATCH"
)

type StackingPolicy struct {
	// Allowed=false means the program never shares an event with another
	// program: it either wins the event alone or drops out entirely.
	Allowed             bool
	MaxProgramsPerEvent int // 0 = unlimited
	SelectionStrategy   SelectionStrategy
}

// =============================================================================
// LIMITS - Points caps per window
// =============================================================================

// Limits caps awarded points per window. Nil fields are uncapped.
// Used at program level and, with the per-event cap, at rule level.
type Limits struct {
	MaxPointsPerEvent *decimal.Decimal
	MaxPointsPerDay   *decimal.Decimal
	MaxPointsPerMonth *decimal.Decimal
	MaxPointsPerYear  *decimal.Decimal
}

// =============================================================================
// EXPIRATION POLICY
// =============================================================================

type ExpirationType string

const (
	ExpireSimple   ExpirationType = "simple"   // One expiry per earning lot
	ExpireBucketed ExpirationType = "bucketed" // Lots grouped into period buckets
)

type ExpirationPolicy struct {
	Enabled         bool
	Type            ExpirationType
	DaysToExpire    int
	GracePeriodDays int
}

// ExpiresAt returns the expiry timestamp for points earned at earnedAt,
// or nil when the policy is disabled.
func (p ExpirationPolicy) ExpiresAt(earnedAt time.Time) *time.Time {
	if !p.Enabled || p.DaysToExpire <= 0 {
		return nil
	}
	at := earnedAt.AddDate(0, 0, p.DaysToExpire)
	if p.Type == ExpireBucketed {
		// Bucketed expiry rounds up to the end of the calendar month, so all
		// lots earned in one month expire together.
		at = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return &at
}

// Deadline returns the sweep cutoff including the grace period.
func (p ExpirationPolicy) Deadline(expiresAt time.Time) time.Time {
	return expiresAt.AddDate(0, 0, p.GracePeriodDays)
}

// =============================================================================
// LOYALTY PROGRAM
// =============================================================================

type LoyaltyProgram struct {
	ID          ledger.ProgramID
	TenantID    ledger.TenantID
	Name        string
	Description string
	Type        ProgramType

	// EarningDomains this program may award from; all must belong to the
	// fixed earning-domain catalog (see rule.go).
	EarningDomains []string

	PriorityRank int // Higher wins ties across programs
	Stacking     StackingPolicy
	Limits       Limits
	Expiration   ExpirationPolicy

	Currency          string
	MinPointsToRedeem decimal.Decimal

	Status     Status
	Version    int // Incremented on each definition change
	ActiveFrom *time.Time
	ActiveTo   *time.Time
}

// IsLive reports whether the program is active and its window covers now.
func (p LoyaltyProgram) IsLive(now time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	return windowCovers(p.ActiveFrom, p.ActiveTo, now)
}

func windowCovers(from, to *time.Time, now time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if to != nil && now.After(*to) {
		return false
	}
	return true
}
