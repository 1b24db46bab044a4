/*
Package ledger provides the points ledger core.

PURPOSE:
  This package contains the domain-agnostic heart of the loyalty engine:
  the append-only transaction log, the balance projection, the reversal
  engine, and the integrity validator. Every point a customer ever earns,
  redeems, or loses exists here as an immutable row.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry recording a points change
  - Membership: The customer's per-tenant account with the projected balance
  - Typed identifiers: Tenant/Membership/Program/Rule/Transaction IDs

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing tenant/membership IDs
  4. Auditability: Every transaction has reason, source event, and idempotency key

THE PROJECTION:
  Membership.Points is a cache of the ledger sum, maintained by the
  BalanceProjector and repaired by the IntegrityValidator. The ledger
  is the source of truth; the projection is what users see.

SEE ALSO:
  - ledger.go: Append-only writer
  - projector.go: Balance projection
  - integrity.go: Reconciliation between ledger and projection
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type MembershipID string
type ProgramID string
type RuleID string
type TierID string
type TransactionID string

// =============================================================================
// POINTS - Decimal helpers
// =============================================================================

// Points values are decimal.Decimal throughout. Awards are floored to whole
// points after multipliers; reconciliation compares within Tolerance.

// Tolerance is the maximum drift allowed between the projected balance and
// the ledger-derived balance before the Integrity Validator flags it.
var Tolerance = decimal.NewFromFloat(0.01)

func PointsFromInt(n int64) decimal.Decimal     { return decimal.NewFromInt(n) }
func PointsFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// TRANSACTION - Atomic change to a membership's points
// =============================================================================

type TransactionType string

const (
	TxEarning    TransactionType = "EARNING"    // Points awarded by a reward rule
	TxRedeem     TransactionType = "REDEEM"     // Points spent on a reward
	TxAdjustment TransactionType = "ADJUSTMENT" // Manual admin correction
	TxReversal   TransactionType = "REVERSAL"   // Undo of a previous transaction
	TxExpiration TransactionType = "EXPIRATION" // Points expired per program policy
)

type Transaction struct {
	ID           TransactionID
	TenantID     TenantID
	MembershipID MembershipID
	ProgramID    ProgramID // empty for program-less adjustments
	RuleID       RuleID    // set for EARNING only
	Type         TransactionType

	// Signed points change. EARNING/ADJUSTMENT positive typically,
	// REDEEM/EXPIRATION negative, REVERSAL is the negation of the original.
	PointsDelta decimal.Decimal

	// Globally unique. Duplicate keys indicate a double-application bug.
	IdempotencyKey string

	// Set only for REVERSAL; must reference an existing transaction.
	ReversalOf TransactionID

	ReasonCode    string
	EarningDomain string

	// Monetary context, present for PURCHASE-sourced earnings only.
	Amount   *decimal.Decimal
	Currency string

	// Audit fields
	SourceEventID string // External reference id of the originating event
	CorrelationID string // Groups transactions created by one event
	CreatedBy     string // Actor (user id or "system")
	BranchID      string

	// RewardID is set for REDEEM transactions that exchange points for a
	// catalog reward.
	RewardID string

	// ExpiresAt is set on EARNING rows when the program has an expiration
	// policy. The expiration sweep matches EXPIRATION rows to these lots.
	ExpiresAt *time.Time

	Metadata  map[string]string
	CreatedAt time.Time
}

// IsCredit reports whether the transaction increases the balance.
func (t Transaction) IsCredit() bool { return t.PointsDelta.IsPositive() }

// =============================================================================
// MEMBERSHIP - Per-tenant customer account
// =============================================================================

type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
)

// Membership is one row per (user, tenant). Points is a projection of the
// ledger, not the source of truth; Version guards concurrent projection
// updates via compare-and-swap.
type Membership struct {
	ID          MembershipID
	TenantID    TenantID
	UserID      string
	TierID      TierID
	Points      decimal.Decimal
	TotalSpent  decimal.Decimal
	TotalVisits int
	Status      MembershipStatus
	Version     int64
}
