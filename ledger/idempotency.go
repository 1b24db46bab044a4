/*
idempotency.go - Deterministic idempotency key derivation

PURPOSE:
  Derives the idempotency key for a (event, rule, bucket) triple. The key
  decides what "the same event" means for deduplication: the raw external
  reference, or a time bucket that collapses repeated deliveries.

STRATEGIES:
  default:    One award per external event reference per rule.
  per-day:    One award per rule per calendar day (in the rule's timezone).
  per-period: One award per rule per N-day window.
  per-event:  Like default, additionally scoped by the parent aggregate
              event when the event is a child of a larger one.

BUCKETING:
  per-day and per-period truncate the event timestamp in the rule's bucket
  timezone. A visit at 23:50 and one at 00:10 the next day are different
  buckets; two retried deliveries of the same webhook are the same bucket.

KEY SHAPE:
  Keys are structured strings, readable in the database:
    <tenant>|<membership>|<rule>|<bucket>
  Determinism is the contract: the same inputs always produce the same key.
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// BUCKET STRATEGY
// =============================================================================

type BucketStrategy string

const (
	BucketDefault   BucketStrategy = "default"
	BucketPerDay    BucketStrategy = "per-day"
	BucketPerPeriod BucketStrategy = "per-period"
	BucketPerEvent  BucketStrategy = "per-event"
)

// KeyScope configures key derivation for one rule.
type KeyScope struct {
	Strategy       BucketStrategy
	BucketTimezone string // IANA name; UTC when empty or unloadable
	PeriodDays     int    // for per-period; must be >= 1
}

// KeyInput carries the event-side inputs to key derivation.
type KeyInput struct {
	TenantID      TenantID
	MembershipID  MembershipID
	RuleID        RuleID
	EventRef      string // external transaction/reference id
	ParentEventID string // aggregate event id, for per-event scoping
	OccurredAt    time.Time
}

// DeriveKey returns the deterministic idempotency key for the input.
func DeriveKey(scope KeyScope, in KeyInput) string {
	return fmt.Sprintf("%s|%s|%s|%s", in.TenantID, in.MembershipID, in.RuleID, bucket(scope, in))
}

func bucket(scope KeyScope, in KeyInput) string {
	switch scope.Strategy {
	case BucketPerDay:
		return in.OccurredAt.In(scope.location()).Format("2006-01-02")

	case BucketPerPeriod:
		days := scope.PeriodDays
		if days < 1 {
			days = 1
		}
		local := in.OccurredAt.In(scope.location())
		// Days since epoch in the bucket timezone, grouped into N-day windows.
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		epochDay := int(midnight.Unix() / 86400)
		return fmt.Sprintf("p%dd%d", days, epochDay/days)

	case BucketPerEvent:
		if in.ParentEventID != "" {
			return in.EventRef + "@" + in.ParentEventID
		}
		return in.EventRef

	default:
		return in.EventRef
	}
}

func (s KeyScope) location() *time.Location {
	if s.BucketTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.BucketTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RedeemKey builds the idempotency key for a redemption request.
func RedeemKey(membershipID MembershipID, ref string) string {
	return fmt.Sprintf("redeem|%s|%s", membershipID, ref)
}

// ReversalKey builds the idempotency key for a reversal of the original.
// One key per original: re-reversal attempts collide here as well as on the
// AlreadyReversed check.
func ReversalKey(originalID TransactionID) string {
	return fmt.Sprintf("reversal|%s", originalID)
}

// ExpirationKey builds the idempotency key for expiring one earning lot.
// Sweeps can re-run safely: the same lot never expires twice.
func ExpirationKey(lotID TransactionID) string {
	return fmt.Sprintf("expire|%s", lotID)
}

// AdjustmentKey builds the idempotency key for a manual adjustment.
func AdjustmentKey(membershipID MembershipID, ref string) string {
	return fmt.Sprintf("adjust|%s|%s", membershipID, ref)
}
