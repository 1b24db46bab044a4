package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atlas/loyalty-engine/ledger"
)

func keyInput(ref string, at time.Time) ledger.KeyInput {
	return ledger.KeyInput{
		TenantID:     "t1",
		MembershipID: "m1",
		RuleID:       "r1",
		EventRef:     ref,
		OccurredAt:   at,
	}
}

// =============================================================================
// KEY DERIVATION
// =============================================================================

func TestDeriveKey_Default_UsesEventReference(t *testing.T) {
	// GIVEN: Default strategy
	// WHEN: Deriving keys for two deliveries of the same event reference
	// THEN: The keys collide; a different reference yields a different key

	scope := ledger.KeyScope{Strategy: ledger.BucketDefault}
	at := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	k1 := ledger.DeriveKey(scope, keyInput("order-42", at))
	k2 := ledger.DeriveKey(scope, keyInput("order-42", at.Add(time.Hour)))
	k3 := ledger.DeriveKey(scope, keyInput("order-43", at))

	assert.Equal(t, "t1|m1|r1|order-42", k1)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveKey_PerDay_CollapsesSameCalendarDay(t *testing.T) {
	// GIVEN: per-day strategy in UTC
	// WHEN: Two visits on the same day vs one just past midnight
	// THEN: Same-day visits share a key; the next day gets a new one

	scope := ledger.KeyScope{Strategy: ledger.BucketPerDay}
	morning := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2025, time.March, 10, 23, 50, 0, 0, time.UTC)
	nextDay := time.Date(2025, time.March, 11, 0, 10, 0, 0, time.UTC)

	k1 := ledger.DeriveKey(scope, keyInput("visit-1", morning))
	k2 := ledger.DeriveKey(scope, keyInput("visit-2", evening))
	k3 := ledger.DeriveKey(scope, keyInput("visit-3", nextDay))

	assert.Equal(t, "t1|m1|r1|2025-03-10", k1)
	assert.Equal(t, k1, k2, "different references on the same day collapse")
	assert.NotEqual(t, k1, k3)
}

func TestDeriveKey_PerDay_RespectsBucketTimezone(t *testing.T) {
	// GIVEN: per-day strategy bucketed in America/New_York
	// WHEN: An event at 03:00 UTC (22:00 previous day local)
	// THEN: The bucket is the local calendar day

	scope := ledger.KeyScope{Strategy: ledger.BucketPerDay, BucketTimezone: "America/New_York"}
	at := time.Date(2025, time.March, 11, 3, 0, 0, 0, time.UTC)

	key := ledger.DeriveKey(scope, keyInput("visit-1", at))
	assert.Equal(t, "t1|m1|r1|2025-03-10", key)
}

func TestDeriveKey_PerPeriod_GroupsByWindow(t *testing.T) {
	// GIVEN: per-period strategy with a 7-day window
	// WHEN: Events 3 days apart vs 14 days apart
	// THEN: The close pair may share a window; the far pair never does

	scope := ledger.KeyScope{Strategy: ledger.BucketPerPeriod, PeriodDays: 7}
	base := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

	k1 := ledger.DeriveKey(scope, keyInput("e1", base))
	k2 := ledger.DeriveKey(scope, keyInput("e2", base.AddDate(0, 0, 14)))
	assert.NotEqual(t, k1, k2, "events two windows apart must differ")

	// Same instant, different reference: the bucket is purely time-derived.
	k3 := ledger.DeriveKey(scope, keyInput("e3", base))
	assert.Equal(t, k1, k3)
}

func TestDeriveKey_PerEvent_ScopedByParent(t *testing.T) {
	// GIVEN: per-event strategy
	// WHEN: The same line-item reference under two different parent orders
	// THEN: The keys differ; without a parent the raw reference is used

	scope := ledger.KeyScope{Strategy: ledger.BucketPerEvent}
	at := time.Now()

	in1 := keyInput("line-1", at)
	in1.ParentEventID = "order-1"
	in2 := keyInput("line-1", at)
	in2.ParentEventID = "order-2"
	in3 := keyInput("line-1", at)

	k1 := ledger.DeriveKey(scope, in1)
	k2 := ledger.DeriveKey(scope, in2)
	k3 := ledger.DeriveKey(scope, in3)

	assert.Equal(t, "t1|m1|r1|line-1@order-1", k1)
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, "t1|m1|r1|line-1", k3)
}

// =============================================================================
// OPERATION KEYS
// =============================================================================

func TestOperationKeys_Deterministic(t *testing.T) {
	assert.Equal(t, "redeem|m-1|ref-9", ledger.RedeemKey("m-1", "ref-9"))
	assert.Equal(t, "reversal|tx-3", ledger.ReversalKey("tx-3"))
	assert.Equal(t, "expire|tx-3", ledger.ExpirationKey("tx-3"))
	assert.Equal(t, "adjust|m-1|ref-9", ledger.AdjustmentKey("m-1", "ref-9"))
}
