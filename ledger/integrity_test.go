package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/loyalty-engine/ledger"
	"github.com/atlas/loyalty-engine/ledger/store"
)

func newValidatorFixture(t *testing.T) (*ledger.IntegrityValidator, *store.Memory, *store.MemoryMemberships) {
	t.Helper()
	mem := store.NewMemory()
	ms := store.NewMemoryMemberships()
	return ledger.NewIntegrityValidator(mem, ms), mem, ms
}

// =============================================================================
// BALANCE RECONCILIATION
// =============================================================================

func TestIntegrity_BalancesMatch_NoViolations(t *testing.T) {
	// GIVEN: A ledger summing to 150 and a projection of 150
	// WHEN: Running all checks
	// THEN: The report is clean

	ctx := context.Background()
	validator, mem, ms := newValidatorFixture(t)
	ms.Put(member("m-1", 150))

	now := time.Now()
	require.NoError(t, mem.Append(ctx, earningTx("tx-1", "m-1", "k1", 100, now)))
	require.NoError(t, mem.Append(ctx, earningTx("tx-2", "m-1", "k2", 50, now)))

	report, err := validator.Check(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.True(t, report.Drift.IsZero())
}

func TestIntegrity_ForcedDesync_DetectedAndRepaired(t *testing.T) {
	// GIVEN: A projection that drifted away from the ledger sum
	// WHEN: Checking and then fixing the balance
	// THEN: The drift is flagged and FixBalance restores the ledger value

	ctx := context.Background()
	validator, mem, ms := newValidatorFixture(t)
	ms.Put(member("m-1", 100))

	now := time.Now()
	require.NoError(t, mem.Append(ctx, earningTx("tx-1", "m-1", "k1", 100, now)))

	// Corrupt the stored row so the ledger sum no longer matches.
	mem.Corrupt("tx-1", func(tx *ledger.Transaction) {
		tx.PointsDelta = points(70)
	})

	report, err := validator.Check(ctx, "m-1")
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.True(t, report.Drift.Equal(points(30)))
	assert.Equal(t, "balance", report.Violations[0].Check)

	fixed, err := validator.FixBalance(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, fixed.Projected.Equal(points(70)))

	m, err := ms.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, m.Points.Equal(points(70)))
}

func TestIntegrity_DriftWithinTolerance_Ignored(t *testing.T) {
	// GIVEN: A projection off by less than the tolerance (0.01)
	// WHEN: Checking the balance
	// THEN: No violation is raised and FixBalance leaves it alone

	ctx := context.Background()
	validator, mem, ms := newValidatorFixture(t)

	m := member("m-1", 0)
	m.Points = ledger.MustParseDecimal("100.005")
	ms.Put(m)

	require.NoError(t, mem.Append(ctx, earningTx("tx-1", "m-1", "k1", 100, time.Now())))

	report, err := validator.CheckBalance(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, report.OK())

	fixed, err := validator.FixBalance(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, fixed.Projected.Equal(ledger.MustParseDecimal("100.005")))
}

// =============================================================================
// IDEMPOTENCY & REVERSAL AUDITS
// =============================================================================

func TestIntegrity_DuplicateKey_Flagged(t *testing.T) {
	// GIVEN: Two rows sharing one idempotency key (storage-level corruption)
	// WHEN: Auditing idempotency
	// THEN: The shared key is flagged

	ctx := context.Background()
	validator, mem, ms := newValidatorFixture(t)
	ms.Put(member("m-1", 0))

	now := time.Now()
	require.NoError(t, mem.Append(ctx, earningTx("tx-1", "m-1", "k1", 100, now)))
	require.NoError(t, mem.Append(ctx, earningTx("tx-2", "m-1", "k2", 100, now)))
	mem.Corrupt("tx-2", func(tx *ledger.Transaction) {
		tx.IdempotencyKey = "k1"
	})

	violations, err := validator.AuditIdempotency(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "idempotency", violations[0].Check)
	assert.Contains(t, violations[0].Detail, "k1")
}

func TestIntegrity_DanglingReversal_Flagged(t *testing.T) {
	// GIVEN: A REVERSAL row whose original reference does not exist
	// WHEN: Auditing reversals
	// THEN: The dangling reference is flagged

	ctx := context.Background()
	validator, mem, ms := newValidatorFixture(t)
	ms.Put(member("m-1", 0))

	reversal := earningTx("tx-9", "m-1", "k9", -100, time.Now())
	reversal.Type = ledger.TxReversal
	reversal.ReversalOf = "tx-gone"
	require.NoError(t, mem.Append(ctx, reversal))

	violations, err := validator.AuditReversals(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "reversal", violations[0].Check)
	assert.Contains(t, violations[0].Detail, "tx-gone")
}

// =============================================================================
// TENANT SWEEP
// =============================================================================

func TestIntegrity_SweepTenant_ReportsEveryMembership(t *testing.T) {
	// GIVEN: Two memberships, one of them desynced
	// WHEN: Sweeping the tenant
	// THEN: One clean report and one with a balance violation

	ctx := context.Background()
	validator, mem, ms := newValidatorFixture(t)
	ms.Put(member("m-1", 100))
	ms.Put(member("m-2", 999))

	now := time.Now()
	require.NoError(t, mem.Append(ctx, earningTx("tx-1", "m-1", "k1", 100, now)))
	require.NoError(t, mem.Append(ctx, earningTx("tx-2", "m-2", "k2", 100, now)))

	reports, err := validator.SweepTenant(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byID := map[ledger.MembershipID]ledger.Report{}
	for _, r := range reports {
		byID[r.MembershipID] = r
	}
	assert.True(t, byID["m-1"].OK())
	assert.False(t, byID["m-2"].OK())
}
