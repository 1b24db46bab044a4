package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/atlas/loyalty-engine/ledger"
	"github.com/atlas/loyalty-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func points(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func member(id string, balance int64) ledger.Membership {
	return ledger.Membership{
		ID:       ledger.MembershipID(id),
		TenantID: "tenant-1",
		Points:   points(balance),
		Status:   ledger.MembershipActive,
	}
}

func earningTx(id, memberID, key string, delta int64, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:             ledger.TransactionID(id),
		TenantID:       "tenant-1",
		MembershipID:   ledger.MembershipID(memberID),
		ProgramID:      "prog-1",
		RuleID:         "rule-1",
		Type:           ledger.TxEarning,
		PointsDelta:    points(delta),
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

// =============================================================================
// WRITER - Idempotency
// =============================================================================

func TestWriter_DuplicateKey_Dropped(t *testing.T) {
	// GIVEN: A transaction already recorded under key "k1"
	// WHEN: Appending another transaction with the same key
	// THEN: The second write is reported as a no-op, not an error

	ctx := context.Background()
	mem := store.NewMemory()
	writer := ledger.NewWriter(mem)

	now := time.Now()
	written, err := writer.Append(ctx, earningTx("tx-1", "m-1", "k1", 100, now))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = writer.Append(ctx, earningTx("tx-2", "m-1", "k1", 100, now))
	require.NoError(t, err)
	assert.False(t, written, "redelivery should be silently dropped")

	txs, err := mem.Load(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestWriter_AppendBatch_FiltersExistingKeys(t *testing.T) {
	// GIVEN: One of three rows was already written in a previous delivery
	// WHEN: Appending the full batch again
	// THEN: Only the two fresh rows are written

	ctx := context.Background()
	mem := store.NewMemory()
	writer := ledger.NewWriter(mem)

	now := time.Now()
	_, err := writer.Append(ctx, earningTx("tx-1", "m-1", "k1", 100, now))
	require.NoError(t, err)

	batch := []ledger.Transaction{
		earningTx("tx-1b", "m-1", "k1", 100, now),
		earningTx("tx-2", "m-1", "k2", 50, now),
		earningTx("tx-3", "m-1", "k3", 25, now),
	}
	written, err := writer.AppendBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.Equal(t, "k2", written[0].IdempotencyKey)
	assert.Equal(t, "k3", written[1].IdempotencyKey)

	txs, err := mem.Load(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestWriter_AppendBatch_FullRedelivery_WritesNothing(t *testing.T) {
	// GIVEN: A batch whose every key is already recorded
	// WHEN: Appending the batch
	// THEN: Nothing is written and no error is raised

	ctx := context.Background()
	mem := store.NewMemory()
	writer := ledger.NewWriter(mem)

	now := time.Now()
	batch := []ledger.Transaction{
		earningTx("tx-1", "m-1", "k1", 100, now),
		earningTx("tx-2", "m-1", "k2", 50, now),
	}
	first, err := writer.AppendBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := writer.AppendBatch(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestWriter_AppendBatch_ConcurrentRedelivery_Converges(t *testing.T) {
	// GIVEN: Two writers hammering the store with the same five keys
	// WHEN: Every delivery races every other one
	// THEN: No delivery errors out and each key lands exactly once

	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now()

	deliver := func(writerID string) error {
		writer := ledger.NewWriter(mem)
		for attempt := 0; attempt < 25; attempt++ {
			batch := make([]ledger.Transaction, 0, 5)
			for k := 0; k < 5; k++ {
				id := fmt.Sprintf("tx-%s-%d-%d", writerID, attempt, k)
				batch = append(batch, earningTx(id, "m-1", fmt.Sprintf("k%d", k), 10, now))
			}
			if _, err := writer.AppendBatch(ctx, batch); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return deliver("a") })
	g.Go(func() error { return deliver("b") })
	require.NoError(t, g.Wait())

	txs, err := mem.Load(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, txs, 5)

	keys := make(map[string]bool)
	for _, tx := range txs {
		keys[tx.IdempotencyKey] = true
	}
	assert.Len(t, keys, 5)
}

// =============================================================================
// PROJECTOR - Balance projection
// =============================================================================

func TestProjector_Apply_UpdatesBalanceAndVersion(t *testing.T) {
	// GIVEN: A membership with 100 points at version 0
	// WHEN: Applying +50
	// THEN: Balance is 150 and the version advanced

	ctx := context.Background()
	ms := store.NewMemoryMemberships()
	ms.Put(member("m-1", 100))

	projector := ledger.NewBalanceProjector(ms)
	balance, err := projector.Apply(ctx, "m-1", points(50), false)
	require.NoError(t, err)
	assert.True(t, balance.Equal(points(150)))

	m, err := ms.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, m.Points.Equal(points(150)))
	assert.Equal(t, int64(1), m.Version)
}

func TestProjector_NegativeResult_Rejected(t *testing.T) {
	// GIVEN: A membership with 100 points
	// WHEN: Applying -150 with allowNegative=false
	// THEN: InsufficientBalanceError carrying available and requested amounts

	ctx := context.Background()
	ms := store.NewMemoryMemberships()
	ms.Put(member("m-1", 100))

	projector := ledger.NewBalanceProjector(ms)
	_, err := projector.Apply(ctx, "m-1", points(150).Neg(), false)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(points(100)))
	assert.True(t, insufficient.Requested.Equal(points(150)))

	m, err := ms.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, m.Points.Equal(points(100)), "balance must be untouched")
}

func TestProjector_NegativeResult_AllowedForReversals(t *testing.T) {
	// GIVEN: A membership with 30 points
	// WHEN: Applying -100 with allowNegative=true (reversal semantics)
	// THEN: Balance goes to -70

	ctx := context.Background()
	ms := store.NewMemoryMemberships()
	ms.Put(member("m-1", 30))

	projector := ledger.NewBalanceProjector(ms)
	balance, err := projector.Apply(ctx, "m-1", points(100).Neg(), true)
	require.NoError(t, err)
	assert.True(t, balance.Equal(points(-70)))
}

func TestNetDelta_SumsSignedDeltas(t *testing.T) {
	now := time.Now()
	txs := []ledger.Transaction{
		earningTx("tx-1", "m-1", "k1", 100, now),
		earningTx("tx-2", "m-1", "k2", -40, now),
	}
	assert.True(t, ledger.NetDelta(txs).Equal(points(60)))
}

// =============================================================================
// REVERSAL - Compensating transactions
// =============================================================================

func TestReversal_NegatesOriginalAndUpdatesProjection(t *testing.T) {
	// GIVEN: An earning of 100 points, projected
	// WHEN: Reversing it
	// THEN: A REVERSAL row with delta -100 exists and the balance is back to 0

	ctx := context.Background()
	mem := store.NewMemory()
	ms := store.NewMemoryMemberships()
	ms.Put(member("m-1", 0))

	writer := ledger.NewWriter(mem)
	projector := ledger.NewBalanceProjector(ms)

	original := earningTx("tx-1", "m-1", "k1", 100, time.Now())
	_, err := writer.Append(ctx, original)
	require.NoError(t, err)
	_, err = projector.Apply(ctx, "m-1", original.PointsDelta, false)
	require.NoError(t, err)

	engine := ledger.NewReversalEngine(mem, ms)
	reversal, err := engine.Reverse(ctx, original.ID, "admin-1", "FRAUD")
	require.NoError(t, err)

	assert.Equal(t, ledger.TxReversal, reversal.Type)
	assert.Equal(t, original.ID, reversal.ReversalOf)
	assert.True(t, reversal.PointsDelta.Equal(points(-100)))
	assert.Equal(t, "admin-1", reversal.CreatedBy)

	m, err := ms.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, m.Points.IsZero())
}

func TestReversal_SecondAttempt_Rejected(t *testing.T) {
	// GIVEN: A transaction that was already reversed
	// WHEN: Reversing it again
	// THEN: AlreadyReversedError referencing the first reversal

	ctx := context.Background()
	mem := store.NewMemory()
	ms := store.NewMemoryMemberships()
	ms.Put(member("m-1", 100))

	original := earningTx("tx-1", "m-1", "k1", 100, time.Now())
	require.NoError(t, mem.Append(ctx, original))

	engine := ledger.NewReversalEngine(mem, ms)
	first, err := engine.Reverse(ctx, original.ID, "admin-1", "FRAUD")
	require.NoError(t, err)

	_, err = engine.Reverse(ctx, original.ID, "admin-1", "FRAUD")
	var already *ledger.AlreadyReversedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, original.ID, already.OriginalID)
	assert.Equal(t, first.ID, already.ReversalID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
}

func TestReversal_MissingOriginal_NotFound(t *testing.T) {
	ctx := context.Background()
	engine := ledger.NewReversalEngine(store.NewMemory(), store.NewMemoryMemberships())

	_, err := engine.Reverse(ctx, "no-such-tx", "admin-1", "OOPS")
	assert.True(t, ledger.IsNotFound(err))
}

func TestReversal_CanPushBalanceNegative(t *testing.T) {
	// GIVEN: An earning of 100 that was already spent down to 20
	// WHEN: Reversing the earning
	// THEN: The balance goes to -80; the drift is visible, not hidden

	ctx := context.Background()
	mem := store.NewMemory()
	ms := store.NewMemoryMemberships()
	ms.Put(member("m-1", 20))

	original := earningTx("tx-1", "m-1", "k1", 100, time.Now())
	require.NoError(t, mem.Append(ctx, original))

	engine := ledger.NewReversalEngine(mem, ms)
	_, err := engine.Reverse(ctx, original.ID, "", "FRAUD")
	require.NoError(t, err)

	m, err := ms.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, m.Points.Equal(points(-80)))
}
