/*
expiration.go - Points expiration sweep

PURPOSE:
  Expires earning lots whose program policy says they are past due. Each
  EARNING row written under an expiration policy carries its own ExpiresAt
  (its "lot"); the sweep appends one negative EXPIRATION row per overdue
  lot. Nothing is deleted and the lot stays visible in history.

IDEMPOTENCY:
  The expiration key is derived from the lot's transaction id, so re-running
  a sweep (cron overlap, crash recovery) never expires the same lot twice.

CONSUMPTION:
  Only unconsumed points expire. Debits (redemptions, negative adjustments,
  reversals of such debits) are attributed to lots in expiry order, earliest
  expiring first, with unexpiring lots last; prior EXPIRATION rows are
  attributed to the exact lot they name. A lot's expirable remainder is its
  face value minus what that attribution assigns to it, so a lot that was
  fully spent before its deadline never expires points earned afterwards.
  A reversed lot is excluded outright; its reversal cancels the lot itself,
  not the shared debit pool.
*/
package engine

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// EXPIRER
// =============================================================================

const sweepParallelism = 8

type Expirer struct {
	Catalog     *catalog.Catalog
	Ledger      ledger.Store
	Memberships ledger.MembershipStore
	Writer      *ledger.Writer
	Projector   *ledger.BalanceProjector
	Locks       *MembershipLocks
	Now         func() time.Time
}

func NewExpirer(cat *catalog.Catalog, store ledger.Store, memberships ledger.MembershipStore, locks *MembershipLocks) *Expirer {
	return &Expirer{
		Catalog:     cat,
		Ledger:      store,
		Memberships: memberships,
		Writer:      ledger.NewWriter(store),
		Projector:   ledger.NewBalanceProjector(memberships),
		Locks:       locks,
		Now:         time.Now,
	}
}

// SweepResult summarizes one membership sweep.
type SweepResult struct {
	MembershipID  ledger.MembershipID
	LotsExpired   int
	PointsExpired decimal.Decimal
}

// lot is one EARNING row with its unconsumed remainder for this sweep.
type lot struct {
	tx        ledger.Transaction
	remaining decimal.Decimal
	settled   bool // an EXPIRATION row already references this lot
}

// SweepMembership expires the unconsumed remainder of every overdue lot.
func (e *Expirer) SweepMembership(ctx context.Context, membershipID ledger.MembershipID) (*SweepResult, error) {
	now := e.Now()

	unlock := e.Locks.Lock(membershipID)
	defer unlock()

	if _, err := e.Memberships.Get(ctx, membershipID); err != nil {
		return nil, err
	}
	txs, err := e.Ledger.Load(ctx, membershipID)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{MembershipID: membershipID, PointsExpired: decimal.Zero}
	policies := make(map[ledger.ProgramID]catalog.ExpirationPolicy)

	for _, l := range attributeConsumption(txs) {
		if l.tx.ExpiresAt == nil || l.settled || !l.remaining.IsPositive() {
			continue
		}

		policy, ok := policies[l.tx.ProgramID]
		if !ok {
			program, err := e.Catalog.GetProgram(ctx, l.tx.ProgramID)
			if err != nil {
				if ledger.IsNotFound(err) {
					// Program deleted after earning; the lot's own ExpiresAt
					// still governs, with no grace period.
					policy = catalog.ExpirationPolicy{Enabled: true}
				} else {
					return nil, err
				}
			} else {
				policy = program.Expiration
			}
			policies[l.tx.ProgramID] = policy
		}
		if now.Before(policy.Deadline(*l.tx.ExpiresAt)) {
			continue
		}

		expired, err := e.expireLot(ctx, l.tx, l.remaining, now)
		if err != nil {
			return nil, err
		}
		if expired == nil {
			continue
		}

		result.LotsExpired++
		result.PointsExpired = result.PointsExpired.Sub(expired.PointsDelta)
	}

	if result.LotsExpired > 0 {
		log.Printf("[Expirer] Membership %s: expired %d lots, %s points",
			membershipID, result.LotsExpired, result.PointsExpired)
	}
	return result, nil
}

// attributeConsumption replays the ledger and assigns every debit to a lot.
// EXPIRATION rows bind to the lot they name; the remaining debit pool is
// absorbed by lots in expiry order. The returned slice is in that order.
func attributeConsumption(txs []ledger.Transaction) []*lot {
	earnings := make(map[ledger.TransactionID]bool, len(txs))
	for _, tx := range txs {
		if tx.Type == ledger.TxEarning {
			earnings[tx.ID] = true
		}
	}

	reversed := make(map[ledger.TransactionID]bool)
	expiredByLot := make(map[string]decimal.Decimal)
	pool := decimal.Zero

	for _, tx := range txs {
		switch tx.Type {
		case ledger.TxReversal:
			if earnings[tx.ReversalOf] {
				reversed[tx.ReversalOf] = true
				continue
			}
			// Reversing a redemption or clawback hands its debit back.
			pool = pool.Sub(tx.PointsDelta)
		case ledger.TxRedeem:
			pool = pool.Sub(tx.PointsDelta)
		case ledger.TxAdjustment:
			// Positive adjustments are unexpiring credit; they absorb debits
			// only after every lot is consumed, so they stay out of the pool.
			if tx.PointsDelta.IsNegative() {
				pool = pool.Sub(tx.PointsDelta)
			}
		case ledger.TxExpiration:
			if id := tx.Metadata["lot"]; id != "" {
				expiredByLot[id] = expiredByLot[id].Sub(tx.PointsDelta)
			}
		}
	}

	var lots []*lot
	for _, tx := range txs {
		if tx.Type != ledger.TxEarning || reversed[tx.ID] {
			continue
		}
		remaining := tx.PointsDelta.Sub(expiredByLot[string(tx.ID)])
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		lots = append(lots, &lot{
			tx:        tx,
			remaining: remaining,
			settled:   !expiredByLot[string(tx.ID)].IsZero(),
		})
	}

	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i].tx, lots[j].tx
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt != nil:
			if !a.ExpiresAt.Equal(*b.ExpiresAt) {
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		case a.ExpiresAt != nil:
			return true
		case b.ExpiresAt != nil:
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	for _, l := range lots {
		if !pool.IsPositive() {
			break
		}
		take := decimal.Min(l.remaining, pool)
		l.remaining = l.remaining.Sub(take)
		pool = pool.Sub(take)
	}
	return lots
}

// expireLot writes the EXPIRATION row for one lot's remainder and applies it
// to the projection. Returns nil when the lot was already settled.
func (e *Expirer) expireLot(ctx context.Context, lotTx ledger.Transaction, amount decimal.Decimal, now time.Time) (*ledger.Transaction, error) {
	key := ledger.ExpirationKey(lotTx.ID)
	exists, err := e.Ledger.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	tx := ledger.Transaction{
		ID:             ledger.TransactionID(uuid.NewString()),
		TenantID:       lotTx.TenantID,
		MembershipID:   lotTx.MembershipID,
		ProgramID:      lotTx.ProgramID,
		Type:           ledger.TxExpiration,
		PointsDelta:    amount.Neg(),
		IdempotencyKey: key,
		ReasonCode:     "POINTS_EXPIRED",
		CorrelationID:  lotTx.CorrelationID,
		CreatedBy:      "system",
		Metadata:       map[string]string{"lot": string(lotTx.ID)},
		CreatedAt:      now,
	}

	written, err := e.Writer.Append(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !written {
		return nil, nil
	}
	if _, err := e.Projector.Apply(ctx, lotTx.MembershipID, tx.PointsDelta, false); err != nil {
		return nil, err
	}
	return &tx, nil
}

// SweepTenant runs the sweep for every membership of a tenant, a few at a
// time. Returns the per-membership results in no particular order.
func (e *Expirer) SweepTenant(ctx context.Context, tenantID ledger.TenantID) ([]SweepResult, error) {
	ids, err := e.Memberships.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]SweepResult, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := e.SweepMembership(ctx, id)
			if err != nil {
				return err
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
