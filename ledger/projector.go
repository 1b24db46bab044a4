/*
projector.go - Balance projection

PURPOSE:
  Maintains Membership.Points as a materialized view of the ledger. After a
  successful write, the projector applies the net delta of the rows just
  written; it does NOT recompute the full sum on every write (that is the
  Integrity Validator's job).

NEGATIVE BALANCE:
  Redemptions apply a negative delta. The projector re-reads the balance
  fresh and rejects the update with InsufficientBalance if the result would
  go negative. Combined with compare-and-swap on Membership.Version, this
  closes the race between concurrent redemptions on one membership.

RETRY:
  A CAS conflict means another writer updated the projection between our
  read and write. The projector re-reads and retries a bounded number of
  times; persistent conflict propagates ErrConcurrentModification.
*/
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE PROJECTOR
// =============================================================================

const projectorMaxRetries = 5

type BalanceProjector struct {
	Memberships MembershipStore
}

func NewBalanceProjector(memberships MembershipStore) *BalanceProjector {
	return &BalanceProjector{Memberships: memberships}
}

// Apply adds delta to the projected balance. When allowNegative is false the
// update is rejected with InsufficientBalanceError if the fresh balance plus
// delta is negative.
func (p *BalanceProjector) Apply(ctx context.Context, id MembershipID, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	for attempt := 0; attempt < projectorMaxRetries; attempt++ {
		m, err := p.Memberships.Get(ctx, id)
		if err != nil {
			return decimal.Zero, err
		}

		next := m.Points.Add(delta)
		if !allowNegative && next.IsNegative() {
			return decimal.Zero, &InsufficientBalanceError{
				MembershipID: id,
				Available:    m.Points,
				Requested:    delta.Neg(),
			}
		}

		err = p.Memberships.SetPoints(ctx, id, next, m.Version)
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return decimal.Zero, err
		}
		return next, nil
	}
	return decimal.Zero, ErrConcurrentModification
}

// NetDelta sums the points deltas of a batch of transactions.
func NetDelta(txs []Transaction) decimal.Decimal {
	net := decimal.Zero
	for _, tx := range txs {
		net = net.Add(tx.PointsDelta)
	}
	return net
}
