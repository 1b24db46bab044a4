/*
usage.go - Ledger-backed usage counters

PURPOSE:
  Reads the day/month award totals and last-award timestamps the resolvers
  need, in one pass over the membership's recent ledger rows. The stacking
  resolver and the cooldown check are pure; this is the I/O that feeds
  them.

COUNTING:
  EARNING rows add to the rule and program counters. REVERSAL rows that
  reference a rule (reversals of earnings) carry the negated delta and are
  counted in the window of the earning they undo, so a reversed award
  frees exactly the cap room it consumed and nothing else. REDEEM,
  ADJUSTMENT, and EXPIRATION rows never count against earning caps.

WINDOWS:
  Day and month are calendar windows in UTC around the event timestamp.
  The read range is widened backwards when a cooldown horizon predates the
  month start, so the last-award lookup sees far enough back.
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/ledger"
	"github.com/atlas/loyalty-engine/rules"
)

// =============================================================================
// USAGE READER
// =============================================================================

type UsageReader struct {
	Ledger ledger.Store
}

func NewUsageReader(store ledger.Store) *UsageReader {
	return &UsageReader{Ledger: store}
}

// Snapshot reads the usage counters for the calendar day and month of `at`,
// plus the last EARNING timestamp per rule since `horizon`. The horizon is
// the earliest instant any candidate rule's cooldown could reach back to.
func (r *UsageReader) Snapshot(ctx context.Context, membershipID ledger.MembershipID, at, horizon time.Time) (rules.Usage, map[ledger.RuleID]time.Time, error) {
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)

	from := monthStart
	if horizon.Before(from) {
		from = horizon
	}

	txs, err := r.Ledger.LoadRange(ctx, membershipID, from, at.Add(time.Nanosecond))
	if err != nil {
		return rules.Usage{}, nil, err
	}

	usage := rules.Usage{
		RuleDay:      make(map[ledger.RuleID]decimal.Decimal),
		RuleMonth:    make(map[ledger.RuleID]decimal.Decimal),
		ProgramDay:   make(map[ledger.ProgramID]decimal.Decimal),
		ProgramMonth: make(map[ledger.ProgramID]decimal.Decimal),
	}
	lastAward := make(map[ledger.RuleID]time.Time)

	for _, tx := range txs {
		countedAt := tx.CreatedAt

		switch tx.Type {
		case ledger.TxEarning:
			if last, ok := lastAward[tx.RuleID]; !ok || tx.CreatedAt.After(last) {
				lastAward[tx.RuleID] = tx.CreatedAt
			}
		case ledger.TxReversal:
			if tx.RuleID == "" {
				continue
			}
			// The negated delta belongs to the window the earning consumed,
			// not to the window the reversal happened to be written in.
			original, err := r.Ledger.Get(ctx, tx.ReversalOf)
			if err != nil {
				if ledger.IsNotFound(err) {
					continue
				}
				return rules.Usage{}, nil, err
			}
			countedAt = original.CreatedAt
		default:
			continue
		}

		if !countedAt.Before(monthStart) {
			usage.RuleMonth[tx.RuleID] = usage.RuleMonth[tx.RuleID].Add(tx.PointsDelta)
			usage.ProgramMonth[tx.ProgramID] = usage.ProgramMonth[tx.ProgramID].Add(tx.PointsDelta)
		}
		if !countedAt.Before(dayStart) {
			usage.RuleDay[tx.RuleID] = usage.RuleDay[tx.RuleID].Add(tx.PointsDelta)
			usage.ProgramDay[tx.ProgramID] = usage.ProgramDay[tx.ProgramID].Add(tx.PointsDelta)
		}
	}
	return usage, lastAward, nil
}
