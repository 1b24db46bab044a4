/*
integrity.go - Ledger/projection reconciliation

PURPOSE:
  The projection (Membership.Points) is a cache. This validator is the
  defined repair procedure: it recomputes the balance from the ledger,
  audits idempotency keys and reversal references, and can force-correct
  the projection when drift is found.

CHECKS (independently runnable):
  a) Balance reconciliation: sum of deltas vs projected balance (0.01 tolerance)
  b) Idempotency audit: any key appearing on more than one row
  c) Reversal audit: REVERSAL rows whose reference is missing or unresolved
  d) FixBalance: overwrite the projection with the ledger-derived value

WRITE PATH vs READ PATH:
  The write path is designed to make violations structurally impossible;
  this validator raises ErrIntegrityViolation only from its read path and
  never mutates the ledger. FixBalance is the single place the projection
  may be corrected outside the normal write path.

CONCURRENCY:
  Per-tenant sweeps fan out per-membership checks through an errgroup with
  bounded parallelism. Callers must take the per-membership exclusion
  before invoking FixBalance; checks on other memberships may run freely
  alongside new writes.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// INTEGRITY VALIDATOR
// =============================================================================

type IntegrityValidator struct {
	Store       Store
	Memberships MembershipStore

	// SweepParallelism bounds concurrent per-membership checks in SweepTenant.
	SweepParallelism int
}

func NewIntegrityValidator(store Store, memberships MembershipStore) *IntegrityValidator {
	return &IntegrityValidator{Store: store, Memberships: memberships, SweepParallelism: 8}
}

// Report is the result of running all checks for one membership.
type Report struct {
	MembershipID  MembershipID
	LedgerBalance decimal.Decimal
	Projected     decimal.Decimal
	Drift         decimal.Decimal
	Violations    []IntegrityError
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

// CheckBalance recomputes the ledger sum and compares it to the projection.
func (v *IntegrityValidator) CheckBalance(ctx context.Context, id MembershipID) (Report, error) {
	m, err := v.Memberships.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	txs, err := v.Store.Load(ctx, id)
	if err != nil {
		return Report{}, err
	}

	sum := NetDelta(txs)
	report := Report{
		MembershipID:  id,
		LedgerBalance: sum,
		Projected:     m.Points,
		Drift:         m.Points.Sub(sum),
	}
	if report.Drift.Abs().GreaterThan(Tolerance) {
		report.Violations = append(report.Violations, IntegrityError{
			MembershipID: id,
			Check:        "balance",
			Detail:       fmt.Sprintf("projected %v, ledger %v", m.Points, sum),
		})
	}
	return report, nil
}

// AuditIdempotency flags idempotency keys shared by more than one row.
// Duplicate keys indicate a double-application bug, not redelivery: the
// write path is supposed to drop redelivered rows before they land.
func (v *IntegrityValidator) AuditIdempotency(ctx context.Context, id MembershipID) ([]IntegrityError, error) {
	txs, err := v.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]int)
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			byKey[tx.IdempotencyKey]++
		}
	}

	var violations []IntegrityError
	for key, n := range byKey {
		if n > 1 {
			violations = append(violations, IntegrityError{
				MembershipID: id,
				Check:        "idempotency",
				Detail:       fmt.Sprintf("key %q appears on %d transactions", key, n),
			})
		}
	}
	return violations, nil
}

// AuditReversals flags REVERSAL rows whose reference is empty or does not
// resolve to an existing transaction.
func (v *IntegrityValidator) AuditReversals(ctx context.Context, id MembershipID) ([]IntegrityError, error) {
	txs, err := v.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	byID := make(map[TransactionID]bool, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = true
	}

	var violations []IntegrityError
	for _, tx := range txs {
		if tx.Type != TxReversal {
			continue
		}
		switch {
		case tx.ReversalOf == "":
			violations = append(violations, IntegrityError{
				MembershipID: id,
				Check:        "reversal",
				Detail:       fmt.Sprintf("reversal %s has no original reference", tx.ID),
			})
		case !byID[tx.ReversalOf]:
			// The original may live on another membership only if data was
			// corrupted; check the store before flagging.
			if _, err := v.Store.Get(ctx, tx.ReversalOf); errors.Is(err, ErrNotFound) {
				violations = append(violations, IntegrityError{
					MembershipID: id,
					Check:        "reversal",
					Detail:       fmt.Sprintf("reversal %s references missing transaction %s", tx.ID, tx.ReversalOf),
				})
			} else if err != nil {
				return nil, err
			}
		}
	}
	return violations, nil
}

// Check runs all read-only checks for one membership.
func (v *IntegrityValidator) Check(ctx context.Context, id MembershipID) (Report, error) {
	report, err := v.CheckBalance(ctx, id)
	if err != nil {
		return Report{}, err
	}
	idem, err := v.AuditIdempotency(ctx, id)
	if err != nil {
		return Report{}, err
	}
	rev, err := v.AuditReversals(ctx, id)
	if err != nil {
		return Report{}, err
	}
	report.Violations = append(report.Violations, idem...)
	report.Violations = append(report.Violations, rev...)
	return report, nil
}

// FixBalance overwrites the projection with the ledger-derived value.
// Caller must hold the per-membership exclusion.
func (v *IntegrityValidator) FixBalance(ctx context.Context, id MembershipID) (Report, error) {
	report, err := v.CheckBalance(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if report.Drift.Abs().LessThanOrEqual(Tolerance) {
		return report, nil
	}

	for {
		m, err := v.Memberships.Get(ctx, id)
		if err != nil {
			return Report{}, err
		}
		err = v.Memberships.SetPoints(ctx, id, report.LedgerBalance, m.Version)
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return Report{}, err
		}
		report.Projected = report.LedgerBalance
		return report, nil
	}
}

// SweepTenant runs Check for every membership of the tenant.
func (v *IntegrityValidator) SweepTenant(ctx context.Context, tenantID TenantID) ([]Report, error) {
	ids, err := v.Memberships.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	reports := make([]Report, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallelism())
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			report, err := v.Check(gctx, id)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (v *IntegrityValidator) parallelism() int {
	if v.SweepParallelism < 1 {
		return 1
	}
	return v.SweepParallelism
}
