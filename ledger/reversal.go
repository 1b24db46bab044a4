/*
reversal.go - Compensating transactions

PURPOSE:
  Reversals are how history gets corrected without being rewritten. Given
  an original transaction id, the engine appends a new REVERSAL row with
  the negated delta and a reference back to the original. Nothing is ever
  deleted.

RULES:
  - The original must exist (ErrNotFound otherwise).
  - An original can be reversed at most once (ErrAlreadyReversed).
  - The reversal's delta is exactly -original.PointsDelta.
  - The projection is updated exactly as for a normal write.

CALLER CONTRACT:
  Callers must hold the same per-membership exclusion used for event
  processing; see engine.Processor.ReverseTransaction.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REVERSAL ENGINE
// =============================================================================

type ReversalEngine struct {
	Store     Store
	Writer    *Writer
	Projector *BalanceProjector
	Now       func() time.Time
}

func NewReversalEngine(store Store, memberships MembershipStore) *ReversalEngine {
	return &ReversalEngine{
		Store:     store,
		Writer:    NewWriter(store),
		Projector: NewBalanceProjector(memberships),
		Now:       time.Now,
	}
}

// Reverse creates the compensating transaction for originalID and applies
// the negated delta to the projection.
func (r *ReversalEngine) Reverse(ctx context.Context, originalID TransactionID, actor, reasonCode string) (*Transaction, error) {
	original, err := r.Store.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}

	existing, err := r.Store.FindReversalOf(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &AlreadyReversedError{OriginalID: originalID, ReversalID: existing.ID}
	}

	reversal := Transaction{
		ID:             TransactionID(uuid.NewString()),
		TenantID:       original.TenantID,
		MembershipID:   original.MembershipID,
		ProgramID:      original.ProgramID,
		RuleID:         original.RuleID,
		Type:           TxReversal,
		PointsDelta:    original.PointsDelta.Neg(),
		IdempotencyKey: ReversalKey(originalID),
		ReversalOf:     originalID,
		ReasonCode:     reasonCode,
		CorrelationID:  original.CorrelationID,
		CreatedBy:      actor,
		CreatedAt:      r.Now(),
	}

	written, err := r.Writer.Append(ctx, reversal)
	if err != nil {
		return nil, err
	}
	if !written {
		// Idempotency key collision without a FindReversalOf hit should not
		// happen; treat it as the reversal already existing.
		existing, err := r.Store.FindReversalOf(ctx, originalID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &AlreadyReversedError{OriginalID: originalID, ReversalID: existing.ID}
		}
		return nil, ErrAlreadyReversed
	}

	// Reversals may push the balance negative (e.g. reversing an earning the
	// customer already spent); that is correct and visible to the validator.
	if _, err := r.Projector.Apply(ctx, reversal.MembershipID, reversal.PointsDelta, true); err != nil {
		return nil, err
	}
	return &reversal, nil
}
