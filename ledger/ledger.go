/*
ledger.go - Append-only transaction writer

PURPOSE:
  The Writer is the single entry point for putting rows into the ledger.
  Every earning, redemption, adjustment, reversal, and expiration is
  recorded here. Balances are always derivable by replaying transactions.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. ATOMIC: All rows for one event commit together or not at all
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

REDELIVERY SAFETY:
  Webhooks retry. Queues redeliver. The Writer treats a duplicate
  idempotency key as "already processed": the row is silently dropped and
  the write reported as a no-op, never surfaced as an error to the caller.
  The storage-level unique constraint closes the check-then-write race.

CORRECTIONS:
  If a mistake is made, you don't edit the transaction. Instead:
  1. Create a REVERSAL transaction (opposite sign)
  2. Both original and reversal remain in the ledger
  3. Net effect is correction, but history is preserved

SEE ALSO:
  - store.go: Low-level persistence interface
  - reversal.go: Compensating transactions
*/
package ledger

import (
	"context"
	"errors"
)

// =============================================================================
// WRITER
// =============================================================================

// Writer appends transactions, filtering out rows whose idempotency key is
// already recorded.
type Writer struct {
	Store Store
}

func NewWriter(store Store) *Writer {
	return &Writer{Store: store}
}

// Append writes one transaction. Returns (false, nil) when the row was a
// duplicate and therefore skipped.
func (w *Writer) Append(ctx context.Context, tx Transaction) (bool, error) {
	if tx.IdempotencyKey != "" {
		exists, err := w.Store.Exists(ctx, tx.IdempotencyKey)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	err := w.Store.Append(ctx, tx)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost the race to a concurrent delivery of the same event.
		// The row exists, which is what the caller wanted.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendBatch writes all transactions atomically, dropping rows whose
// idempotency key already exists. Returns the rows actually written.
//
// A concurrent delivery can win the race between the pre-check and the
// write; the batch is re-filtered against the store and retried. Every
// retry removes at least the key that lost the race, so the loop
// terminates, in the worst case with an empty batch.
func (w *Writer) AppendBatch(ctx context.Context, txs []Transaction) ([]Transaction, error) {
	fresh := txs
	for {
		var err error
		fresh, err = w.filterExisting(ctx, fresh)
		if err != nil {
			return nil, err
		}
		if len(fresh) == 0 {
			return nil, nil
		}

		err = w.Store.AppendBatch(ctx, fresh)
		if err == nil {
			return fresh, nil
		}
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, err
		}
	}
}

func (w *Writer) filterExisting(ctx context.Context, txs []Transaction) ([]Transaction, error) {
	fresh := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			exists, err := w.Store.Exists(ctx, tx.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
		}
		fresh = append(fresh, tx)
	}
	return fresh, nil
}
