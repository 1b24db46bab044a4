/*
store.go - Persistence interfaces for the ledger and the projection

PURPOSE:
  Defines the interface between the engine and the database. The Store
  handles transaction persistence while maintaining append-only semantics.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

APPEND-ONLY CONTRACT:
  The Store interface enforces append-only semantics:
  - Append(): Single transaction write
  - AppendBatch(): Atomic multi-transaction write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  Every write carries an idempotency key. Implementations MUST enforce key
  uniqueness with a storage-level constraint, not only the Exists pre-check:
  the constraint is what closes the race window between check and write.

ATOMIC BATCHES:
  AppendBatch() ensures all-or-nothing semantics. When one event awards
  points under three rules (three transactions), either all three are
  written or none are. Balance projection never observes a partial event.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - ledger/store: In-memory for testing
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Transaction persistence (append-only)
// =============================================================================

// Store handles persistence of transactions.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
// Corrections are made via reversal transactions.
type Store interface {
	// Append persists a transaction. Returns ErrDuplicateIdempotencyKey if
	// the key exists. This and AppendBatch are the ONLY write operations.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch persists multiple transactions atomically.
	// Either all succeed or none do.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Load returns all transactions for a membership, ordered by CreatedAt.
	Load(ctx context.Context, membershipID MembershipID) ([]Transaction, error)

	// LoadRange returns the membership's transactions in [from, to).
	LoadRange(ctx context.Context, membershipID MembershipID, from, to time.Time) ([]Transaction, error)

	// Get returns a transaction by id, or ErrNotFound.
	Get(ctx context.Context, id TransactionID) (*Transaction, error)

	// Exists checks whether an idempotency key is already recorded.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// FindReversalOf returns the REVERSAL referencing the original, or nil.
	FindReversalOf(ctx context.Context, originalID TransactionID) (*Transaction, error)
}

// =============================================================================
// MEMBERSHIP STORE - Projection persistence with optimistic locking
// =============================================================================

// MembershipStore persists memberships and their projected balances.
// SetPoints uses compare-and-swap on Version so that concurrent projection
// updates for the same membership are detected rather than lost.
type MembershipStore interface {
	Get(ctx context.Context, id MembershipID) (*Membership, error)

	// ListByTenant returns all membership ids for a tenant. Used by the
	// Integrity Validator's batch sweep.
	ListByTenant(ctx context.Context, tenantID TenantID) ([]MembershipID, error)

	// SetPoints updates the projected balance if the stored Version still
	// equals expectedVersion, and increments Version. Returns
	// ErrConcurrentModification on a version mismatch.
	SetPoints(ctx context.Context, id MembershipID, points decimal.Decimal, expectedVersion int64) error
}
