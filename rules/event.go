/*
Package rules evaluates reward rules against business events.

PURPOSE:
  Pure decision logic between the catalog (definitions) and the ledger
  (effects): which rules fire for an event, how many points each yields,
  how tier benefits modify the amount, and how overlapping rules are
  reconciled into the final award set.

PIPELINE (per event):
  EligibilityFilter -> FormulaEvaluator (+ tier multiplier) ->
  StackingResolver -> awards

  Everything here is a pure function over its inputs. Usage counters for
  day/month caps are read by the engine beforehand and passed in as a
  Usage snapshot, keeping the resolvers free of I/O.

SEE ALSO:
  - eligibility.go, formula.go, stacking.go
  - engine: the orchestrator feeding this pipeline
*/
package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// EVENT - The triggering business event
// =============================================================================

type Event struct {
	TenantID     ledger.TenantID
	MembershipID ledger.MembershipID
	Trigger      catalog.Trigger

	// Scope dimensions
	StoreID  string
	BranchID string
	Channel  string
	Category string
	SKU      string

	// Monetary context (optional; PURCHASE events usually carry it)
	Amount   *decimal.Decimal
	Currency string

	// ReferenceID is the external transaction/reference id; it anchors
	// idempotency for the default bucketing strategy.
	ReferenceID string

	// ParentEventID is the aggregate event this one belongs to, if any.
	ParentEventID string

	OccurredAt time.Time
	ActorID    string
	Metadata   map[string]string
}
