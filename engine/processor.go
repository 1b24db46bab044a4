/*
Package engine orchestrates event processing over the catalog, the rules
pipeline, and the ledger.

PURPOSE:
  The Processor is the write path of the loyalty engine. For each business
  event it resolves the tenant's rule set, runs the pure decision pipeline
  (eligibility, formulas, tier benefits, stacking), and commits the
  resulting award set to the ledger atomically. Redemption, manual
  adjustment, and reversal flow through the same per-membership exclusion.

PROCESSING PIPELINE (one event):
  1. Acquire the membership lock.
  2. Load membership, rule set, enrollments.
  3. EligibilityFilter: which rules can fire.
  4. Cooldown filter against last-award timestamps.
  5. FormulaEvaluator + tier multiplier per surviving rule.
  6. StackingResolver: conflict groups, program stacking, caps.
  7. Derive idempotency keys, append the award batch atomically.
  8. Apply the net delta to the balance projection.

REDELIVERY:
  Steps 1-6 recompute on every delivery; step 7 drops rows whose
  idempotency key already exists. A full redelivery writes nothing and
  reports Duplicate.

SEE ALSO:
  - usage.go: ledger-backed counters feeding the cap and cooldown checks
  - expiration.go: the expiration sweep
*/
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
	"github.com/atlas/loyalty-engine/rules"
)

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	Catalog     *catalog.Catalog
	Ledger      ledger.Store
	Memberships ledger.MembershipStore

	Writer    *ledger.Writer
	Projector *ledger.BalanceProjector
	Reversals *ledger.ReversalEngine
	Usage     *UsageReader
	Locks     *MembershipLocks

	filter   rules.EligibilityFilter
	formulas rules.FormulaEvaluator
	stacking rules.StackingResolver

	Now func() time.Time
}

func NewProcessor(cat *catalog.Catalog, store ledger.Store, memberships ledger.MembershipStore) *Processor {
	return &Processor{
		Catalog:     cat,
		Ledger:      store,
		Memberships: memberships,
		Writer:      ledger.NewWriter(store),
		Projector:   ledger.NewBalanceProjector(memberships),
		Reversals:   ledger.NewReversalEngine(store, memberships),
		Usage:       NewUsageReader(store),
		Locks:       NewMembershipLocks(),
		Now:         time.Now,
	}
}

// Result reports what one operation did to the ledger.
type Result struct {
	CorrelationID string
	Transactions  []ledger.Transaction // rows actually written
	TotalPoints   decimal.Decimal      // net delta of the written rows
	Balance       decimal.Decimal      // projected balance after the write
	Duplicate     bool                 // true when every row was a redelivery
}

// =============================================================================
// PROCESS EVENT - The earning path
// =============================================================================

// ProcessEvent evaluates the event against the tenant's live rule set and
// appends the award set. Safe to call repeatedly with the same event.
func (p *Processor) ProcessEvent(ctx context.Context, ev rules.Event) (*Result, error) {
	if ev.TenantID == "" || ev.MembershipID == "" {
		return nil, fmt.Errorf("%w: event requires tenant id and membership id", ledger.ErrInvalidRuleDefinition)
	}
	now := p.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	unlock := p.Locks.Lock(ev.MembershipID)
	defer unlock()

	membership, err := p.Memberships.Get(ctx, ev.MembershipID)
	if err != nil {
		return nil, err
	}
	rs, err := p.Catalog.RuleSet(ctx, ev.TenantID)
	if err != nil {
		return nil, err
	}
	enrollments, err := p.Catalog.Enrollments(ctx, ev.MembershipID)
	if err != nil {
		return nil, err
	}

	matched := p.filter.Match(now, ev, *membership, enrollments, rs)
	if len(matched) == 0 {
		return &Result{Balance: membership.Points}, nil
	}

	benefits, err := p.resolveBenefits(ctx, matched, membership.TierID)
	if err != nil {
		return nil, err
	}

	usage, lastAward, err := p.Usage.Snapshot(ctx, ev.MembershipID, ev.OccurredAt, cooldownHorizon(now, matched, benefits))
	if err != nil {
		return nil, err
	}

	candidates := p.buildCandidates(matched, rs, benefits, lastAward, ev, now)
	awards := p.stacking.Resolve(candidates, usage)
	if len(awards) == 0 {
		return &Result{Balance: membership.Points}, nil
	}

	correlationID := uuid.NewString()
	txs := make([]ledger.Transaction, 0, len(awards))
	for _, a := range awards {
		txs = append(txs, p.earningTransaction(a, ev, correlationID, now))
	}

	written, err := p.Writer.AppendBatch(ctx, txs)
	if err != nil {
		return nil, err
	}
	if len(written) == 0 {
		// Full redelivery: every key already recorded.
		return &Result{CorrelationID: correlationID, Balance: membership.Points, Duplicate: true}, nil
	}

	net := ledger.NetDelta(written)
	balance, err := p.Projector.Apply(ctx, ev.MembershipID, net, false)
	if err != nil {
		return nil, err
	}
	return &Result{
		CorrelationID: correlationID,
		Transactions:  written,
		TotalPoints:   net,
		Balance:       balance,
	}, nil
}

// resolveBenefits looks up the tier benefit once per distinct program.
func (p *Processor) resolveBenefits(ctx context.Context, matched []catalog.RewardRule, tierID ledger.TierID) (map[ledger.ProgramID]catalog.TierBenefit, error) {
	benefits := make(map[ledger.ProgramID]catalog.TierBenefit)
	for _, rule := range matched {
		if _, ok := benefits[rule.ProgramID]; ok {
			continue
		}
		b, err := p.Catalog.Benefit(ctx, rule.ProgramID, tierID)
		if err != nil {
			return nil, err
		}
		benefits[rule.ProgramID] = b
	}
	return benefits, nil
}

// cooldownHorizon returns the earliest instant any matched rule's effective
// cooldown reaches back to. Rules without a cooldown contribute nothing.
func cooldownHorizon(now time.Time, matched []catalog.RewardRule, benefits map[ledger.ProgramID]catalog.TierBenefit) time.Time {
	horizon := now
	for _, rule := range matched {
		hours := benefits[rule.ProgramID].ApplyCooldownReduction(rule.Limits.CooldownHours)
		if hours <= 0 {
			continue
		}
		if h := now.Add(-time.Duration(hours) * time.Hour); h.Before(horizon) {
			horizon = h
		}
	}
	return horizon
}

func (p *Processor) buildCandidates(
	matched []catalog.RewardRule,
	rs *catalog.RuleSet,
	benefits map[ledger.ProgramID]catalog.TierBenefit,
	lastAward map[ledger.RuleID]time.Time,
	ev rules.Event,
	now time.Time,
) []rules.Candidate {

	var candidates []rules.Candidate
	for _, rule := range matched {
		benefit := benefits[rule.ProgramID]

		if hours := benefit.ApplyCooldownReduction(rule.Limits.CooldownHours); hours > 0 {
			if last, ok := lastAward[rule.ID]; ok && now.Sub(last) < time.Duration(hours)*time.Hour {
				continue
			}
		}

		base, err := p.formulas.Evaluate(rule.Formula, ev.Amount)
		if err != nil {
			// A malformed formula skips its rule, never the whole event.
			log.Printf("[Engine] Rule %s: formula error: %v", rule.ID, err)
			continue
		}
		points := benefit.ApplyMultiplier(base, ev.Category)
		if !points.IsPositive() {
			continue
		}

		program, _ := rs.Program(rule.ProgramID)
		candidates = append(candidates, rules.Candidate{
			Rule:    rule,
			Program: program,
			Benefit: benefit,
			Points:  points,
		})
	}
	return candidates
}

func (p *Processor) earningTransaction(a rules.Award, ev rules.Event, correlationID string, now time.Time) ledger.Transaction {
	key := ledger.DeriveKey(a.Rule.Idempotency.KeyScope(), ledger.KeyInput{
		TenantID:      ev.TenantID,
		MembershipID:  ev.MembershipID,
		RuleID:        a.Rule.ID,
		EventRef:      ev.ReferenceID,
		ParentEventID: ev.ParentEventID,
		OccurredAt:    ev.OccurredAt,
	})

	tx := ledger.Transaction{
		ID:             ledger.TransactionID(uuid.NewString()),
		TenantID:       ev.TenantID,
		MembershipID:   ev.MembershipID,
		ProgramID:      a.Program.ID,
		RuleID:         a.Rule.ID,
		Type:           ledger.TxEarning,
		PointsDelta:    a.Points,
		IdempotencyKey: key,
		EarningDomain:  a.Rule.EarningDomain,
		SourceEventID:  ev.ReferenceID,
		CorrelationID:  correlationID,
		CreatedBy:      actorOrSystem(ev.ActorID),
		BranchID:       ev.BranchID,
		ExpiresAt:      a.Program.Expiration.ExpiresAt(now),
		Metadata:       ev.Metadata,
		CreatedAt:      now,
	}
	// Monetary context is recorded only for purchase-sourced earnings; other
	// triggers may carry an amount for eligibility checks without it being
	// part of the ledger row.
	if ev.Amount != nil && ev.Trigger == catalog.TriggerPurchase {
		amount := *ev.Amount
		tx.Amount = &amount
		tx.Currency = ev.Currency
	}
	return tx
}

// =============================================================================
// REDEEM - The spending path
// =============================================================================

type RedeemRequest struct {
	TenantID     ledger.TenantID
	MembershipID ledger.MembershipID
	ProgramID    ledger.ProgramID
	Points       decimal.Decimal

	// ReferenceID anchors idempotency: one redemption per reference.
	ReferenceID string

	RewardID string
	ActorID  string
	Reason   string
	Metadata map[string]string
}

// Redeem spends points. The balance check, the append, and the projection
// update all happen under the membership lock; concurrent redemptions for
// one membership serialize here, and the projector's non-negative guard is
// the cross-process backstop.
func (p *Processor) Redeem(ctx context.Context, req RedeemRequest) (*Result, error) {
	if !req.Points.IsPositive() {
		return nil, fmt.Errorf("%w: redemption points must be positive", ledger.ErrInvalidRuleDefinition)
	}
	if req.ReferenceID == "" {
		return nil, fmt.Errorf("%w: redemption requires a reference id", ledger.ErrInvalidRuleDefinition)
	}
	now := p.Now()

	unlock := p.Locks.Lock(req.MembershipID)
	defer unlock()

	membership, err := p.Memberships.Get(ctx, req.MembershipID)
	if err != nil {
		return nil, err
	}
	if membership.Status != ledger.MembershipActive {
		return nil, fmt.Errorf("%w: membership %s is not active", ledger.ErrInvalidRuleDefinition, req.MembershipID)
	}

	if req.ProgramID != "" {
		program, err := p.Catalog.GetProgram(ctx, req.ProgramID)
		if err != nil {
			return nil, err
		}
		if req.Points.LessThan(program.MinPointsToRedeem) {
			return nil, fmt.Errorf("%w: program %s requires at least %s points per redemption",
				ledger.ErrInvalidRuleDefinition, req.ProgramID, program.MinPointsToRedeem)
		}
	}

	if membership.Points.LessThan(req.Points) {
		return nil, &ledger.InsufficientBalanceError{
			MembershipID: req.MembershipID,
			Available:    membership.Points,
			Requested:    req.Points,
		}
	}

	tx := ledger.Transaction{
		ID:             ledger.TransactionID(uuid.NewString()),
		TenantID:       req.TenantID,
		MembershipID:   req.MembershipID,
		ProgramID:      req.ProgramID,
		Type:           ledger.TxRedeem,
		PointsDelta:    req.Points.Neg(),
		IdempotencyKey: ledger.RedeemKey(req.MembershipID, req.ReferenceID),
		ReasonCode:     req.Reason,
		SourceEventID:  req.ReferenceID,
		CorrelationID:  uuid.NewString(),
		CreatedBy:      actorOrSystem(req.ActorID),
		RewardID:       req.RewardID,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}

	written, err := p.Writer.Append(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !written {
		return &Result{Balance: membership.Points, Duplicate: true}, nil
	}

	balance, err := p.Projector.Apply(ctx, req.MembershipID, tx.PointsDelta, false)
	if err != nil {
		return nil, err
	}
	return &Result{
		CorrelationID: tx.CorrelationID,
		Transactions:  []ledger.Transaction{tx},
		TotalPoints:   tx.PointsDelta,
		Balance:       balance,
	}, nil
}

// =============================================================================
// ADJUST - Manual corrections
// =============================================================================

type AdjustRequest struct {
	TenantID     ledger.TenantID
	MembershipID ledger.MembershipID
	Points       decimal.Decimal // signed
	ReferenceID  string
	Reason       string
	ActorID      string
	Metadata     map[string]string
}

// Adjust appends a manual correction. Negative adjustments cannot take the
// balance below zero.
func (p *Processor) Adjust(ctx context.Context, req AdjustRequest) (*Result, error) {
	if req.Points.IsZero() {
		return nil, fmt.Errorf("%w: adjustment points must be non-zero", ledger.ErrInvalidRuleDefinition)
	}
	if req.ReferenceID == "" {
		return nil, fmt.Errorf("%w: adjustment requires a reference id", ledger.ErrInvalidRuleDefinition)
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: adjustment requires a reason code", ledger.ErrInvalidRuleDefinition)
	}

	unlock := p.Locks.Lock(req.MembershipID)
	defer unlock()

	membership, err := p.Memberships.Get(ctx, req.MembershipID)
	if err != nil {
		return nil, err
	}

	tx := ledger.Transaction{
		ID:             ledger.TransactionID(uuid.NewString()),
		TenantID:       req.TenantID,
		MembershipID:   req.MembershipID,
		Type:           ledger.TxAdjustment,
		PointsDelta:    req.Points,
		IdempotencyKey: ledger.AdjustmentKey(req.MembershipID, req.ReferenceID),
		ReasonCode:     req.Reason,
		SourceEventID:  req.ReferenceID,
		CorrelationID:  uuid.NewString(),
		CreatedBy:      actorOrSystem(req.ActorID),
		Metadata:       req.Metadata,
		CreatedAt:      p.Now(),
	}

	written, err := p.Writer.Append(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !written {
		return &Result{Balance: membership.Points, Duplicate: true}, nil
	}

	balance, err := p.Projector.Apply(ctx, req.MembershipID, tx.PointsDelta, false)
	if err != nil {
		return nil, err
	}
	return &Result{
		CorrelationID: tx.CorrelationID,
		Transactions:  []ledger.Transaction{tx},
		TotalPoints:   tx.PointsDelta,
		Balance:       balance,
	}, nil
}

// =============================================================================
// REVERSE - Compensating transactions
// =============================================================================

// ReverseTransaction undoes one ledger row under the membership lock.
func (p *Processor) ReverseTransaction(ctx context.Context, originalID ledger.TransactionID, actor, reason string) (*ledger.Transaction, error) {
	original, err := p.Ledger.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}

	unlock := p.Locks.Lock(original.MembershipID)
	defer unlock()

	return p.Reversals.Reverse(ctx, originalID, actorOrSystem(actor), reason)
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
