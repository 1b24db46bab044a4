/*
catalog.go - Read API and lifecycle registry

PURPOSE:
  Two faces of the same store:

  Catalog  - what the engine sees. Read-only, versioned, cached. Returns
             the live rule set for a tenant (active programs joined with
             their active rules) plus tier benefits and enrollments.

  Registry - what administration uses. Publish with validation and version
             bumps, activate/deactivate, delete with lifecycle guards.

CACHING:
  The engine resolves the tenant rule set on every event. Rule sets are
  compiled once per tenant and kept in an LRU cache; any Registry write
  for the tenant invalidates its entry.
*/
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// STORE - Persistence interface for definitions
// =============================================================================

type Store interface {
	SaveProgram(ctx context.Context, p LoyaltyProgram) error
	GetProgram(ctx context.Context, id ledger.ProgramID) (*LoyaltyProgram, error)
	ProgramsByTenant(ctx context.Context, tenantID ledger.TenantID) ([]LoyaltyProgram, error)
	DeleteProgram(ctx context.Context, id ledger.ProgramID) error

	SaveRule(ctx context.Context, r RewardRule) error
	GetRule(ctx context.Context, id ledger.RuleID) (*RewardRule, error)
	RulesByTenant(ctx context.Context, tenantID ledger.TenantID) ([]RewardRule, error)
	CountActiveRules(ctx context.Context, programID ledger.ProgramID) (int, error)

	SaveBenefit(ctx context.Context, b TierBenefit) error
	GetBenefit(ctx context.Context, programID ledger.ProgramID, tierID ledger.TierID) (*TierBenefit, error)

	SaveEnrollment(ctx context.Context, e Enrollment) error
	EnrollmentsByMembership(ctx context.Context, membershipID ledger.MembershipID) ([]Enrollment, error)
	CountActiveEnrollments(ctx context.Context, programID ledger.ProgramID) (int, error)
}

// =============================================================================
// RULE SET - Compiled per-tenant view
// =============================================================================

// RuleSet is the live catalog for one tenant: active programs with their
// active rules, ordered for deterministic evaluation (program priority
// desc, then rule priority desc, then rule id).
type RuleSet struct {
	TenantID ledger.TenantID
	Programs map[ledger.ProgramID]LoyaltyProgram
	Rules    []RewardRule

	// ProgramOrder preserves catalog order for the FIRST_MATCH strategy.
	ProgramOrder []ledger.ProgramID

	CompiledAt time.Time
}

// Program returns the program for a rule, or false if absent.
func (rs *RuleSet) Program(id ledger.ProgramID) (LoyaltyProgram, bool) {
	p, ok := rs.Programs[id]
	return p, ok
}

// =============================================================================
// CATALOG - Cached read API
// =============================================================================

const ruleSetCacheSize = 256

type Catalog struct {
	store Store
	cache *lru.Cache[ledger.TenantID, *RuleSet]
	Now   func() time.Time
}

func NewCatalog(store Store) (*Catalog, error) {
	cache, err := lru.New[ledger.TenantID, *RuleSet](ruleSetCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{store: store, cache: cache, Now: time.Now}, nil
}

// RuleSet returns the compiled live rule set for a tenant.
func (c *Catalog) RuleSet(ctx context.Context, tenantID ledger.TenantID) (*RuleSet, error) {
	if rs, ok := c.cache.Get(tenantID); ok {
		return rs, nil
	}
	rs, err := c.compile(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(tenantID, rs)
	return rs, nil
}

// Invalidate drops the cached rule set for a tenant.
func (c *Catalog) Invalidate(tenantID ledger.TenantID) {
	c.cache.Remove(tenantID)
}

// Benefit returns the tier benefit for (program, tier), or the neutral
// benefit when none exists or it is inactive.
func (c *Catalog) Benefit(ctx context.Context, programID ledger.ProgramID, tierID ledger.TierID) (TierBenefit, error) {
	b, err := c.store.GetBenefit(ctx, programID, tierID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return NeutralBenefit(programID, tierID), nil
		}
		return TierBenefit{}, err
	}
	if b == nil || b.Status != StatusActive {
		return NeutralBenefit(programID, tierID), nil
	}
	return *b, nil
}

// Enrollments returns all enrollments for a membership.
func (c *Catalog) Enrollments(ctx context.Context, membershipID ledger.MembershipID) ([]Enrollment, error) {
	return c.store.EnrollmentsByMembership(ctx, membershipID)
}

// GetProgram exposes the raw program definition (engine reads the program's
// expiration and limit config through the rule set; this is for the API).
func (c *Catalog) GetProgram(ctx context.Context, id ledger.ProgramID) (*LoyaltyProgram, error) {
	return c.store.GetProgram(ctx, id)
}

func (c *Catalog) compile(ctx context.Context, tenantID ledger.TenantID) (*RuleSet, error) {
	now := c.Now()

	programs, err := c.store.ProgramsByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rs := &RuleSet{
		TenantID:   tenantID,
		Programs:   make(map[ledger.ProgramID]LoyaltyProgram),
		CompiledAt: now,
	}
	for _, p := range programs {
		if !p.IsLive(now) {
			continue
		}
		rs.Programs[p.ID] = p
		rs.ProgramOrder = append(rs.ProgramOrder, p.ID)
	}

	rules, err := c.store.RulesByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if !r.IsLive(now) {
			continue
		}
		if _, ok := rs.Programs[r.ProgramID]; !ok {
			continue
		}
		rs.Rules = append(rs.Rules, r)
	}

	sort.SliceStable(rs.Rules, func(i, j int) bool {
		pi, pj := rs.Programs[rs.Rules[i].ProgramID], rs.Programs[rs.Rules[j].ProgramID]
		if pi.PriorityRank != pj.PriorityRank {
			return pi.PriorityRank > pj.PriorityRank
		}
		if rs.Rules[i].Conflict.PriorityRank != rs.Rules[j].Conflict.PriorityRank {
			return rs.Rules[i].Conflict.PriorityRank > rs.Rules[j].Conflict.PriorityRank
		}
		return rs.Rules[i].ID < rs.Rules[j].ID
	})
	return rs, nil
}

// =============================================================================
// REGISTRY - Lifecycle operations with guards
// =============================================================================

type Registry struct {
	store   Store
	catalog *Catalog
}

func NewRegistry(store Store, catalog *Catalog) *Registry {
	return &Registry{store: store, catalog: catalog}
}

// PublishProgram validates and saves a program, bumping the version when a
// previous definition exists. Enforces the single-active-BASE invariant.
func (r *Registry) PublishProgram(ctx context.Context, p LoyaltyProgram) (LoyaltyProgram, error) {
	if err := ValidateProgram(p); err != nil {
		return LoyaltyProgram{}, err
	}

	if p.Type == ProgramBase && p.Status == StatusActive {
		existing, err := r.store.ProgramsByTenant(ctx, p.TenantID)
		if err != nil {
			return LoyaltyProgram{}, err
		}
		for _, other := range existing {
			if other.ID != p.ID && other.Type == ProgramBase && other.Status == StatusActive {
				return LoyaltyProgram{}, invalid(
					"tenant %s already has active BASE program %s", p.TenantID, other.ID)
			}
		}
	}

	prev, err := r.store.GetProgram(ctx, p.ID)
	if err != nil && !ledger.IsNotFound(err) {
		return LoyaltyProgram{}, err
	}
	if prev != nil {
		p.Version = prev.Version + 1
	} else if p.Version == 0 {
		p.Version = 1
	}

	if err := r.store.SaveProgram(ctx, p); err != nil {
		return LoyaltyProgram{}, err
	}
	r.catalog.Invalidate(p.TenantID)
	return p, nil
}

// PublishRule validates and saves a rule, bumping the version when a
// previous definition exists.
func (r *Registry) PublishRule(ctx context.Context, rule RewardRule) (RewardRule, error) {
	if err := ValidateRule(rule); err != nil {
		return RewardRule{}, err
	}
	if _, err := r.store.GetProgram(ctx, rule.ProgramID); err != nil {
		return RewardRule{}, fmt.Errorf("program %s: %w", rule.ProgramID, err)
	}

	prev, err := r.store.GetRule(ctx, rule.ID)
	if err != nil && !ledger.IsNotFound(err) {
		return RewardRule{}, err
	}
	if prev != nil {
		rule.Version = prev.Version + 1
	} else if rule.Version == 0 {
		rule.Version = 1
	}

	if err := r.store.SaveRule(ctx, rule); err != nil {
		return RewardRule{}, err
	}
	r.catalog.Invalidate(rule.TenantID)
	return rule, nil
}

// PublishBenefit validates and saves a tier benefit.
func (r *Registry) PublishBenefit(ctx context.Context, b TierBenefit) error {
	if err := ValidateBenefit(b); err != nil {
		return err
	}
	return r.store.SaveBenefit(ctx, b)
}

// DeactivateProgram marks a program inactive.
func (r *Registry) DeactivateProgram(ctx context.Context, id ledger.ProgramID) error {
	p, err := r.store.GetProgram(ctx, id)
	if err != nil {
		return err
	}
	p.Status = StatusInactive
	p.Version++
	if err := r.store.SaveProgram(ctx, *p); err != nil {
		return err
	}
	r.catalog.Invalidate(p.TenantID)
	return nil
}

// DeleteProgram removes a program definition. Guards:
//   - an active BASE program must be deactivated first
//   - a program with active rules or enrollments cannot be deleted
func (r *Registry) DeleteProgram(ctx context.Context, id ledger.ProgramID) error {
	p, err := r.store.GetProgram(ctx, id)
	if err != nil {
		return err
	}
	if p.Type == ProgramBase && p.Status == StatusActive {
		return invalid("program %s: active BASE program cannot be deleted; deactivate first", id)
	}
	rules, err := r.store.CountActiveRules(ctx, id)
	if err != nil {
		return err
	}
	if rules > 0 {
		return invalid("program %s: %d active reward rules", id, rules)
	}
	enrollments, err := r.store.CountActiveEnrollments(ctx, id)
	if err != nil {
		return err
	}
	if enrollments > 0 {
		return invalid("program %s: %d active enrollments", id, enrollments)
	}
	if err := r.store.DeleteProgram(ctx, id); err != nil {
		return err
	}
	r.catalog.Invalidate(p.TenantID)
	return nil
}

// Enroll creates or replaces an enrollment.
func (r *Registry) Enroll(ctx context.Context, e Enrollment) error {
	if e.MembershipID == "" || e.ProgramID == "" {
		return invalid("enrollment requires membership id and program id")
	}
	if e.Status == "" {
		e.Status = EnrollmentActive
	}
	return r.store.SaveEnrollment(ctx, e)
}
