package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/factory"
	"github.com/atlas/loyalty-engine/ledger"
	"github.com/atlas/loyalty-engine/store/sqlite"
)

// =============================================================================
// DEFINITION CONVERSION
// =============================================================================

func TestProgram_Defaults(t *testing.T) {
	// GIVEN: A minimal program definition
	// WHEN: Converting
	// THEN: Type defaults to PROMO, status to ACTIVE, stacking to allowed

	p, err := factory.Program(factory.ProgramDef{ID: "p-1", TenantID: "tenant-1", Name: "Promo"})
	require.NoError(t, err)
	assert.Equal(t, catalog.ProgramPromo, p.Type)
	assert.Equal(t, catalog.StatusActive, p.Status)
	assert.True(t, p.Stacking.Allowed)
	assert.False(t, p.Expiration.Enabled)
}

func TestProgram_FullDefinition(t *testing.T) {
	min := 50.0
	def := factory.ProgramDef{
		ID:                "p-1",
		TenantID:          "tenant-1",
		Type:              "BASE",
		MinPointsToRedeem: &min,
		Stacking:          &factory.StackingDef{Allowed: true, MaxProgramsPerEvent: 2, SelectionStrategy: "BEST_VALUE"},
		Expiration:        &factory.ExpirationDef{Enabled: true, DaysToExpire: 365, GracePeriodDays: 30},
		ActiveFrom:        "2025-01-01",
		ActiveTo:          "2025-12-31T23:59:59Z",
	}
	p, err := factory.Program(def)
	require.NoError(t, err)
	assert.Equal(t, catalog.ProgramBase, p.Type)
	assert.True(t, p.MinPointsToRedeem.Equal(decimalFrom(t, "50")))
	assert.Equal(t, 2, p.Stacking.MaxProgramsPerEvent)
	assert.Equal(t, catalog.SelectBestValue, p.Stacking.SelectionStrategy)
	assert.Equal(t, catalog.ExpireSimple, p.Expiration.Type, "expiration type defaults to simple")
	assert.Equal(t, 365, p.Expiration.DaysToExpire)
	require.NotNil(t, p.ActiveFrom)
	assert.Equal(t, 2025, p.ActiveFrom.Year())
	require.NotNil(t, p.ActiveTo)
}

func TestProgram_BadTimestamp(t *testing.T) {
	_, err := factory.Program(factory.ProgramDef{ID: "p-1", ActiveFrom: "yesterday"})
	assert.Error(t, err)
}

func TestRule_Defaults(t *testing.T) {
	// GIVEN: A rule definition with no conflict or idempotency block
	// WHEN: Converting
	// THEN: Conflict defaults to exclusive, idempotency to the default strategy

	r, err := factory.Rule(factory.RuleDef{
		ID:        "r-1",
		ProgramID: "p-1",
		TenantID:  "tenant-1",
		Trigger:   "PURCHASE",
		Formula:   factory.FormulaDef{Kind: "rate", RatePerUnit: 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, catalog.StackExclusive, r.Conflict.StackPolicy)
	assert.Equal(t, ledger.BucketDefault, r.Idempotency.Strategy)
	assert.Equal(t, catalog.StatusActive, r.Status)
	assert.True(t, r.Formula.RatePerUnit.Equal(decimalFrom(t, "0.1")))
}

func TestRule_EligibilityAndLimits(t *testing.T) {
	min := 25.0
	cap := 100.0
	r, err := factory.Rule(factory.RuleDef{
		ID:        "r-1",
		ProgramID: "p-1",
		TenantID:  "tenant-1",
		Trigger:   "PURCHASE",
		Formula:   factory.FormulaDef{Kind: "fixed", FixedPoints: 10},
		Eligibility: &factory.EligibilityDef{
			Tiers:     []string{"gold", "platinum"},
			MinAmount: &min,
			From:      "2025-06-01",
		},
		Limits:      &factory.RuleLimitsDef{CooldownHours: 24, PerDayCap: &cap},
		Idempotency: &factory.IdempotencyDef{Strategy: "per-day", BucketTimezone: "America/New_York"},
	})
	require.NoError(t, err)
	assert.Equal(t, []ledger.TierID{"gold", "platinum"}, r.Eligibility.Tiers)
	require.NotNil(t, r.Eligibility.MinAmount)
	assert.True(t, r.Eligibility.MinAmount.Equal(decimalFrom(t, "25")))
	require.NotNil(t, r.Eligibility.From)
	assert.Equal(t, 24, r.Limits.CooldownHours)
	require.NotNil(t, r.Limits.PerDayCap)
	assert.Equal(t, ledger.BucketPerDay, r.Idempotency.Strategy)
	assert.Equal(t, "America/New_York", r.Idempotency.BucketTimezone)
}

func TestBenefit_Conversion(t *testing.T) {
	mult := 2.0
	catMult := 3.0
	b := factory.Benefit(factory.BenefitDef{
		ProgramID:         "p-1",
		TierID:            "gold",
		PointsMultiplier:  &mult,
		CooldownReduction: 6,
		CategoryBenefits: map[string]factory.CategoryBenefitDef{
			"coffee": {PointsMultiplier: &catMult},
		},
	})
	assert.Equal(t, catalog.StatusActive, b.Status)
	require.NotNil(t, b.PointsMultiplier)
	assert.True(t, b.PointsMultiplier.Equal(decimalFrom(t, "2")))
	assert.Equal(t, 6, b.CooldownReduction)
	require.Contains(t, b.CategoryBenefits, "coffee")
	assert.True(t, b.CategoryBenefits["coffee"].PointsMultiplier.Equal(decimalFrom(t, "3")))
}

// =============================================================================
// SEED FILES
// =============================================================================

const seedYAML = `
tenant_id: tenant-1
programs:
  - id: base-rewards
    name: Base Rewards
    type: BASE
    stacking: {allowed: true}
rules:
  - id: purchase-base
    program_id: base-rewards
    trigger: PURCHASE
    earning_domain: BASE_PURCHASE
    formula: {kind: rate, rate_per_unit: 0.1}
benefits:
  - program_id: base-rewards
    tier_id: gold
    points_multiplier: 2
memberships:
  - id: m-1
    tier_id: gold
  - id: m-2
enrollments:
  - membership_id: m-1
    program_id: base-rewards
  - membership_id: m-2
    program_id: base-rewards
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSeed_ParsesYAML(t *testing.T) {
	seed, err := factory.LoadSeed(writeSeedFile(t, seedYAML))
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", seed.TenantID)
	assert.Len(t, seed.Programs, 1)
	assert.Len(t, seed.Rules, 1)
	assert.Len(t, seed.Benefits, 1)
	assert.Len(t, seed.Memberships, 2)
	assert.Len(t, seed.Enrollments, 2)
}

func TestLoadSeed_MissingOrMalformed(t *testing.T) {
	_, err := factory.LoadSeed(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = factory.LoadSeed(writeSeedFile(t, "programs: {not: [a, list"))
	assert.Error(t, err)
}

func TestApply_BootstrapsTenant(t *testing.T) {
	// GIVEN: A parsed seed file and an empty store
	// WHEN: Applying it
	// THEN: Programs, rules, benefits, memberships, and enrollments all land

	ctx := context.Background()
	store, cat, registry := newSeedFixture(t)

	seed, err := factory.LoadSeed(writeSeedFile(t, seedYAML))
	require.NoError(t, err)
	require.NoError(t, factory.Apply(ctx, seed, registry, store))

	program, err := store.GetProgram(ctx, "base-rewards")
	require.NoError(t, err)
	assert.Equal(t, 1, program.Version)
	assert.Equal(t, ledger.TenantID("tenant-1"), program.TenantID, "tenant id inherited from the seed header")

	rule, err := store.GetRule(ctx, "purchase-base")
	require.NoError(t, err)
	assert.Equal(t, ledger.TenantID("tenant-1"), rule.TenantID)

	benefit, err := cat.Benefit(ctx, "base-rewards", "gold")
	require.NoError(t, err)
	require.NotNil(t, benefit.PointsMultiplier)

	m, err := store.GetMembership(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierID("gold"), m.TierID)
	assert.Equal(t, ledger.MembershipActive, m.Status)

	es, err := cat.Enrollments(ctx, "m-2")
	require.NoError(t, err)
	assert.Len(t, es, 1)
}

func TestApply_Reapply_PreservesBalances(t *testing.T) {
	// GIVEN: A seeded tenant whose member has since earned points
	// WHEN: The same seed is applied again
	// THEN: Definitions republish with bumped versions; the balance survives

	ctx := context.Background()
	store, _, registry := newSeedFixture(t)

	seed, err := factory.LoadSeed(writeSeedFile(t, seedYAML))
	require.NoError(t, err)
	require.NoError(t, factory.Apply(ctx, seed, registry, store))

	projector := ledger.NewBalanceProjector(store.Memberships())
	_, err = projector.Apply(ctx, "m-1", decimalFrom(t, "120"), false)
	require.NoError(t, err)

	require.NoError(t, factory.Apply(ctx, seed, registry, store))

	program, err := store.GetProgram(ctx, "base-rewards")
	require.NoError(t, err)
	assert.Equal(t, 2, program.Version)

	m, err := store.GetMembership(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, m.Points.Equal(decimalFrom(t, "120")))
}

// =============================================================================
// HELPERS
// =============================================================================

func decimalFrom(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func newSeedFixture(t *testing.T) (*sqlite.Store, *catalog.Catalog, *catalog.Registry) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.NewCatalog(store)
	require.NoError(t, err)
	return store, cat, catalog.NewRegistry(store, cat)
}
