/*
seed.go - Whole-tenant seed files

PURPOSE:
  Bootstraps a tenant from one YAML file: programs, rules, tier benefits,
  memberships, and enrollments. Everything flows through the catalog
  registry, so a seed gets the same validation, lifecycle guards, and
  version bumps as API publishes. Seeding is idempotent: re-applying a
  file republishes definitions (bumping versions) and leaves balances
  untouched.
*/
package factory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// SEED FILE
// =============================================================================

type Seed struct {
	TenantID string `yaml:"tenant_id"`

	Programs    []ProgramDef    `yaml:"programs,omitempty"`
	Rules       []RuleDef       `yaml:"rules,omitempty"`
	Benefits    []BenefitDef    `yaml:"benefits,omitempty"`
	Memberships []MembershipDef `yaml:"memberships,omitempty"`
	Enrollments []EnrollmentDef `yaml:"enrollments,omitempty"`
}

type MembershipDef struct {
	ID     string `yaml:"id"`
	UserID string `yaml:"user_id,omitempty"`
	TierID string `yaml:"tier_id,omitempty"`
	Status string `yaml:"status,omitempty"`
}

type EnrollmentDef struct {
	MembershipID string `yaml:"membership_id"`
	ProgramID    string `yaml:"program_id"`
	Status       string `yaml:"status,omitempty"`
}

// MembershipSaver is the slice of the storage layer seeding needs for
// membership records; the catalog registry covers the rest.
type MembershipSaver interface {
	SaveMembership(ctx context.Context, m ledger.Membership) error
	GetMembership(ctx context.Context, id ledger.MembershipID) (*ledger.Membership, error)
}

// LoadSeed reads and parses a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// Apply publishes every definition in the seed through the registry and
// creates the listed memberships and enrollments.
func Apply(ctx context.Context, seed *Seed, registry *catalog.Registry, memberships MembershipSaver) error {
	for _, def := range seed.Programs {
		if def.TenantID == "" {
			def.TenantID = seed.TenantID
		}
		p, err := Program(def)
		if err != nil {
			return err
		}
		if _, err := registry.PublishProgram(ctx, p); err != nil {
			return fmt.Errorf("program %s: %w", def.ID, err)
		}
	}

	for _, def := range seed.Rules {
		if def.TenantID == "" {
			def.TenantID = seed.TenantID
		}
		r, err := Rule(def)
		if err != nil {
			return err
		}
		if _, err := registry.PublishRule(ctx, r); err != nil {
			return fmt.Errorf("rule %s: %w", def.ID, err)
		}
	}

	for _, def := range seed.Benefits {
		if err := registry.PublishBenefit(ctx, Benefit(def)); err != nil {
			return fmt.Errorf("benefit %s/%s: %w", def.ProgramID, def.TierID, err)
		}
	}

	for _, def := range seed.Memberships {
		id := ledger.MembershipID(def.ID)
		// Existing memberships keep their balance and version; seeding never
		// resets a projection.
		if _, err := memberships.GetMembership(ctx, id); err == nil {
			continue
		} else if !ledger.IsNotFound(err) {
			return err
		}
		m := ledger.Membership{
			ID:       id,
			TenantID: ledger.TenantID(seed.TenantID),
			UserID:   def.UserID,
			TierID:   ledger.TierID(def.TierID),
			Status:   ledger.MembershipStatus(defaultString(def.Status, string(ledger.MembershipActive))),
		}
		if err := memberships.SaveMembership(ctx, m); err != nil {
			return fmt.Errorf("membership %s: %w", def.ID, err)
		}
	}

	for _, def := range seed.Enrollments {
		e := catalog.Enrollment{
			MembershipID: ledger.MembershipID(def.MembershipID),
			ProgramID:    ledger.ProgramID(def.ProgramID),
			Status:       catalog.EnrollmentStatus(defaultString(def.Status, string(catalog.EnrollmentActive))),
		}
		if err := registry.Enroll(ctx, e); err != nil {
			return fmt.Errorf("enrollment %s/%s: %w", def.MembershipID, def.ProgramID, err)
		}
	}
	return nil
}
