/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (ledger.Store, ledger.MembershipStore,
  catalog.Store) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The transaction store enforces append-only semantics:
  - No UPDATE statements on transactions table
  - No DELETE statements on transactions table
  - Corrections via reversal transactions only

KEY TABLES:
  transactions: Immutable points ledger, one row per change
  memberships:  Projected balances with a version column for CAS
  programs:     Loyalty program definitions (versioned JSON)
  rules:        Reward rule definitions (versioned JSON)
  benefits:     Tier benefit definitions
  enrollments:  Membership-to-program links

IDEMPOTENCY:
  idempotency_key carries a UNIQUE index. The constraint, not the Exists
  pre-check, is what closes the race between two deliveries of one event.

DEFINITION STORAGE:
  Program, rule, benefit, and enrollment definitions are stored as JSON
  documents with the query dimensions (tenant, status, type) broken out
  into columns. Definitions are read whole by the catalog compiler, never
  queried field-by-field.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Ledger interface definitions
  - catalog/catalog.go: Catalog interface definition
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transactions (append-only points ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		membership_id TEXT NOT NULL,
		program_id TEXT,
		rule_id TEXT,
		tx_type TEXT NOT NULL,
		points_delta TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		reversal_of TEXT,
		reason_code TEXT,
		earning_domain TEXT,
		amount TEXT,
		currency TEXT,
		source_event_id TEXT,
		correlation_id TEXT,
		created_by TEXT,
		branch_id TEXT,
		reward_id TEXT,
		expires_at TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Balance replay and range queries (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_membership_created
		ON transactions(membership_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- One reversal per original, enforced at the storage level
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reversal_of
		ON transactions(reversal_of) WHERE reversal_of IS NOT NULL AND reversal_of != '';

	-- Expiration sweep lookups
	CREATE INDEX IF NOT EXISTS idx_transactions_expires_at
		ON transactions(expires_at) WHERE expires_at IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_transactions_correlation
		ON transactions(correlation_id) WHERE correlation_id IS NOT NULL;

	-- Memberships (balance projection; version column guards CAS updates)
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT,
		tier_id TEXT,
		points TEXT NOT NULL DEFAULT '0',
		total_spent TEXT NOT NULL DEFAULT '0',
		total_visits INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_tenant
		ON memberships(tenant_id);

	-- Programs (versioned definitions)
	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		program_type TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		definition_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_programs_tenant
		ON programs(tenant_id);

	-- Reward rules (versioned definitions)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		definition_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_tenant
		ON rules(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_rules_program
		ON rules(program_id);

	-- Tier benefits
	CREATE TABLE IF NOT EXISTS benefits (
		program_id TEXT NOT NULL,
		tier_id TEXT NOT NULL,
		status TEXT NOT NULL,
		definition_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (program_id, tier_id)
	);

	-- Enrollments
	CREATE TABLE IF NOT EXISTS enrollments (
		membership_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		status TEXT NOT NULL,
		definition_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (membership_id, program_id)
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_program
		ON enrollments(program_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendTx(ctx, s.db, tx)
}

func (s *Store) appendTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, tx ledger.Transaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	var amount sql.NullString
	if tx.Amount != nil {
		amount = sql.NullString{String: tx.Amount.String(), Valid: true}
	}
	var expiresAt sql.NullString
	if tx.ExpiresAt != nil {
		expiresAt = sql.NullString{String: tx.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	query := `
		INSERT INTO transactions
		(id, tenant_id, membership_id, program_id, rule_id, tx_type, points_delta,
		 idempotency_key, reversal_of, reason_code, earning_domain, amount, currency,
		 source_event_id, correlation_id, created_by, branch_id, reward_id,
		 expires_at, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		tx.ID,
		tx.TenantID,
		tx.MembershipID,
		tx.ProgramID,
		tx.RuleID,
		tx.Type,
		tx.PointsDelta.String(),
		nullString(tx.IdempotencyKey),
		nullString(string(tx.ReversalOf)),
		tx.ReasonCode,
		tx.EarningDomain,
		amount,
		tx.Currency,
		tx.SourceEventID,
		tx.CorrelationID,
		tx.CreatedBy,
		tx.BranchID,
		tx.RewardID,
		expiresAt,
		string(metadataJSON),
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idx_transactions_reversal_of") {
				return ledger.ErrAlreadyReversed
			}
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return nil
}

// AppendBatch adds multiple transactions atomically.
func (s *Store) AppendBatch(ctx context.Context, txs []ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicate idempotency keys within the batch first
	keys := make(map[string]bool)
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			if keys[tx.IdempotencyKey] {
				return ledger.ErrDuplicateIdempotencyKey
			}
			keys[tx.IdempotencyKey] = true
		}
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, tx := range txs {
		if err := s.appendTx(ctx, sqlTx, tx); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

const txColumns = `id, tenant_id, membership_id, program_id, rule_id, tx_type, points_delta,
	idempotency_key, reversal_of, reason_code, earning_domain, amount, currency,
	source_event_id, correlation_id, created_by, branch_id, reward_id,
	expires_at, metadata_json, created_at`

// Load returns all transactions for a membership, ordered by creation time.
func (s *Store) Load(ctx context.Context, membershipID ledger.MembershipID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE membership_id = ?
		ORDER BY created_at ASC, id ASC
	`

	return s.queryTransactions(ctx, query, membershipID)
}

// LoadRange returns the membership's transactions in [from, to).
func (s *Store) LoadRange(ctx context.Context, membershipID ledger.MembershipID, from, to time.Time) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE membership_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC, id ASC
	`

	return s.queryTransactions(ctx, query, membershipID,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
}

// Get returns a transaction by id.
func (s *Store) Get(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`
	txs, err := s.queryTransactions(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return &txs[0], nil
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

// FindReversalOf returns the REVERSAL referencing the original, or nil.
func (s *Store) FindReversalOf(ctx context.Context, originalID ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + txColumns + ` FROM transactions WHERE reversal_of = ?`
	txs, err := s.queryTransactions(ctx, query, originalID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx             ledger.Transaction
		pointsDelta    string
		idempotencyKey sql.NullString
		reversalOf     sql.NullString
		amount         sql.NullString
		expiresAt      sql.NullString
		metadataJSON   sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.TenantID, &tx.MembershipID, &tx.ProgramID, &tx.RuleID,
		&tx.Type, &pointsDelta, &idempotencyKey, &reversalOf, &tx.ReasonCode,
		&tx.EarningDomain, &amount, &tx.Currency, &tx.SourceEventID,
		&tx.CorrelationID, &tx.CreatedBy, &tx.BranchID, &tx.RewardID,
		&expiresAt, &metadataJSON, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.PointsDelta = ledger.MustParseDecimal(pointsDelta)
	tx.IdempotencyKey = idempotencyKey.String
	tx.ReversalOf = ledger.TransactionID(reversalOf.String)
	if amount.Valid {
		a := ledger.MustParseDecimal(amount.String)
		tx.Amount = &a
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		tx.ExpiresAt = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return tx, nil
}

// =============================================================================
// MEMBERSHIP STORE (ledger.MembershipStore interface)
// =============================================================================

// Memberships exposes the membership projection as a ledger.MembershipStore.
// A separate type because both the transaction store and the projection have
// a Get.
type Memberships struct {
	s *Store
}

func (s *Store) Memberships() *Memberships {
	return &Memberships{s: s}
}

func (m *Memberships) Get(ctx context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	return m.s.getMembership(ctx, id)
}

func (m *Memberships) ListByTenant(ctx context.Context, tenantID ledger.TenantID) ([]ledger.MembershipID, error) {
	return m.s.listMembershipsByTenant(ctx, tenantID)
}

func (m *Memberships) SetPoints(ctx context.Context, id ledger.MembershipID, points decimal.Decimal, expectedVersion int64) error {
	return m.s.setPoints(ctx, id, points, expectedVersion)
}

// SaveMembership creates or replaces a membership record. Used by seeding
// and membership administration, never by the projection (see setPoints).
func (s *Store) SaveMembership(ctx context.Context, m ledger.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO memberships
		(id, tenant_id, user_id, tier_id, points, total_spent, total_visits, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			user_id = excluded.user_id,
			tier_id = excluded.tier_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.TenantID, m.UserID, m.TierID,
		m.Points.String(), m.TotalSpent.String(), m.TotalVisits,
		m.Status, m.Version, now, now,
	)
	return err
}

// GetMembership retrieves a membership by id.
func (s *Store) GetMembership(ctx context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	return s.getMembership(ctx, id)
}

func (s *Store) getMembership(ctx context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		m          ledger.Membership
		points     string
		totalSpent string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, user_id, tier_id, points, total_spent, total_visits, status, version FROM memberships WHERE id = ?",
		id,
	).Scan(&m.ID, &m.TenantID, &m.UserID, &m.TierID, &points, &totalSpent, &m.TotalVisits, &m.Status, &m.Version)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("membership %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	m.Points = ledger.MustParseDecimal(points)
	m.TotalSpent = ledger.MustParseDecimal(totalSpent)
	return &m, nil
}

func (s *Store) listMembershipsByTenant(ctx context.Context, tenantID ledger.TenantID) ([]ledger.MembershipID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM memberships WHERE tenant_id = ? ORDER BY id", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []ledger.MembershipID
	for rows.Next() {
		var id ledger.MembershipID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTenants returns every tenant that has at least one membership.
// Used by the sweep scheduler to enumerate work.
func (s *Store) ListTenants(ctx context.Context) ([]ledger.TenantID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT tenant_id FROM memberships ORDER BY tenant_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []ledger.TenantID
	for rows.Next() {
		var id ledger.TenantID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// setPoints updates the projected balance with compare-and-swap on the
// version column. A version mismatch means another writer got there first.
func (s *Store) setPoints(ctx context.Context, id ledger.MembershipID, points decimal.Decimal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET points = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		points.String(), time.Now().UTC().Format(time.RFC3339Nano), id, expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the membership is gone or the version moved under us.
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM memberships WHERE id = ?", id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("membership %s: %w", id, ledger.ErrNotFound)
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// CATALOG STORE (catalog.Store interface)
// =============================================================================

// SaveProgram saves a program definition.
func (s *Store) SaveProgram(ctx context.Context, p catalog.LoyaltyProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	definition, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode program: %w", err)
	}

	query := `
		INSERT INTO programs (id, tenant_id, program_type, status, version, definition_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			program_type = excluded.program_type,
			status = excluded.status,
			version = excluded.version,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.TenantID, p.Type, p.Status, p.Version, string(definition),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetProgram retrieves a program by id.
func (s *Store) GetProgram(ctx context.Context, id ledger.ProgramID) (*catalog.LoyaltyProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var definition string
	err := s.db.QueryRowContext(ctx,
		"SELECT definition_json FROM programs WHERE id = ?", id).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("program %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var p catalog.LoyaltyProgram
	if err := json.Unmarshal([]byte(definition), &p); err != nil {
		return nil, fmt.Errorf("failed to decode program %s: %w", id, err)
	}
	return &p, nil
}

// ProgramsByTenant returns all program definitions for a tenant.
func (s *Store) ProgramsByTenant(ctx context.Context, tenantID ledger.TenantID) ([]catalog.LoyaltyProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT definition_json FROM programs WHERE tenant_id = ? ORDER BY id", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var programs []catalog.LoyaltyProgram
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var p catalog.LoyaltyProgram
		if err := json.Unmarshal([]byte(definition), &p); err != nil {
			return nil, fmt.Errorf("failed to decode program: %w", err)
		}
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// DeleteProgram removes a program definition. Lifecycle guards live in the
// catalog registry, not here.
func (s *Store) DeleteProgram(ctx context.Context, id ledger.ProgramID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM programs WHERE id = ?", id)
	return err
}

// SaveRule saves a rule definition.
func (s *Store) SaveRule(ctx context.Context, r catalog.RewardRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	definition, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	query := `
		INSERT INTO rules (id, tenant_id, program_id, status, version, definition_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			program_id = excluded.program_id,
			status = excluded.status,
			version = excluded.version,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.ProgramID, r.Status, r.Version, string(definition),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetRule retrieves a rule by id.
func (s *Store) GetRule(ctx context.Context, id ledger.RuleID) (*catalog.RewardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var definition string
	err := s.db.QueryRowContext(ctx,
		"SELECT definition_json FROM rules WHERE id = ?", id).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var r catalog.RewardRule
	if err := json.Unmarshal([]byte(definition), &r); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", id, err)
	}
	return &r, nil
}

// RulesByTenant returns all rule definitions for a tenant.
func (s *Store) RulesByTenant(ctx context.Context, tenantID ledger.TenantID) ([]catalog.RewardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT definition_json FROM rules WHERE tenant_id = ? ORDER BY id", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []catalog.RewardRule
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var r catalog.RewardRule
		if err := json.Unmarshal([]byte(definition), &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountActiveRules counts active rules attached to a program.
func (s *Store) CountActiveRules(ctx context.Context, programID ledger.ProgramID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rules WHERE program_id = ? AND status = ?",
		programID, catalog.StatusActive,
	).Scan(&count)
	return count, err
}

// SaveBenefit saves a tier benefit definition.
func (s *Store) SaveBenefit(ctx context.Context, b catalog.TierBenefit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	definition, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode benefit: %w", err)
	}

	query := `
		INSERT INTO benefits (program_id, tier_id, status, definition_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(program_id, tier_id) DO UPDATE SET
			status = excluded.status,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		b.ProgramID, b.TierID, b.Status, string(definition),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetBenefit retrieves the benefit for a (program, tier) pair.
func (s *Store) GetBenefit(ctx context.Context, programID ledger.ProgramID, tierID ledger.TierID) (*catalog.TierBenefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var definition string
	err := s.db.QueryRowContext(ctx,
		"SELECT definition_json FROM benefits WHERE program_id = ? AND tier_id = ?",
		programID, tierID,
	).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("benefit %s/%s: %w", programID, tierID, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var b catalog.TierBenefit
	if err := json.Unmarshal([]byte(definition), &b); err != nil {
		return nil, fmt.Errorf("failed to decode benefit: %w", err)
	}
	return &b, nil
}

// SaveEnrollment creates or replaces an enrollment.
func (s *Store) SaveEnrollment(ctx context.Context, e catalog.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	definition, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode enrollment: %w", err)
	}

	query := `
		INSERT INTO enrollments (membership_id, program_id, status, definition_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(membership_id, program_id) DO UPDATE SET
			status = excluded.status,
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		e.MembershipID, e.ProgramID, e.Status, string(definition),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// EnrollmentsByMembership returns all enrollments for a membership.
func (s *Store) EnrollmentsByMembership(ctx context.Context, membershipID ledger.MembershipID) ([]catalog.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT definition_json FROM enrollments WHERE membership_id = ? ORDER BY program_id",
		membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []catalog.Enrollment
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var e catalog.Enrollment
		if err := json.Unmarshal([]byte(definition), &e); err != nil {
			return nil, fmt.Errorf("failed to decode enrollment: %w", err)
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// CountActiveEnrollments counts active enrollments in a program.
func (s *Store) CountActiveEnrollments(ctx context.Context, programID ledger.ProgramID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM enrollments WHERE program_id = ? AND status = ?",
		programID, catalog.EnrollmentActive,
	).Scan(&count)
	return count, err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
