// Package store provides in-memory Store implementations for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory ledger (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	byMember    map[ledger.MembershipID][]ledger.Transaction
	byID        map[ledger.TransactionID]ledger.Transaction
	idempotency map[string]bool
	reversals   map[ledger.TransactionID]ledger.TransactionID // original -> reversal
}

func NewMemory() *Memory {
	return &Memory{
		byMember:    make(map[ledger.MembershipID][]ledger.Transaction),
		byID:        make(map[ledger.TransactionID]ledger.Transaction),
		idempotency: make(map[string]bool),
		reversals:   make(map[ledger.TransactionID]ledger.TransactionID),
	}
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.appendLocked(tx)
	return nil
}

// AppendBatch adds multiple transactions atomically.
func (m *Memory) AppendBatch(_ context.Context, txs []ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all idempotency keys first (atomic check)
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[tx.IdempotencyKey] || seen[tx.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}

	for _, tx := range txs {
		m.appendLocked(tx)
	}
	return nil
}

func (m *Memory) appendLocked(tx ledger.Transaction) {
	txs := m.byMember[tx.MembershipID]

	// Binary search for insertion point keeps the slice ordered by CreatedAt.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].CreatedAt.After(tx.CreatedAt)
	})
	txs = append(txs, ledger.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.byMember[tx.MembershipID] = txs

	m.byID[tx.ID] = tx
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	if tx.Type == ledger.TxReversal && tx.ReversalOf != "" {
		m.reversals[tx.ReversalOf] = tx.ID
	}
}

func (m *Memory) Load(_ context.Context, membershipID ledger.MembershipID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Transaction, len(m.byMember[membershipID]))
	copy(result, m.byMember[membershipID])
	return result, nil
}

func (m *Memory) LoadRange(_ context.Context, membershipID ledger.MembershipID, from, to time.Time) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Transaction
	for _, tx := range m.byMember[membershipID] {
		if !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *Memory) Get(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := tx
	return &out, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) FindReversalOf(_ context.Context, originalID ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revID, ok := m.reversals[originalID]
	if !ok {
		return nil, nil
	}
	tx := m.byID[revID]
	return &tx, nil
}

// Corrupt overwrites a stored row in place, bypassing the append-only
// contract. Test hook for forced-desync and audit scenarios; not part of
// the ledger.Store interface.
func (m *Memory) Corrupt(id ledger.TransactionID, mutate func(*ledger.Transaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok {
		return
	}
	mutate(&tx)
	m.byID[id] = tx
	txs := m.byMember[tx.MembershipID]
	for i := range txs {
		if txs[i].ID == id {
			txs[i] = tx
		}
	}
}

// =============================================================================
// MEMORY MEMBERSHIP STORE - Projection with optimistic locking
// =============================================================================

type MemoryMemberships struct {
	mu      sync.RWMutex
	members map[ledger.MembershipID]ledger.Membership
}

func NewMemoryMemberships() *MemoryMemberships {
	return &MemoryMemberships{members: make(map[ledger.MembershipID]ledger.Membership)}
}

// Put inserts or replaces a membership (setup helper, not CAS-protected).
func (s *MemoryMemberships) Put(m ledger.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
}

func (s *MemoryMemberships) Get(_ context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := m
	return &out, nil
}

func (s *MemoryMemberships) ListByTenant(_ context.Context, tenantID ledger.TenantID) ([]ledger.MembershipID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []ledger.MembershipID
	for id, m := range s.members {
		if m.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryMemberships) SetPoints(_ context.Context, id ledger.MembershipID, points decimal.Decimal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if m.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	m.Points = points
	m.Version++
	s.members[id] = m
	return nil
}
