/*
locks.go - Per-membership exclusion

PURPOSE:
  Serializes all point-changing work for one membership inside a process.
  Event processing, redemption, reversal, and expiration each read the
  projection, decide, then write; interleaving two of them for the same
  membership would let both read the same balance. The CAS on
  Membership.Version catches interleaving across processes, the keyed
  mutex avoids paying the retry loop for the common single-process case.

USAGE:
  unlock := locks.Lock(membershipID)
  defer unlock()

  Locks are created on demand and removed when the last holder releases,
  so the map stays proportional to in-flight memberships, not to all
  memberships ever seen.
*/
package engine

import (
	"sync"

	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// MEMBERSHIP LOCKS
// =============================================================================

type memberLock struct {
	mu   sync.Mutex
	refs int
}

// MembershipLocks hands out one mutex per membership id.
type MembershipLocks struct {
	mu    sync.Mutex
	locks map[ledger.MembershipID]*memberLock
}

func NewMembershipLocks() *MembershipLocks {
	return &MembershipLocks{locks: make(map[ledger.MembershipID]*memberLock)}
}

// Lock blocks until the membership's mutex is held and returns the release
// function.
func (l *MembershipLocks) Lock(id ledger.MembershipID) func() {
	l.mu.Lock()
	ml, ok := l.locks[id]
	if !ok {
		ml = &memberLock{}
		l.locks[id] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.mu.Lock()
	return func() {
		ml.mu.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
