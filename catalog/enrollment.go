package catalog

import (
	"time"

	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// ENROLLMENT - Links a membership to a program
// =============================================================================

type EnrollmentStatus string

const (
	EnrollmentActive EnrollmentStatus = "ACTIVE"
	EnrollmentEnded  EnrollmentStatus = "ENDED"
)

// Enrollment is the (membership, program) link. A membership only earns
// from programs where it holds an ACTIVE enrollment whose window covers
// "now" and whose program window also covers "now".
type Enrollment struct {
	MembershipID ledger.MembershipID
	ProgramID    ledger.ProgramID
	Status       EnrollmentStatus
	From         *time.Time
	To           *time.Time
}

// Covers reports whether the enrollment is active at the given instant.
func (e Enrollment) Covers(now time.Time) bool {
	if e.Status != EnrollmentActive {
		return false
	}
	return windowCovers(e.From, e.To, now)
}
