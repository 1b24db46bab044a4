/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages above (rules, engine, api) wrap these with additional context.

ERROR CATEGORIES:
  1. Ledger errors - Transaction persistence failures
  2. Validation errors - Business rule violations (balance, reversal state)
  3. Integrity errors - Raised only by the validator's read path

PROPAGATION POLICY (from the engine design):
  - Per-rule evaluation errors are caught and logged; one malformed rule
    never blocks the award of other rules for the same event.
  - Ledger write and projection failures are fatal for the whole event.
  - Duplicate idempotency keys are redelivery, not failure: no-op success.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned by stores when a transaction
	// with the same idempotency key already exists. Callers treat this as
	// no-op success: the event was already processed for that rule.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a redemption exceeds the
	// available points.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyReversed is returned when a REVERSAL already references the
	// original transaction.
	ErrAlreadyReversed = errors.New("transaction already reversed")

	// ErrNotFound covers missing memberships, programs, rules, and original
	// transactions.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRuleDefinition indicates a malformed formula, eligibility, or
	// conflict configuration. Caught at catalog publish time; the evaluator
	// still defends against it.
	ErrInvalidRuleDefinition = errors.New("invalid rule definition")

	// ErrIntegrityViolation is raised only by the Integrity Validator's read
	// path, never by the write path.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrConcurrentModification is returned when optimistic locking detects
	// a conflicting projection update.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	MembershipID MembershipID
	Available    decimal.Decimal
	Requested    decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %v, requested %v",
		e.MembershipID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// AlreadyReversedError identifies the existing reversal.
type AlreadyReversedError struct {
	OriginalID TransactionID
	ReversalID TransactionID
}

func (e *AlreadyReversedError) Error() string {
	return fmt.Sprintf("transaction %s already reversed by %s", e.OriginalID, e.ReversalID)
}

func (e *AlreadyReversedError) Unwrap() error { return ErrAlreadyReversed }

// IntegrityError describes a failed integrity check.
type IntegrityError struct {
	MembershipID MembershipID
	Check        string // "balance", "idempotency", "reversal"
	Detail       string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation (%s) for %s: %s", e.Check, e.MembershipID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrInvalidRuleDefinition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
