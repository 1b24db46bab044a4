/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

POINTS ENCODING:
  Point amounts cross the wire as JSON strings ("125", "12.5") to keep
  decimal precision; the handlers parse them with shopspring/decimal.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/definition.go: Program/rule/benefit wire definitions
*/
package api

import (
	"time"

	"github.com/atlas/loyalty-engine/engine"
	"github.com/atlas/loyalty-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// EventRequest is an incoming business event.
type EventRequest struct {
	TenantID     string `json:"tenant_id"`
	MembershipID string `json:"membership_id"`
	Trigger      string `json:"trigger"`

	StoreID  string `json:"store_id,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Category string `json:"category,omitempty"`
	SKU      string `json:"sku,omitempty"`

	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`

	ReferenceID   string            `json:"reference_id"`
	ParentEventID string            `json:"parent_event_id,omitempty"`
	OccurredAt    string            `json:"occurred_at,omitempty"`
	ActorID       string            `json:"actor_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ResultDTO is the outcome of an event, redemption, or adjustment.
type ResultDTO struct {
	CorrelationID string           `json:"correlation_id,omitempty"`
	Transactions  []TransactionDTO `json:"transactions"`
	TotalPoints   string           `json:"total_points"`
	Balance       string           `json:"balance"`
	Duplicate     bool             `json:"duplicate,omitempty"`
}

// RedeemRequest spends points.
type RedeemRequest struct {
	TenantID    string            `json:"tenant_id"`
	ProgramID   string            `json:"program_id,omitempty"`
	Points      string            `json:"points"`
	ReferenceID string            `json:"reference_id"`
	RewardID    string            `json:"reward_id,omitempty"`
	ActorID     string            `json:"actor_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AdjustRequest is a manual balance correction.
type AdjustRequest struct {
	TenantID    string            `json:"tenant_id"`
	Points      string            `json:"points"` // signed
	ReferenceID string            `json:"reference_id"`
	Reason      string            `json:"reason"`
	ActorID     string            `json:"actor_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ReverseRequest undoes a transaction.
type ReverseRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// MembershipDTO represents a membership in API responses.
type MembershipDTO struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id,omitempty"`
	TierID      string `json:"tier_id,omitempty"`
	Points      string `json:"points"`
	TotalSpent  string `json:"total_spent"`
	TotalVisits int    `json:"total_visits"`
	Status      string `json:"status"`
	Version     int64  `json:"version"`
}

// CreateMembershipRequest creates a membership.
type CreateMembershipRequest struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
	TierID   string `json:"tier_id,omitempty"`
}

// EnrollRequest links a membership to a program.
type EnrollRequest struct {
	MembershipID string `json:"membership_id"`
	ProgramID    string `json:"program_id"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
}

// TransactionDTO represents a ledger transaction.
type TransactionDTO struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	MembershipID   string            `json:"membership_id"`
	ProgramID      string            `json:"program_id,omitempty"`
	RuleID         string            `json:"rule_id,omitempty"`
	Type           string            `json:"type"`
	PointsDelta    string            `json:"points_delta"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	ReversalOf     string            `json:"reversal_of,omitempty"`
	ReasonCode     string            `json:"reason_code,omitempty"`
	EarningDomain  string            `json:"earning_domain,omitempty"`
	Amount         string            `json:"amount,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	SourceEventID  string            `json:"source_event_id,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	BranchID       string            `json:"branch_id,omitempty"`
	RewardID       string            `json:"reward_id,omitempty"`
	ExpiresAt      string            `json:"expires_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// IntegrityReportDTO is the result of an integrity check.
type IntegrityReportDTO struct {
	MembershipID  string   `json:"membership_id"`
	LedgerBalance string   `json:"ledger_balance"`
	Projected     string   `json:"projected"`
	Drift         string   `json:"drift"`
	OK            bool     `json:"ok"`
	Violations    []string `json:"violations,omitempty"`
}

// SweepResultDTO summarizes one membership's expiration sweep.
type SweepResultDTO struct {
	MembershipID  string `json:"membership_id"`
	LotsExpired   int    `json:"lots_expired"`
	PointsExpired string `json:"points_expired"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(tx.ID),
		TenantID:       string(tx.TenantID),
		MembershipID:   string(tx.MembershipID),
		ProgramID:      string(tx.ProgramID),
		RuleID:         string(tx.RuleID),
		Type:           string(tx.Type),
		PointsDelta:    tx.PointsDelta.String(),
		IdempotencyKey: tx.IdempotencyKey,
		ReversalOf:     string(tx.ReversalOf),
		ReasonCode:     tx.ReasonCode,
		EarningDomain:  tx.EarningDomain,
		Currency:       tx.Currency,
		SourceEventID:  tx.SourceEventID,
		CorrelationID:  tx.CorrelationID,
		CreatedBy:      tx.CreatedBy,
		BranchID:       tx.BranchID,
		RewardID:       tx.RewardID,
		Metadata:       tx.Metadata,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339Nano),
	}
	if tx.Amount != nil {
		dto.Amount = tx.Amount.String()
	}
	if tx.ExpiresAt != nil {
		dto.ExpiresAt = tx.ExpiresAt.Format(time.RFC3339Nano)
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toResultDTO(res *engine.Result) ResultDTO {
	return ResultDTO{
		CorrelationID: res.CorrelationID,
		Transactions:  toTransactionDTOs(res.Transactions),
		TotalPoints:   res.TotalPoints.String(),
		Balance:       res.Balance.String(),
		Duplicate:     res.Duplicate,
	}
}

func toMembershipDTO(m *ledger.Membership) MembershipDTO {
	return MembershipDTO{
		ID:          string(m.ID),
		TenantID:    string(m.TenantID),
		UserID:      m.UserID,
		TierID:      string(m.TierID),
		Points:      m.Points.String(),
		TotalSpent:  m.TotalSpent.String(),
		TotalVisits: m.TotalVisits,
		Status:      string(m.Status),
		Version:     m.Version,
	}
}

func toIntegrityReportDTO(report ledger.Report) IntegrityReportDTO {
	dto := IntegrityReportDTO{
		MembershipID:  string(report.MembershipID),
		LedgerBalance: report.LedgerBalance.String(),
		Projected:     report.Projected.String(),
		Drift:         report.Drift.String(),
		OK:            report.OK(),
	}
	for _, v := range report.Violations {
		dto.Violations = append(dto.Violations, v.Error())
	}
	return dto
}

func toSweepResultDTO(r engine.SweepResult) SweepResultDTO {
	return SweepResultDTO{
		MembershipID:  string(r.MembershipID),
		LotsExpired:   r.LotsExpired,
		PointsExpired: r.PointsExpired.String(),
	}
}
