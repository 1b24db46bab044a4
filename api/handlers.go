/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Events:
    POST   /api/events                         Process a business event

  Memberships:
    POST   /api/memberships                    Create membership
    GET    /api/memberships/{id}               Get membership + balance
    GET    /api/memberships/{id}/transactions  Transaction history
    POST   /api/memberships/{id}/redeem        Spend points
    POST   /api/memberships/{id}/adjustments   Manual correction
    GET    /api/memberships/{id}/integrity     Run integrity checks
    POST   /api/memberships/{id}/integrity/fix Repair the projection

  Transactions:
    GET    /api/transactions/{id}              Get a ledger row
    POST   /api/transactions/{id}/reverse      Compensating transaction

  Catalog:
    POST   /api/programs                       Publish a program
    GET    /api/programs/{id}                  Get a program
    DELETE /api/programs/{id}                  Delete (guarded)
    POST   /api/programs/{id}/deactivate       Deactivate
    POST   /api/rules                          Publish a rule
    POST   /api/benefits                       Publish a tier benefit
    POST   /api/enrollments                    Enroll a membership

  Admin:
    POST   /api/admin/expirations/sweep        Run the expiration sweep
    POST   /api/admin/integrity/sweep          Tenant-wide integrity check

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (insufficient balance, already reversed, CAS conflict)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atlas/loyalty-engine/catalog"
	"github.com/atlas/loyalty-engine/engine"
	"github.com/atlas/loyalty-engine/factory"
	"github.com/atlas/loyalty-engine/ledger"
	"github.com/atlas/loyalty-engine/rules"
	"github.com/atlas/loyalty-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Processor *engine.Processor
	Expirer   *engine.Expirer
	Validator *ledger.IntegrityValidator
	Catalog   *catalog.Catalog
	Registry  *catalog.Registry
}

// NewHandler wires the full engine around one SQLite store.
func NewHandler(store *sqlite.Store) (*Handler, error) {
	cat, err := catalog.NewCatalog(store)
	if err != nil {
		return nil, err
	}
	memberships := store.Memberships()
	processor := engine.NewProcessor(cat, store, memberships)

	return &Handler{
		Store:     store,
		Processor: processor,
		Expirer:   engine.NewExpirer(cat, store, memberships, processor.Locks),
		Validator: ledger.NewIntegrityValidator(store, memberships),
		Catalog:   cat,
		Registry:  catalog.NewRegistry(store, cat),
	}, nil
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ProcessEvent evaluates a business event and awards points.
// POST /api/events
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TenantID == "" || req.MembershipID == "" || req.Trigger == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, membership_id, and trigger are required", nil)
		return
	}

	ev := rules.Event{
		TenantID:      ledger.TenantID(req.TenantID),
		MembershipID:  ledger.MembershipID(req.MembershipID),
		Trigger:       catalog.Trigger(req.Trigger),
		StoreID:       req.StoreID,
		BranchID:      req.BranchID,
		Channel:       req.Channel,
		Category:      req.Category,
		SKU:           req.SKU,
		Currency:      req.Currency,
		ReferenceID:   req.ReferenceID,
		ParentEventID: req.ParentEventID,
		ActorID:       req.ActorID,
		Metadata:      req.Metadata,
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		ev.Amount = &amount
	}
	if req.OccurredAt != "" {
		at, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at timestamp", err)
			return
		}
		ev.OccurredAt = at
	}

	result, err := h.Processor.ProcessEvent(r.Context(), ev)
	if err != nil {
		writeDomainError(w, "Failed to process event", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// =============================================================================
// MEMBERSHIP HANDLERS
// =============================================================================

// CreateMembership creates a membership with a zero balance.
// POST /api/memberships
func (h *Handler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	var req CreateMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "id and tenant_id are required", nil)
		return
	}

	m := ledger.Membership{
		ID:       ledger.MembershipID(req.ID),
		TenantID: ledger.TenantID(req.TenantID),
		UserID:   req.UserID,
		TierID:   ledger.TierID(req.TierID),
		Status:   ledger.MembershipActive,
	}
	if err := h.Store.SaveMembership(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create membership", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMembershipDTO(&m))
}

// GetMembership returns the membership with its projected balance.
// GET /api/memberships/{id}
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))
	m, err := h.Store.GetMembership(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load membership", err)
		return
	}
	writeJSON(w, http.StatusOK, toMembershipDTO(m))
}

// GetTransactions returns the membership's ledger history, optionally
// restricted to [from, to) via query parameters.
// GET /api/memberships/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))

	var (
		txs []ledger.Transaction
		err error
	)
	fromStr, toStr := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if fromStr != "" || toStr != "" {
		from, to, perr := parseRange(fromStr, toStr)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid time range", perr)
			return
		}
		txs, err = h.Store.LoadRange(r.Context(), id, from, to)
	} else {
		txs, err = h.Store.Load(r.Context(), id)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// Redeem spends points.
// POST /api/memberships/{id}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	points, err := decimal.NewFromString(req.Points)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid points amount", err)
		return
	}

	result, err := h.Processor.Redeem(r.Context(), engine.RedeemRequest{
		TenantID:     ledger.TenantID(req.TenantID),
		MembershipID: id,
		ProgramID:    ledger.ProgramID(req.ProgramID),
		Points:       points,
		ReferenceID:  req.ReferenceID,
		RewardID:     req.RewardID,
		ActorID:      req.ActorID,
		Reason:       req.Reason,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeDomainError(w, "Failed to redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// Adjust applies a manual correction.
// POST /api/memberships/{id}/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	points, err := decimal.NewFromString(req.Points)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid points amount", err)
		return
	}

	result, err := h.Processor.Adjust(r.Context(), engine.AdjustRequest{
		TenantID:     ledger.TenantID(req.TenantID),
		MembershipID: id,
		Points:       points,
		ReferenceID:  req.ReferenceID,
		Reason:       req.Reason,
		ActorID:      req.ActorID,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeDomainError(w, "Failed to adjust", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// CheckIntegrity runs all integrity checks for a membership.
// GET /api/memberships/{id}/integrity
func (h *Handler) CheckIntegrity(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))
	report, err := h.Validator.Check(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to check integrity", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrityReportDTO(report))
}

// FixIntegrity repairs the projection from the ledger.
// POST /api/memberships/{id}/integrity/fix
func (h *Handler) FixIntegrity(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))

	unlock := h.Processor.Locks.Lock(id)
	report, err := h.Validator.FixBalance(r.Context(), id)
	unlock()

	if err != nil {
		writeDomainError(w, "Failed to fix balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrityReportDTO(report))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetTransaction returns one ledger row.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	tx, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// ReverseTransaction appends a compensating transaction.
// POST /api/transactions/{id}/reverse
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	// The body is optional, but when present it has to parse.
	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	reversal, err := h.Processor.ReverseTransaction(r.Context(), id, req.ActorID, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to reverse transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*reversal))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// PublishProgram validates and saves a program definition.
// POST /api/programs
func (h *Handler) PublishProgram(w http.ResponseWriter, r *http.Request) {
	var def factory.ProgramDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	program, err := factory.Program(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program definition", err)
		return
	}
	published, err := h.Registry.PublishProgram(r.Context(), program)
	if err != nil {
		writeDomainError(w, "Failed to publish program", err)
		return
	}
	writeJSON(w, http.StatusCreated, published)
}

// GetProgram returns a program definition.
// GET /api/programs/{id}
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProgramID(chi.URLParam(r, "id"))
	program, err := h.Catalog.GetProgram(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load program", err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

// DeactivateProgram marks a program inactive.
// POST /api/programs/{id}/deactivate
func (h *Handler) DeactivateProgram(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProgramID(chi.URLParam(r, "id"))
	if err := h.Registry.DeactivateProgram(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to deactivate program", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteProgram removes a program definition, subject to lifecycle guards.
// DELETE /api/programs/{id}
func (h *Handler) DeleteProgram(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProgramID(chi.URLParam(r, "id"))
	if err := h.Registry.DeleteProgram(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete program", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishRule validates and saves a reward rule.
// POST /api/rules
func (h *Handler) PublishRule(w http.ResponseWriter, r *http.Request) {
	var def factory.RuleDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rule, err := factory.Rule(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule definition", err)
		return
	}
	published, err := h.Registry.PublishRule(r.Context(), rule)
	if err != nil {
		writeDomainError(w, "Failed to publish rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, published)
}

// PublishBenefit validates and saves a tier benefit.
// POST /api/benefits
func (h *Handler) PublishBenefit(w http.ResponseWriter, r *http.Request) {
	var def factory.BenefitDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Registry.PublishBenefit(r.Context(), factory.Benefit(def)); err != nil {
		writeDomainError(w, "Failed to publish benefit", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Enroll links a membership to a program.
// POST /api/enrollments
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e := catalog.Enrollment{
		MembershipID: ledger.MembershipID(req.MembershipID),
		ProgramID:    ledger.ProgramID(req.ProgramID),
		Status:       catalog.EnrollmentActive,
	}
	var err error
	if e.From, err = parseOptionalTime(req.From); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from timestamp", err)
		return
	}
	if e.To, err = parseOptionalTime(req.To); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to timestamp", err)
		return
	}

	if err := h.Registry.Enroll(r.Context(), e); err != nil {
		writeDomainError(w, "Failed to enroll", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SweepExpirations expires overdue lots for one membership or a whole tenant.
// POST /api/admin/expirations/sweep
func (h *Handler) SweepExpirations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID     string `json:"tenant_id,omitempty"`
		MembershipID string `json:"membership_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	switch {
	case req.MembershipID != "":
		result, err := h.Expirer.SweepMembership(r.Context(), ledger.MembershipID(req.MembershipID))
		if err != nil {
			writeDomainError(w, "Failed to sweep membership", err)
			return
		}
		writeJSON(w, http.StatusOK, []SweepResultDTO{toSweepResultDTO(*result)})

	case req.TenantID != "":
		results, err := h.Expirer.SweepTenant(r.Context(), ledger.TenantID(req.TenantID))
		if err != nil {
			writeDomainError(w, "Failed to sweep tenant", err)
			return
		}
		dtos := make([]SweepResultDTO, len(results))
		for i, res := range results {
			dtos[i] = toSweepResultDTO(res)
		}
		writeJSON(w, http.StatusOK, dtos)

	default:
		writeError(w, http.StatusBadRequest, "tenant_id or membership_id is required", nil)
	}
}

// SweepIntegrity runs integrity checks for every membership of a tenant.
// POST /api/admin/integrity/sweep
func (h *Handler) SweepIntegrity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required", nil)
		return
	}

	reports, err := h.Validator.SweepTenant(r.Context(), ledger.TenantID(req.TenantID))
	if err != nil {
		writeDomainError(w, "Failed to sweep tenant", err)
		return
	}
	dtos := make([]IntegrityReportDTO, len(reports))
	for i, report := range reports {
		dtos[i] = toIntegrityReportDTO(report)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger error categories to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrAlreadyReversed),
		ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().Add(24 * time.Hour)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return from, to, err
		}
		from = t
	}
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return from, to, err
		}
		to = t
	}
	return from, to, nil
}
