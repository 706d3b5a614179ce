/*
handlers.go - HTTP API handlers for the compliance workflow engine

PURPOSE:
  Exposes the compliance engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to compliance.Engine.

ENDPOINTS:
  Classification:
    POST   /api/classify                                Classify emissions figures

  Versions:
    POST   /api/versions                                Submit the first report of a lineage
    GET    /api/versions/{id}                           Version details
    POST   /api/versions/{id}/supplementary             Supersede with corrected figures

  Obligation:
    GET    /api/versions/{id}/invoices                  Invoices, voided ones included
    POST   /api/versions/{id}/invoices                  Request an invoice
    POST   /api/versions/{id}/payments                  Record a confirmed payment
    POST   /api/versions/{id}/late-penalty              Impose a late submission penalty
    POST   /api/versions/{id}/accruals                  Post penalty and interest accruals
    GET    /api/versions/{id}/obligation                Per-charge balance summary

  Issuance:
    GET    /api/versions/{id}/issuance                  Issuance request
    POST   /api/versions/{id}/issuance                  Request issuance of earned credits
    POST   /api/versions/{id}/issuance/analyst-review   Analyst suggestion
    POST   /api/versions/{id}/issuance/review           Approve, decline or require changes

  Task list:
    GET    /api/versions/{id}/tasklist?current=token    Ordered steps for the caller's role

  Lineages:
    GET    /api/lineages/{operation}/{year}             Version history
    GET    /api/lineages/{operation}/{year}/audit       Audit trail

CALLER IDENTITY:
  Authentication is upstream. The caller's role comes from the X-Role header
  (industry_user, analyst, director; default industry_user) and the actor id
  from X-Actor.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input
  - 403: Role not permitted
  - 404: Version, invoice or lineage not found
  - 409: Guard violation or duplicate idempotency key
  - 500: Reconciliation failure, internal errors
  - 503: Collaborator unavailable or lineage busy (with Retry-After)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/generic"
	"github.com/warp/compliance-engine/logger"
)

const (
	headerRole  = "X-Role"
	headerActor = "X-Actor"

	// retryAfterSeconds is advertised on 503 responses.
	retryAfterSeconds = 5
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *compliance.Engine
	Scheduler *AccrualScheduler
	Logger    zerolog.Logger
}

// NewHandler creates a new handler around an engine.
func NewHandler(engine *compliance.Engine) *Handler {
	return &Handler{
		Engine: engine,
		Logger: logger.WithComponent("api"),
	}
}

// actorFrom reads the caller identity headers.
func actorFrom(r *http.Request) (compliance.Actor, error) {
	role := compliance.RoleIndustryUser
	if raw := strings.TrimSpace(r.Header.Get(headerRole)); raw != "" {
		parsed, err := compliance.ParseRole(raw)
		if err != nil {
			return compliance.Actor{}, err
		}
		role = parsed
	}
	id := strings.TrimSpace(r.Header.Get(headerActor))
	if id == "" {
		id = "anonymous"
	}
	return compliance.Actor{ID: id, Role: role}, nil
}

func versionID(r *http.Request) compliance.VersionID {
	return compliance.VersionID(chi.URLParam(r, "id"))
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func parseFigures(attributable, limit string) (compliance.Figures, error) {
	a, err := generic.ParseAmount(attributable, generic.UnitTonnesCO2e)
	if err != nil {
		return compliance.Figures{}, err
	}
	l, err := generic.ParseAmount(limit, generic.UnitTonnesCO2e)
	if err != nil {
		return compliance.Figures{}, err
	}
	return compliance.Figures{EmissionsAttributable: a, EmissionsLimit: l}, nil
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// =============================================================================
// CLASSIFICATION AND VERSIONS
// =============================================================================

// Classify runs the outcome classifier without persisting anything.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	figures, err := parseFigures(req.EmissionsAttributable, req.EmissionsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid emissions figures", err)
		return
	}
	c := h.Engine.ClassifyOutcome(figures.EmissionsAttributable, figures.EmissionsLimit)
	writeJSON(w, http.StatusOK, ClassificationDTO{
		Outcome:         string(c.Outcome),
		ExcessEmissions: c.ExcessEmissions.Value.String(),
		EarnedCredits:   c.EarnedCredits.Value.String(),
	})
}

func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req SubmitReportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	figures, err := parseFigures(req.EmissionsAttributable, req.EmissionsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid emissions figures", err)
		return
	}
	submittedAt, err := parseOptionalTime(req.SubmittedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid submitted_at", err)
		return
	}

	v, err := h.Engine.SubmitReport(r.Context(), compliance.ReportSubmission{
		OperationID:   req.OperationID,
		ReportingYear: req.ReportingYear,
		Figures:       figures,
		SubmittedAt:   submittedAt,
	}, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVersionDTO(v))
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.GetVersion(r.Context(), versionID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionDTO(v))
}

func (h *Handler) SubmitSupplementary(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req SupplementaryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	figures, err := parseFigures(req.EmissionsAttributable, req.EmissionsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid emissions figures", err)
		return
	}

	result, err := h.Engine.SubmitSupplementary(r.Context(), versionID(r), figures, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dto := ReconciliationDTO{
		PriorVersion:         toVersionDTO(result.PriorVersion),
		NewVersion:           toVersionDTO(result.NewVersion),
		VoidedInvoices:       toInvoiceDTOs(result.VoidedInvoices),
		ExcessEmissionsDelta: result.ExcessEmissionsDelta.Value.String(),
		ObligationDelta:      money(result.ObligationDelta),
		EarnedCreditsDelta:   result.EarnedCreditsDelta.Value.String(),
	}
	if result.AutoDeclined != nil {
		declined := toIssuanceDTO(result.AutoDeclined)
		dto.AutoDeclined = &declined
	}
	writeJSON(w, http.StatusCreated, dto)
}

// =============================================================================
// OBLIGATION, INVOICES AND PAYMENTS
// =============================================================================

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Engine.ListInvoices(r.Context(), versionID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices))
}

func (h *Handler) RequestInvoice(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req InvoiceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	inv, err := h.Engine.RequestInvoice(r.Context(), versionID(r), compliance.InvoiceKind(req.Kind), actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req PaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := generic.ParseAmount(req.Amount, generic.UnitCAD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	receivedAt, err := parseOptionalTime(req.ReceivedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid received_at", err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	result, err := h.Engine.RecordPayment(r.Context(), versionID(r), compliance.PaymentInput{
		Kind:           compliance.InvoiceKind(req.Kind),
		Amount:         amount,
		ReceivedAt:     receivedAt,
		Reference:      req.Reference,
		IdempotencyKey: key,
	}, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, PaymentResultDTO{
		Version:     toVersionDTO(result.Version),
		Kind:        string(result.Kind),
		Applied:     money(result.Applied),
		Outstanding: money(result.Outstanding),
		Reference:   result.Confirmation.Reference,
		ReceivedAt:  formatTime(result.Confirmation.ReceivedAt),
		Replayed:    result.Replayed,
	})
}

func (h *Handler) ImposeLatePenalty(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req LatePenaltyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := generic.ParseAmount(req.Amount, generic.UnitCAD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	v, err := h.Engine.ImposeLateSubmissionPenalty(r.Context(), versionID(r), amount, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionDTO(v))
}

func (h *Handler) AccruePenalties(w http.ResponseWriter, r *http.Request) {
	var req AccrueRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	asOf := generic.DayOf(h.clock())
	if req.AsOf != "" {
		parsed, err := generic.ParseDay(req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = parsed
	}

	result, err := h.Engine.AccruePenalties(r.Context(), versionID(r), asOf)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	total := generic.ZeroAmount(generic.UnitCAD)
	for _, tx := range result.Posted {
		total = total.Add(tx.Delta)
	}
	writeJSON(w, http.StatusOK, AccrualResultDTO{
		VersionID:     string(result.VersionID),
		EntriesPosted: len(result.Posted),
		Total:         money(total),
		PenaltyState:  string(result.PenaltyState),
		InterestState: string(result.InterestState),
	})
}

func (h *Handler) GetObligationSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summary, err := h.Engine.ObligationSummary(ctx, versionID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dto := toObligationSummaryDTO(summary)

	// The operator name is display-only; a directory outage does not fail the read.
	if v, err := h.Engine.GetVersion(ctx, summary.VersionID); err == nil {
		if name, err := h.Engine.OperatorName(ctx, v.OperationID); err == nil {
			dto.OperatorName = name
		} else {
			h.Logger.Warn().Err(err).Str("operation_id", v.OperationID).Msg("operator name unavailable")
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetPayoffQuote projects what the version will owe on the ?on= day,
// defaulting to today.
func (h *Handler) GetPayoffQuote(w http.ResponseWriter, r *http.Request) {
	payOn := generic.DayOf(h.clock())
	if raw := r.URL.Query().Get("on"); raw != "" {
		parsed, err := generic.ParseDay(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payoff date", err)
			return
		}
		payOn = parsed
	}
	quote, err := h.Engine.PayoffQuote(r.Context(), versionID(r), payOn)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoffQuoteDTO(quote))
}

// =============================================================================
// ISSUANCE
// =============================================================================

func (h *Handler) GetIssuance(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.GetIssuanceRequest(r.Context(), versionID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssuanceDTO(req))
}

func (h *Handler) RequestIssuance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req IssuanceRequestBody
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	updated, err := h.Engine.RequestIssuance(r.Context(), versionID(r), compliance.IssuanceInput{
		HoldingAccountID: req.HoldingAccountID,
	}, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssuanceDTO(updated))
}

func (h *Handler) SubmitAnalystReview(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req AnalystReviewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	updated, err := h.Engine.SubmitAnalystReview(r.Context(), versionID(r),
		compliance.AnalystSuggestion(req.Suggestion), req.Comment, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssuanceDTO(updated))
}

func (h *Handler) ReviewIssuance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	var req ReviewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	updated, err := h.Engine.ReviewIssuance(r.Context(), versionID(r),
		compliance.Decision(req.Decision), req.Comment, actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssuanceDTO(updated))
}

// =============================================================================
// TASK LIST AND LINEAGE
// =============================================================================

func (h *Handler) GetTaskList(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller role", err)
		return
	}
	current := compliance.StepToken(r.URL.Query().Get("current"))
	plan, err := h.Engine.ResolveTaskList(r.Context(), versionID(r), actor.Role, current)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskListDTO(plan))
}

func lineageKey(r *http.Request) (compliance.LineageKey, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return compliance.LineageKey{}, err
	}
	return compliance.LineageKey{OperationID: chi.URLParam(r, "operation"), ReportingYear: year}, nil
}

func (h *Handler) GetLineage(w http.ResponseWriter, r *http.Request) {
	key, err := lineageKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reporting year", err)
		return
	}
	versions, err := h.Engine.Lineage(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]VersionDTO, len(versions))
	for i, v := range versions {
		dtos[i] = toVersionDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	key, err := lineageKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reporting year", err)
		return
	}
	entries, err := h.Engine.AuditTrail(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// ADMIN
// =============================================================================

// RunAccrualSweep runs one scheduler pass immediately.
func (h *Handler) RunAccrualSweep(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Accrual scheduler not configured", nil)
		return
	}
	report := h.Scheduler.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) clock() time.Time {
	if h.Engine.Clock != nil {
		return h.Engine.Clock()
	}
	return time.Now()
}

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

// statusFor maps the engine's error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	var gv *generic.GuardViolation
	switch {
	case errors.As(err, &gv):
		switch gv.Code {
		case compliance.CodeInvalidInput, compliance.CodeInvalidAmount:
			return http.StatusBadRequest, string(gv.Code)
		case compliance.CodeRoleNotPermitted:
			return http.StatusForbidden, string(gv.Code)
		}
		return http.StatusConflict, string(gv.Code)
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable, "retryable"
	case errors.Is(err, generic.ErrReconciliationFailure):
		return http.StatusInternalServerError, "reconciliation_failure"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		log := h.Logger
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			log = logger.WithRequestID(reqID)
		}
		log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()})
}
