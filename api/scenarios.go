/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that drive the engine through realistic
	report lifecycles for demos and smoke tests. Each scenario submits one
	or more versions and walks them through invoices, payments, penalties
	or issuance.

AVAILABLE SCENARIOS:

	earned-credits:         Emissions under the limit, credits earned
	at-the-limit:           Emissions equal to the limit, nothing owed and no credits
	overdue-obligation:     Obligation paid after the due date, overdue penalty owed
	supplementary-decline:  Supplementary report auto-declines a pending issuance
	late-submission:        Report submitted after the window, director imposes a penalty

HOW SCENARIOS WORK:
 1. Pick a fresh operation id so loads never collide with earlier data
 2. Submit the report(s) through the engine as the appropriate actor
 3. Walk the lifecycle; every step passes the same guards as the API

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-obligation"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

SEE ALSO:
  - handlers.go: Route handlers
  - factory/calendar.go: Reporting years the scenarios rely on
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "earned-credits",
		Name:        "Earned Credits",
		Description: "900 tCO2e against a 1000 tCO2e limit earns 100 credits",
	},
	{
		ID:          "at-the-limit",
		Name:        "At The Limit",
		Description: "Emissions equal the limit; no obligation and no credits, invoicing is refused",
	},
	{
		ID:          "overdue-obligation",
		Name:        "Overdue Obligation",
		Description: "2023 obligation paid two weeks after the due date; the overdue penalty is owed",
	},
	{
		ID:          "supplementary-decline",
		Name:        "Supplementary Auto-Decline",
		Description: "Issuance requested, then a supplementary report supersedes the version and declines it",
	},
	{
		ID:          "late-submission",
		Name:        "Late Submission",
		Description: "2024 report submitted after the window closed; a director imposes a late submission penalty",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, operationID string) ([]compliance.VersionID, error)

var loaders = map[string]scenarioLoader{
	"earned-credits":        (*Handler).loadEarnedCreditsScenario,
	"at-the-limit":          (*Handler).loadAtTheLimitScenario,
	"overdue-obligation":    (*Handler).loadOverdueObligationScenario,
	"supplementary-decline": (*Handler).loadSupplementaryDeclineScenario,
	"late-submission":       (*Handler).loadLateSubmissionScenario,
}

var (
	operator = compliance.Actor{ID: "demo-operator", Role: compliance.RoleIndustryUser}
	director = compliance.Actor{ID: "demo-director", Role: compliance.RoleDirector}
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a predefined scenario against the engine.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.RunScenario(r.Context(), req.ScenarioID)
	if err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusNotFound, "Unknown scenario", err)
			return
		}
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

var errUnknownScenario = errors.New("unknown scenario")

// RunScenario loads one scenario and returns the versions it created.
func (h *Handler) RunScenario(ctx context.Context, id string) (*ScenarioResultDTO, error) {
	load, ok := loaders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownScenario, id)
	}
	var def ScenarioDTO
	for _, s := range scenarios {
		if s.ID == id {
			def = s
		}
	}

	operationID := fmt.Sprintf("op-%s-%s", id, uuid.NewString()[:8])
	ids, err := load(h, ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}

	result := &ScenarioResultDTO{Scenario: def, Versions: make([]string, len(ids))}
	for i, v := range ids {
		result.Versions[i] = string(v)
	}
	h.Logger.Info().Str("scenario", id).Str("operation_id", operationID).Int("versions", len(ids)).Msg("scenario loaded")
	return result, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func figures(attributable, limit string) compliance.Figures {
	return compliance.Figures{
		EmissionsAttributable: generic.MustAmount(attributable, generic.UnitTonnesCO2e),
		EmissionsLimit:        generic.MustAmount(limit, generic.UnitTonnesCO2e),
	}
}

func (h *Handler) loadEarnedCreditsScenario(ctx context.Context, operationID string) ([]compliance.VersionID, error) {
	v, err := h.Engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID:   operationID,
		ReportingYear: 2024,
		Figures:       figures("900", "1000"),
		SubmittedAt:   time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}, operator)
	if err != nil {
		return nil, err
	}
	return []compliance.VersionID{v.ID}, nil
}

func (h *Handler) loadAtTheLimitScenario(ctx context.Context, operationID string) ([]compliance.VersionID, error) {
	v, err := h.Engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID:   operationID,
		ReportingYear: 2024,
		Figures:       figures("1000", "1000"),
		SubmittedAt:   time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}, operator)
	if err != nil {
		return nil, err
	}

	// No obligation exists, so the invoice request must be refused.
	_, err = h.Engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	var gv *generic.GuardViolation
	if !errors.As(err, &gv) {
		return nil, fmt.Errorf("expected invoice request to be refused, got %v", err)
	}
	return []compliance.VersionID{v.ID}, nil
}

func (h *Handler) loadOverdueObligationScenario(ctx context.Context, operationID string) ([]compliance.VersionID, error) {
	v, err := h.Engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID:   operationID,
		ReportingYear: 2023,
		Figures:       figures("1100", "1000"),
		SubmittedAt:   time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC),
	}, operator)
	if err != nil {
		return nil, err
	}
	inv, err := h.Engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	if err != nil {
		return nil, err
	}
	// The 2023 due date is 2024-11-30.
	_, err = h.Engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{
		Kind:           compliance.InvoiceObligation,
		Amount:         inv.Amount,
		ReceivedAt:     time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC),
		Reference:      "EFT-" + operationID,
		IdempotencyKey: operationID + ":obligation",
	}, operator)
	if err != nil {
		return nil, err
	}
	return []compliance.VersionID{v.ID}, nil
}

func (h *Handler) loadSupplementaryDeclineScenario(ctx context.Context, operationID string) ([]compliance.VersionID, error) {
	v, err := h.Engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID:   operationID,
		ReportingYear: 2024,
		Figures:       figures("900", "1000"),
		SubmittedAt:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}, operator)
	if err != nil {
		return nil, err
	}
	if _, err := h.Engine.RequestIssuance(ctx, v.ID, compliance.IssuanceInput{HoldingAccountID: "HA-" + operationID}, operator); err != nil {
		return nil, err
	}
	result, err := h.Engine.SubmitSupplementary(ctx, v.ID, figures("950", "1000"), operator)
	if err != nil {
		return nil, err
	}
	return []compliance.VersionID{result.PriorVersion.ID, result.NewVersion.ID}, nil
}

func (h *Handler) loadLateSubmissionScenario(ctx context.Context, operationID string) ([]compliance.VersionID, error) {
	// The 2024 window closed 2025-05-31.
	v, err := h.Engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID:   operationID,
		ReportingYear: 2024,
		Figures:       figures("1050", "1000"),
		SubmittedAt:   time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC),
	}, operator)
	if err != nil {
		return nil, err
	}
	if _, err := h.Engine.ImposeLateSubmissionPenalty(ctx, v.ID, generic.MustAmount("2500", generic.UnitCAD), director); err != nil {
		return nil, err
	}
	return []compliance.VersionID{v.ID}, nil
}
