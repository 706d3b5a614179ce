/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the compliance domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Money and emissions travel as decimal strings ("1250.50"), never as JSON
  numbers, so no client rounds them through a float.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type ClassifyRequest struct {
	EmissionsAttributable string `json:"emissions_attributable"`
	EmissionsLimit        string `json:"emissions_limit"`
}

type SubmitReportRequest struct {
	OperationID           string `json:"operation_id"`
	ReportingYear         int    `json:"reporting_year"`
	EmissionsAttributable string `json:"emissions_attributable"`
	EmissionsLimit        string `json:"emissions_limit"`
	SubmittedAt           string `json:"submitted_at,omitempty"` // RFC3339
}

type SupplementaryRequest struct {
	EmissionsAttributable string `json:"emissions_attributable"`
	EmissionsLimit        string `json:"emissions_limit"`
}

type InvoiceRequest struct {
	Kind string `json:"kind"`
}

type PaymentRequest struct {
	Kind           string `json:"kind"`
	Amount         string `json:"amount"`
	ReceivedAt     string `json:"received_at,omitempty"` // RFC3339
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type LatePenaltyRequest struct {
	Amount string `json:"amount"`
}

type AccrueRequest struct {
	AsOf string `json:"as_of,omitempty"` // YYYY-MM-DD, defaults to today
}

type IssuanceRequestBody struct {
	HoldingAccountID string `json:"holding_account_id"`
}

type AnalystReviewRequest struct {
	Suggestion string `json:"suggestion"`
	Comment    string `json:"comment"`
}

type ReviewRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ClassificationDTO struct {
	Outcome         string `json:"outcome"`
	ExcessEmissions string `json:"excess_emissions"`
	EarnedCredits   string `json:"earned_credits"`
}

type VersionDTO struct {
	ID                    string  `json:"id"`
	OperationID           string  `json:"operation_id"`
	ReportingYear         int     `json:"reporting_year"`
	VersionSequence       int     `json:"version_sequence"`
	IsSupplementary       bool    `json:"is_supplementary"`
	SupersedesVersionID   string  `json:"supersedes_version_id,omitempty"`
	SupersededByID        string  `json:"superseded_by_id,omitempty"`
	SupersededAt          *string `json:"superseded_at,omitempty"`
	Current               bool    `json:"current"`
	Outcome               string  `json:"outcome"`
	EmissionsAttributable string  `json:"emissions_attributable"`
	EmissionsLimit        string  `json:"emissions_limit"`
	ExcessEmissions       string  `json:"excess_emissions"`
	EarnedCredits         string  `json:"earned_credits"`
	ObligationAmount      string  `json:"obligation_amount"`
	ObligationState       string  `json:"obligation_state,omitempty"`
	PenaltyState          string  `json:"penalty_state,omitempty"`
	InterestState         string  `json:"interest_state,omitempty"`
	LatePenaltyImposedOn  string  `json:"late_penalty_imposed_on,omitempty"`
	SubmittedAt           string  `json:"submitted_at"`
}

type InvoiceDTO struct {
	ID          string  `json:"id"`
	VersionID   string  `json:"version_id"`
	Kind        string  `json:"kind"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	IssuedAt    string  `json:"issued_at"`
	DocumentRef string  `json:"document_ref,omitempty"`
	VoidedAt    *string `json:"voided_at,omitempty"`
	VoidReason  string  `json:"void_reason,omitempty"`
}

type PaymentResultDTO struct {
	Version     VersionDTO `json:"version"`
	Kind        string     `json:"kind"`
	Applied     string     `json:"applied"`
	Outstanding string     `json:"outstanding"`
	Reference   string     `json:"reference"`
	ReceivedAt  string     `json:"received_at"`
	Replayed    bool       `json:"replayed"`
}

type AccrualResultDTO struct {
	VersionID     string `json:"version_id"`
	EntriesPosted int    `json:"entries_posted"`
	Total         string `json:"total"`
	PenaltyState  string `json:"penalty_state,omitempty"`
	InterestState string `json:"interest_state,omitempty"`
}

type IssuanceDTO struct {
	ID                string  `json:"id"`
	VersionID         string  `json:"version_id"`
	Status            string  `json:"status"`
	StatusLabel       string  `json:"status_label"`
	EarnedCredits     string  `json:"earned_credits"`
	HoldingAccountID  string  `json:"holding_account_id,omitempty"`
	AnalystSuggestion string  `json:"analyst_suggestion,omitempty"`
	AnalystComment    string  `json:"analyst_comment,omitempty"`
	DirectorComment   string  `json:"director_comment,omitempty"`
	RequestedAt       *string `json:"requested_at,omitempty"`
	DecidedAt         *string `json:"decided_at,omitempty"`
	DecidedBy         string  `json:"decided_by,omitempty"`
}

type ReconciliationDTO struct {
	PriorVersion         VersionDTO   `json:"prior_version"`
	NewVersion           VersionDTO   `json:"new_version"`
	VoidedInvoices       []InvoiceDTO `json:"voided_invoices"`
	AutoDeclined         *IssuanceDTO `json:"auto_declined,omitempty"`
	ExcessEmissionsDelta string       `json:"excess_emissions_delta"`
	ObligationDelta      string       `json:"obligation_delta"`
	EarnedCreditsDelta   string       `json:"earned_credits_delta"`
}

type StepDTO struct {
	Token  string `json:"token"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

type TaskListDTO struct {
	VersionID string    `json:"version_id"`
	Role      string    `json:"role"`
	Outcome   string    `json:"outcome"`
	ReadOnly  bool      `json:"read_only"`
	Steps     []StepDTO `json:"steps"`
}

type ChargeBalanceDTO struct {
	Kind        string `json:"kind"`
	Charged     string `json:"charged"`
	Accrued     string `json:"accrued"`
	Paid        string `json:"paid"`
	Outstanding string `json:"outstanding"`
	LastPayment string `json:"last_payment,omitempty"`
}

type ObligationSummaryDTO struct {
	VersionID    string             `json:"version_id"`
	OperatorName string             `json:"operator_name,omitempty"`
	AsOf         string             `json:"as_of"`
	Charges      []ChargeBalanceDTO `json:"charges"`
	Outstanding  string             `json:"outstanding"`
}

type PayoffQuoteDTO struct {
	VersionID             string `json:"version_id"`
	PayOn                 string `json:"pay_on"`
	Obligation            string `json:"obligation"`
	OverduePenalty        string `json:"automatic_overdue_penalty"`
	ProjectedPenalty      string `json:"projected_penalty"`
	LateSubmissionPenalty string `json:"late_submission_penalty"`
	ProjectedInterest     string `json:"projected_interest"`
	Total                 string `json:"total"`
}

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScenarioResultDTO struct {
	Scenario ScenarioDTO `json:"scenario"`
	Versions []string    `json:"versions"`
}

// ErrorResponse is every non-2xx body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func money(a generic.Amount) string { return a.Value.StringFixed(2) }

func toVersionDTO(v *compliance.Version) VersionDTO {
	dto := VersionDTO{
		ID:                    string(v.ID),
		OperationID:           v.OperationID,
		ReportingYear:         v.ReportingYear,
		VersionSequence:       v.VersionSequence,
		IsSupplementary:       v.IsSupplementary,
		SupersedesVersionID:   string(v.SupersedesVersionID),
		SupersededByID:        string(v.SupersededByID),
		SupersededAt:          formatTimePtr(v.SupersededAt),
		Current:               v.IsCurrent(),
		Outcome:               string(v.Outcome),
		EmissionsAttributable: v.EmissionsAttributable.Value.String(),
		EmissionsLimit:        v.EmissionsLimit.Value.String(),
		ExcessEmissions:       v.ExcessEmissions.Value.String(),
		EarnedCredits:         v.EarnedCredits.Value.String(),
		ObligationAmount:      money(v.ObligationAmount),
		ObligationState:       string(v.ObligationState),
		PenaltyState:          string(v.PenaltyState),
		InterestState:         string(v.InterestState),
		SubmittedAt:           formatTime(v.SubmittedAt),
	}
	if v.HasLatePenalty() {
		dto.LatePenaltyImposedOn = v.LatePenaltyImposedOn.String()
	}
	return dto
}

func toInvoiceDTO(inv compliance.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:          string(inv.ID),
		VersionID:   string(inv.VersionID),
		Kind:        string(inv.Kind),
		Amount:      money(inv.Amount),
		Currency:    string(inv.Amount.Unit),
		IssuedAt:    formatTime(inv.IssuedAt),
		DocumentRef: inv.DocumentRef,
		VoidedAt:    formatTimePtr(inv.VoidedAt),
		VoidReason:  inv.VoidReason,
	}
}

func toInvoiceDTOs(invoices []compliance.Invoice) []InvoiceDTO {
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	return dtos
}

func toIssuanceDTO(r *compliance.IssuanceRequest) IssuanceDTO {
	return IssuanceDTO{
		ID:                r.ID,
		VersionID:         string(r.VersionID),
		Status:            string(r.Status),
		StatusLabel:       r.Status.Label(),
		EarnedCredits:     r.EarnedCredits.Value.String(),
		HoldingAccountID:  r.HoldingAccountID,
		AnalystSuggestion: string(r.AnalystSuggestion),
		AnalystComment:    r.AnalystComment,
		DirectorComment:   r.DirectorComment,
		RequestedAt:       formatTimePtr(r.RequestedAt),
		DecidedAt:         formatTimePtr(r.DecidedAt),
		DecidedBy:         r.DecidedBy,
	}
}

func toTaskListDTO(p *compliance.TaskListPlan) TaskListDTO {
	steps := make([]StepDTO, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = StepDTO{Token: string(s.Token), Title: s.Title, Active: s.Active}
	}
	return TaskListDTO{
		VersionID: string(p.VersionID),
		Role:      string(p.Role),
		Outcome:   string(p.Outcome),
		ReadOnly:  p.ReadOnly,
		Steps:     steps,
	}
}

func toPayoffQuoteDTO(q *compliance.PayoffQuote) PayoffQuoteDTO {
	return PayoffQuoteDTO{
		VersionID:             string(q.VersionID),
		PayOn:                 q.PayOn.String(),
		Obligation:            money(q.Obligation),
		OverduePenalty:        money(q.OverduePenalty),
		ProjectedPenalty:      money(q.ProjectedPenalty),
		LateSubmissionPenalty: money(q.LateSubmissionPenalty),
		ProjectedInterest:     money(q.ProjectedInterest),
		Total:                 money(q.Total()),
	}
}

func toObligationSummaryDTO(s *compliance.ObligationSummary) ObligationSummaryDTO {
	dto := ObligationSummaryDTO{
		VersionID:   string(s.VersionID),
		AsOf:        s.AsOf.String(),
		Outstanding: money(s.Outstanding()),
	}
	for _, kind := range compliance.AllInvoiceKinds {
		b := s.Balances[kind]
		c := ChargeBalanceDTO{
			Kind:        string(kind),
			Charged:     money(b.Charged),
			Accrued:     money(b.Accrued),
			Paid:        money(b.Paid),
			Outstanding: money(b.Outstanding()),
		}
		if !b.LastPaymentAt.IsZero() {
			c.LastPayment = b.LastPaymentAt.String()
		}
		dto.Charges = append(dto.Charges, c)
	}
	return dto
}

func toAuditDTOs(entries []generic.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Timestamp: formatTime(e.Timestamp),
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			Subject:   e.Subject,
			Payload:   e.Payload,
		}
	}
	return dtos
}
