package compliance

import (
	"fmt"
	"strings"

	"github.com/warp/compliance-engine/generic"
)

// Guards are pure functions that evaluate preconditions without side effects.
// Every engine operation evaluates its guard before mutating anything.

const (
	CodeVersionReadOnly        generic.GuardCode = "version_read_only"
	CodeLineageExists          generic.GuardCode = "lineage_exists"
	CodeInvalidInput           generic.GuardCode = "invalid_input"
	CodeRoleNotPermitted       generic.GuardCode = "role_not_permitted"
	CodeOutcomeHasNoObligation generic.GuardCode = "outcome_has_no_obligation"
	CodeOutcomeHasNoCredits    generic.GuardCode = "outcome_has_no_credits"
	CodeObligationNotUnpaid    generic.GuardCode = "obligation_not_unpaid"
	CodeInvoiceAlreadyActive   generic.GuardCode = "invoice_already_active"
	CodePenaltyNotOwed         generic.GuardCode = "penalty_not_owed"
	CodeNoLatePenalty          generic.GuardCode = "no_late_submission_penalty"
	CodeInterestInvoiced       generic.GuardCode = "interest_already_invoiced"
	CodeNoActiveInvoice        generic.GuardCode = "no_active_invoice"
	CodeInvalidAmount          generic.GuardCode = "invalid_amount"
	CodePaymentExceedsBalance  generic.GuardCode = "payment_exceeds_outstanding"
	CodeNothingOutstanding     generic.GuardCode = "nothing_outstanding"
	CodeSubmittedOnTime        generic.GuardCode = "submitted_on_time"
	CodeLatePenaltyImposed     generic.GuardCode = "late_penalty_already_imposed"
	CodeIssuanceNotPermitted   generic.GuardCode = "issuance_transition_not_permitted"
	CodeChangesNeedSupplement  generic.GuardCode = "changes_require_supplementary_report"
	CodeHoldingAccountRequired generic.GuardCode = "holding_account_required"
	CodeDirectorCommentMissing generic.GuardCode = "director_comment_required"
	CodeAnalystReviewMissing   generic.GuardCode = "analyst_review_missing"
	CodeIllegalTransition      generic.GuardCode = "illegal_transition"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Code    generic.GuardCode
	Reason  string
}

// Error converts the guard result to a *generic.GuardViolation if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return &generic.GuardViolation{Code: r.Code, Reason: r.Reason}
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(code generic.GuardCode, format string, args ...any) GuardResult {
	return GuardResult{Allowed: false, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CanTransition rejects any transition on a superseded version.
func CanTransition(v *Version) GuardResult {
	if !v.IsCurrent() {
		return deny(CodeVersionReadOnly, "version %s was superseded by %s and is read-only", v.ID, v.SupersededByID)
	}
	return allow()
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceContext provides context for invoice generation guards.
type InvoiceContext struct {
	Version *Version
	Kind    InvoiceKind

	// Active holds the kinds with a non-voided invoice on the version.
	Active map[InvoiceKind]bool
}

// CanRequestInvoice evaluates whether an invoice of the given kind can be generated.
// Rules:
// - Version must be current
// - At most one non-voided invoice per kind
// - Obligation: outcome ObligationNotMet and obligation Unpaid
// - AutomaticOverduePenalty: penalty NotPaid
// - LateSubmissionPenalty: penalty imposed and interest not yet invoiced
func CanRequestInvoice(ctx InvoiceContext) GuardResult {
	v := ctx.Version
	if r := CanTransition(v); !r.Allowed {
		return r
	}
	if !ctx.Kind.Valid() {
		return deny(CodeInvalidInput, "unknown invoice kind %q", ctx.Kind)
	}
	if ctx.Active[ctx.Kind] {
		return deny(CodeInvoiceAlreadyActive, "version %s already has an active %s invoice", v.ID, ctx.Kind)
	}
	if v.Outcome != OutcomeObligationNotMet {
		return deny(CodeOutcomeHasNoObligation, "version %s has outcome %s; no %s invoice can be issued", v.ID, v.Outcome, ctx.Kind)
	}

	switch ctx.Kind {
	case InvoiceObligation:
		if v.ObligationState != ObligationUnpaid {
			return deny(CodeObligationNotUnpaid, "obligation is %s; an obligation invoice requires unpaid", v.ObligationState)
		}
	case InvoiceAutomaticOverduePenalty:
		if v.PenaltyState != AccrualNotPaid {
			return deny(CodePenaltyNotOwed, "automatic overdue penalty is %s; an invoice requires not_paid", v.PenaltyState)
		}
	case InvoiceLateSubmissionPenalty:
		if !v.HasLatePenalty() {
			return deny(CodeNoLatePenalty, "no late submission penalty was imposed on version %s", v.ID)
		}
		if v.InterestState.IsSettledOrOwed() {
			return deny(CodeInterestInvoiced, "interest is already %s", v.InterestState)
		}
	}
	return allow()
}

// CanQuotePayoff allows a payoff quote for a current version with an
// obligation, on today or a later day.
func CanQuotePayoff(v *Version, payOn, today generic.TimePoint) GuardResult {
	if r := CanTransition(v); !r.Allowed {
		return r
	}
	if v.Outcome != OutcomeObligationNotMet {
		return deny(CodeOutcomeHasNoObligation, "version %s has outcome %s and owes nothing", v.ID, v.Outcome)
	}
	if payOn.Before(today) {
		return deny(CodeInvalidInput, "payoff date %s is in the past", payOn)
	}
	return allow()
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentContext provides context for payment guards.
type PaymentContext struct {
	Version          *Version
	Kind             InvoiceKind
	Amount           generic.Amount
	Outstanding      generic.Amount
	HasActiveInvoice bool
}

// CanRecordPayment evaluates whether a payment can be applied.
// Rules:
// - Version must be current and have an obligation outcome
// - The charge must have an active invoice
// - Amount must be positive and no more than the outstanding balance
func CanRecordPayment(ctx PaymentContext) GuardResult {
	v := ctx.Version
	if r := CanTransition(v); !r.Allowed {
		return r
	}
	if !ctx.Kind.Valid() {
		return deny(CodeInvalidInput, "unknown charge kind %q", ctx.Kind)
	}
	if v.Outcome != OutcomeObligationNotMet {
		return deny(CodeOutcomeHasNoObligation, "version %s has outcome %s; nothing can be paid", v.ID, v.Outcome)
	}
	if !ctx.Amount.IsPositive() {
		return deny(CodeInvalidAmount, "payment amount must be positive, got %s", ctx.Amount.Value)
	}
	if !ctx.HasActiveInvoice {
		return deny(CodeNoActiveInvoice, "no active %s invoice on version %s", ctx.Kind, v.ID)
	}
	if !ctx.Outstanding.IsPositive() {
		return deny(CodeNothingOutstanding, "%s on version %s is fully paid", ctx.Kind, v.ID)
	}
	if ctx.Amount.GreaterThan(ctx.Outstanding) {
		return deny(CodePaymentExceedsBalance, "payment %s exceeds outstanding %s", ctx.Amount.Value, ctx.Outstanding.Value)
	}
	return allow()
}

// =============================================================================
// LATE SUBMISSION PENALTY
// =============================================================================

// LatePenaltyContext provides context for imposing a late submission penalty.
type LatePenaltyContext struct {
	Version   *Version
	Actor     Actor
	Amount    generic.Amount
	WindowEnd generic.TimePoint
}

// CanImposeLateSubmissionPenalty evaluates whether a late submission penalty can be imposed.
// Rules:
// - Only a director imposes penalties
// - Version must be current with an obligation outcome
// - Report must have been submitted after the reporting window closed
// - At most one late submission penalty per version
func CanImposeLateSubmissionPenalty(ctx LatePenaltyContext) GuardResult {
	v := ctx.Version
	if r := CanTransition(v); !r.Allowed {
		return r
	}
	if ctx.Actor.Role != RoleDirector {
		return deny(CodeRoleNotPermitted, "only a director can impose a late submission penalty")
	}
	if v.Outcome != OutcomeObligationNotMet {
		return deny(CodeOutcomeHasNoObligation, "version %s has outcome %s", v.ID, v.Outcome)
	}
	if !ctx.Amount.IsPositive() {
		return deny(CodeInvalidAmount, "penalty amount must be positive, got %s", ctx.Amount.Value)
	}
	if !generic.DayOf(v.SubmittedAt).After(ctx.WindowEnd) {
		return deny(CodeSubmittedOnTime, "report submitted %s, on or before window end %s", generic.DayOf(v.SubmittedAt), ctx.WindowEnd)
	}
	if v.HasLatePenalty() {
		return deny(CodeLatePenaltyImposed, "late submission penalty already imposed on %s", v.LatePenaltyImposedOn)
	}
	return allow()
}

// =============================================================================
// ISSUANCE
// =============================================================================

// IssuanceContext provides context for issuance guards.
type IssuanceContext struct {
	Version *Version
	Request *IssuanceRequest
	Actor   Actor
}

func canTouchIssuance(ctx IssuanceContext) GuardResult {
	if r := CanTransition(ctx.Version); !r.Allowed {
		return r
	}
	if ctx.Version.Outcome != OutcomeEarnedCredits || ctx.Request == nil {
		return deny(CodeOutcomeHasNoCredits, "version %s has outcome %s; there are no credits to issue", ctx.Version.ID, ctx.Version.Outcome)
	}
	return allow()
}

// CanRequestIssuance evaluates whether the operator can request issuance.
// Rules:
// - Version must be current with outcome EarnedCredits
// - Only the industry user requests issuance
// - Status must be CreditsNotIssued; ChangesRequired needs a supplementary report
// - A holding account is required
func CanRequestIssuance(ctx IssuanceContext, holdingAccountID string) GuardResult {
	if r := canTouchIssuance(ctx); !r.Allowed {
		return r
	}
	if ctx.Actor.Role != RoleIndustryUser {
		return deny(CodeRoleNotPermitted, "only the operator can request issuance")
	}
	switch ctx.Request.Status {
	case IssuanceCreditsNotIssued:
	case IssuanceChangesRequired:
		return deny(CodeChangesNeedSupplement, "changes were required; submit a supplementary report instead")
	default:
		return deny(CodeIssuanceNotPermitted, "issuance is already %s", ctx.Request.Status)
	}
	if strings.TrimSpace(holdingAccountID) == "" {
		return deny(CodeHoldingAccountRequired, "a holding account id is required to request issuance")
	}
	return allow()
}

// CanSubmitAnalystReview evaluates whether an analyst can record a suggestion.
// Rules:
// - Only an analyst records suggestions
// - Status must be IssuanceRequested
func CanSubmitAnalystReview(ctx IssuanceContext, suggestion AnalystSuggestion) GuardResult {
	if r := canTouchIssuance(ctx); !r.Allowed {
		return r
	}
	if ctx.Actor.Role != RoleAnalyst {
		return deny(CodeRoleNotPermitted, "only an analyst can record a review suggestion")
	}
	if !suggestion.Valid() {
		return deny(CodeInvalidInput, "unknown analyst suggestion %q", suggestion)
	}
	if ctx.Request.Status != IssuanceRequested {
		return deny(CodeIssuanceNotPermitted, "issuance is %s; analyst review requires issuance_requested", ctx.Request.Status)
	}
	return allow()
}

// CanReviewIssuance evaluates whether a review decision can be applied.
// Rules:
// - Status must be IssuanceRequested
// - Approve and Decline: director only, with a comment, after analyst review
// - RequireChanges: analyst or director
func CanReviewIssuance(ctx IssuanceContext, decision Decision, comment string) GuardResult {
	if r := canTouchIssuance(ctx); !r.Allowed {
		return r
	}
	if !decision.Valid() {
		return deny(CodeInvalidInput, "unknown decision %q", decision)
	}
	if ctx.Request.Status != IssuanceRequested {
		if ctx.Request.Status == IssuanceChangesRequired {
			return deny(CodeChangesNeedSupplement, "changes were required; the operator must submit a supplementary report")
		}
		return deny(CodeIssuanceNotPermitted, "issuance is %s; review requires issuance_requested", ctx.Request.Status)
	}

	switch decision {
	case DecisionApprove, DecisionDecline:
		if ctx.Actor.Role != RoleDirector {
			return deny(CodeRoleNotPermitted, "only a director can %s an issuance request", decision)
		}
		if strings.TrimSpace(comment) == "" {
			return deny(CodeDirectorCommentMissing, "a director comment is required to %s", decision)
		}
		if ctx.Request.AnalystSuggestion == "" {
			return deny(CodeAnalystReviewMissing, "the analyst has not reviewed this request yet")
		}
	case DecisionRequireChanges:
		if !ctx.Actor.Role.IsInternal() {
			return deny(CodeRoleNotPermitted, "only an analyst or director can require changes")
		}
	}
	return allow()
}
