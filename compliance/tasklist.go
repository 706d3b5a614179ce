package compliance

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// TASK LIST - Ordered, gated steps for one version and one viewer
// =============================================================================
//
// ResolveSteps is a pure projection. It reads nothing but its input, so the
// same input always yields the same plan. Each (audience, outcome) pair has a
// fixed canonical order; conditional steps are filtered out, never reordered.

type StepToken string

const (
	StepReviewComplianceSummary      StepToken = "review-compliance-summary"
	StepDownloadPaymentInstructions  StepToken = "download-payment-instructions"
	StepPayObligationTrackPayments   StepToken = "pay-obligation-track-payments"
	StepReviewPenaltySummary         StepToken = "review-penalty-summary"
	StepReviewInterestSummary        StepToken = "review-interest-summary"
	StepRequestIssuanceOfCredits     StepToken = "request-issuance-of-earned-credits"
	StepTrackStatusOfIssuance        StepToken = "track-status-of-issuance"
	StepReviewSummary                StepToken = "review-summary"
	StepReviewObligationPayments     StepToken = "review-obligation-payments"
	StepReviewCreditsIssuanceRequest StepToken = "review-credits-issuance-request"
	StepReviewByDirector             StepToken = "review-by-director"
)

type Step struct {
	Token  StepToken
	Title  string
	Active bool
}

// ResolveInput is everything a plan depends on.
type ResolveInput struct {
	Outcome Outcome
	Role    Role

	ObligationState ObligationState
	PenaltyState    AccrualState
	InterestState   AccrualState

	IssuanceStatus       IssuanceStatus
	HasAnalystSuggestion bool

	// OutstandingBalance is the obligation still owed.
	OutstandingBalance decimal.Decimal

	// ReadOnly marks a superseded version: steps are shown, none is active.
	ReadOnly bool

	// CurrentStep is the caller's current page token.
	CurrentStep StepToken
}

type stepDef struct {
	token   StepToken
	title   string
	include func(ResolveInput) bool
}

func always(ResolveInput) bool { return true }

// penaltyVisible requires a zero balance and penalty activity. A zero balance
// alone does not surface the step.
func penaltyVisible(in ResolveInput) bool {
	return in.OutstandingBalance.IsZero() && in.PenaltyState.IsSettledOrOwed()
}

func interestVisible(in ResolveInput) bool {
	return in.InterestState.IsSettledOrOwed()
}

func issuanceRequested(in ResolveInput) bool {
	return in.IssuanceStatus != "" && in.IssuanceStatus != IssuanceCreditsNotIssued
}

func directorStage(in ResolveInput) bool {
	return in.HasAnalystSuggestion || in.IssuanceStatus.IsTerminal()
}

var (
	industryObligationSteps = []stepDef{
		{StepReviewComplianceSummary, "Review Compliance Summary", always},
		{StepDownloadPaymentInstructions, "Download Payment Instructions", always},
		{StepPayObligationTrackPayments, "Pay Obligation and Track Payments", always},
		{StepReviewPenaltySummary, "Review Penalty Summary", penaltyVisible},
		{StepReviewInterestSummary, "Review Interest Summary", interestVisible},
	}
	industryCreditsSteps = []stepDef{
		{StepReviewComplianceSummary, "Review Compliance Summary", always},
		{StepRequestIssuanceOfCredits, "Request Issuance of Earned Credits", always},
		{StepTrackStatusOfIssuance, "Track Status of Issuance", issuanceRequested},
	}
	industryNoObligationSteps = []stepDef{
		{StepReviewComplianceSummary, "Review Compliance Summary", always},
	}

	internalObligationSteps = []stepDef{
		{StepReviewSummary, "Review Compliance Summary", always},
		{StepReviewObligationPayments, "Review Obligation and Payments", always},
		{StepReviewPenaltySummary, "Review Penalty Summary", penaltyVisible},
		{StepReviewInterestSummary, "Review Interest Summary", interestVisible},
	}
	internalCreditsSteps = []stepDef{
		{StepReviewSummary, "Review Compliance Summary", always},
		{StepReviewCreditsIssuanceRequest, "Review Credits Issuance Request", issuanceRequested},
		{StepReviewByDirector, "Review by Director", directorStage},
	}
	internalNoObligationSteps = []stepDef{
		{StepReviewSummary, "Review Compliance Summary", always},
	}
)

func canonicalSteps(outcome Outcome, role Role) []stepDef {
	internal := role.IsInternal()
	switch outcome {
	case OutcomeObligationNotMet:
		if internal {
			return internalObligationSteps
		}
		return industryObligationSteps
	case OutcomeEarnedCredits:
		if internal {
			return internalCreditsSteps
		}
		return industryCreditsSteps
	case OutcomeNoObligationOrCredits:
		if internal {
			return internalNoObligationSteps
		}
		return industryNoObligationSteps
	}
	return nil
}

// ResolveSteps returns the ordered steps for the input. At most one step is
// active: the one matching CurrentStep. An unknown token yields no active step.
func ResolveSteps(in ResolveInput) []Step {
	defs := canonicalSteps(in.Outcome, in.Role)
	steps := make([]Step, 0, len(defs))
	for _, d := range defs {
		if !d.include(in) {
			continue
		}
		steps = append(steps, Step{
			Token:  d.token,
			Title:  d.title,
			Active: !in.ReadOnly && in.CurrentStep != "" && d.token == in.CurrentStep,
		})
	}
	return steps
}

// TaskListPlan is the resolved plan for one version and viewer. It is never
// persisted.
type TaskListPlan struct {
	VersionID VersionID
	Role      Role
	Outcome   Outcome
	ReadOnly  bool
	Steps     []Step
}

// ActiveStep returns the highlighted step, if any.
func (p TaskListPlan) ActiveStep() (Step, bool) {
	for _, s := range p.Steps {
		if s.Active {
			return s, true
		}
	}
	return Step{}, false
}

// resolveInputFor assembles the resolver input from stored state.
func resolveInputFor(v *Version, req *IssuanceRequest, outstanding decimal.Decimal, role Role, current StepToken) ResolveInput {
	in := ResolveInput{
		Outcome:            v.Outcome,
		Role:               role,
		ObligationState:    v.ObligationState,
		PenaltyState:       v.PenaltyState,
		InterestState:      v.InterestState,
		OutstandingBalance: outstanding,
		ReadOnly:           !v.IsCurrent(),
		CurrentStep:        current,
	}
	if req != nil {
		in.IssuanceStatus = req.Status
		in.HasAnalystSuggestion = req.AnalystSuggestion != ""
	}
	return in
}
