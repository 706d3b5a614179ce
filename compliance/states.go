// Package compliance implements the compliance report version workflow:
// outcome classification, the obligation/penalty/interest state machines,
// credit issuance review, the task-list projection and supplementary report
// reconciliation. It uses the generic package for money, ledger and errors.
package compliance

import (
	"fmt"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// OBLIGATION STATE
// =============================================================================

type ObligationState string

const (
	ObligationUnpaid        ObligationState = "unpaid"
	ObligationPartiallyPaid ObligationState = "partially_paid"
	ObligationFullyPaid     ObligationState = "fully_paid"
)

// Obligation payments only move forward. PartiallyPaid -> PartiallyPaid is a
// further partial payment.
var obligationTransitions = map[ObligationState][]ObligationState{
	ObligationUnpaid:        {ObligationPartiallyPaid, ObligationFullyPaid},
	ObligationPartiallyPaid: {ObligationPartiallyPaid, ObligationFullyPaid},
	ObligationFullyPaid:     {},
}

func (s ObligationState) CanTransitionTo(next ObligationState) bool {
	return contains(obligationTransitions[s], next)
}

// =============================================================================
// ACCRUAL STATE - shared shape of the penalty and interest sub-machines
// =============================================================================

type AccrualState string

const (
	AccrualNotAccrued AccrualState = "not_accrued"
	AccrualAccruing   AccrualState = "accruing"
	AccrualNotPaid    AccrualState = "not_paid"
	AccrualPaid       AccrualState = "paid"
)

var accrualTransitions = map[AccrualState][]AccrualState{
	AccrualNotAccrued: {AccrualAccruing},
	AccrualAccruing:   {AccrualNotPaid},
	AccrualNotPaid:    {AccrualPaid},
	AccrualPaid:       {},
}

func (s AccrualState) CanTransitionTo(next AccrualState) bool {
	return contains(accrualTransitions[s], next)
}

// IsSettledOrOwed reports NotPaid or Paid: an amount has been fixed.
func (s AccrualState) IsSettledOrOwed() bool {
	return s == AccrualNotPaid || s == AccrualPaid
}

// =============================================================================
// ISSUANCE STATUS
// =============================================================================

type IssuanceStatus string

const (
	IssuanceCreditsNotIssued IssuanceStatus = "credits_not_issued"
	IssuanceRequested        IssuanceStatus = "issuance_requested"
	IssuanceChangesRequired  IssuanceStatus = "changes_required"
	IssuanceApproved         IssuanceStatus = "approved"
	IssuanceDeclined         IssuanceStatus = "declined"
)

// ChangesRequired -> Declined happens only through supersession.
var issuanceTransitions = map[IssuanceStatus][]IssuanceStatus{
	IssuanceCreditsNotIssued: {IssuanceRequested},
	IssuanceRequested:        {IssuanceChangesRequired, IssuanceApproved, IssuanceDeclined},
	IssuanceChangesRequired:  {IssuanceDeclined},
	IssuanceApproved:         {},
	IssuanceDeclined:         {},
}

func (s IssuanceStatus) CanTransitionTo(next IssuanceStatus) bool {
	return contains(issuanceTransitions[s], next)
}

func (s IssuanceStatus) IsTerminal() bool {
	return s == IssuanceApproved || s == IssuanceDeclined
}

// Label is the operator-facing text. Every status has its own label.
func (s IssuanceStatus) Label() string {
	switch s {
	case IssuanceCreditsNotIssued:
		return "Credits not issued"
	case IssuanceRequested:
		return "Issuance requested"
	case IssuanceChangesRequired:
		return "Changes required"
	case IssuanceApproved:
		return "Approved"
	case IssuanceDeclined:
		return "Declined"
	}
	return string(s)
}

// =============================================================================
// REVIEW VOCABULARY
// =============================================================================

type AnalystSuggestion string

const (
	SuggestReadyToApprove                 AnalystSuggestion = "ready_to_approve"
	SuggestRequiringChangeOfHoldingAccount AnalystSuggestion = "requiring_change_of_holding_account"
	SuggestRequiringSupplementaryReport    AnalystSuggestion = "requiring_supplementary_report"
)

func (s AnalystSuggestion) Valid() bool {
	switch s {
	case SuggestReadyToApprove, SuggestRequiringChangeOfHoldingAccount, SuggestRequiringSupplementaryReport:
		return true
	}
	return false
}

type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionDecline        Decision = "decline"
	DecisionRequireChanges Decision = "require_changes"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionDecline, DecisionRequireChanges:
		return true
	}
	return false
}

// target is the issuance status a decision moves to.
func (d Decision) target() IssuanceStatus {
	switch d {
	case DecisionApprove:
		return IssuanceApproved
	case DecisionDecline:
		return IssuanceDeclined
	default:
		return IssuanceChangesRequired
	}
}

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleIndustryUser Role = "industry_user"
	RoleAnalyst      Role = "analyst"
	RoleDirector     Role = "director"
)

func (r Role) Valid() bool {
	switch r {
	case RoleIndustryUser, RoleAnalyst, RoleDirector:
		return true
	}
	return false
}

// IsInternal reports analyst and director roles.
func (r Role) IsInternal() bool {
	return r == RoleAnalyst || r == RoleDirector
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Actor is whoever requested an operation.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor performs automatic transitions.
var SystemActor = Actor{ID: "system", Role: RoleDirector}

func (a Actor) actorType() string {
	if a.ID == SystemActor.ID {
		return "system"
	}
	return string(a.Role)
}

// =============================================================================
// INVOICE KIND
// =============================================================================

type InvoiceKind string

const (
	InvoiceObligation              InvoiceKind = "obligation"
	InvoiceAutomaticOverduePenalty InvoiceKind = "automatic_overdue_penalty"
	InvoiceLateSubmissionPenalty   InvoiceKind = "late_submission_penalty"
)

// AllInvoiceKinds lists kinds in display order.
var AllInvoiceKinds = []InvoiceKind{InvoiceObligation, InvoiceAutomaticOverduePenalty, InvoiceLateSubmissionPenalty}

func (k InvoiceKind) Valid() bool {
	switch k {
	case InvoiceObligation, InvoiceAutomaticOverduePenalty, InvoiceLateSubmissionPenalty:
		return true
	}
	return false
}

// Charge is the ledger bucket an invoice of this kind bills.
func (k InvoiceKind) Charge() generic.ChargeKind {
	switch k {
	case InvoiceAutomaticOverduePenalty:
		return generic.ChargeAutomaticOverduePenalty
	case InvoiceLateSubmissionPenalty:
		return generic.ChargeLateSubmissionPenalty
	default:
		return generic.ChargeObligation
	}
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
