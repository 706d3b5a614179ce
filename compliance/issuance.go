package compliance

import (
	"time"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// ISSUANCE REVIEW - analyst suggests, director decides
// =============================================================================
//
//   CreditsNotIssued --request--> IssuanceRequested --analyst--> (suggestion)
//                                        |
//                    +-------------------+-------------------+
//                    v                   v                   v
//             ChangesRequired         Approved            Declined
//                    |
//                    +--supplementary report--> Declined (automatic)
//
// Approved and Declined are terminal for the version. ChangesRequired hands
// control back to the operator, whose only way forward is a supplementary
// report; the issuance request itself is never re-submitted.

const (
	// AutoDeclineReason is recorded when a supplementary report supersedes
	// a request that was still under review.
	AutoDeclineReason = "superseded by supplementary report"

	// VoidReasonSuperseded is recorded on invoices voided by supersession.
	VoidReasonSuperseded = "superseded by supplementary report"
)

// newIssuanceRequest opens the request for an EarnedCredits version.
func newIssuanceRequest(v *Version, now time.Time) *IssuanceRequest {
	return &IssuanceRequest{
		ID:            newID(),
		VersionID:     v.ID,
		Status:        IssuanceCreditsNotIssued,
		EarnedCredits: v.EarnedCredits,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func setIssuanceStatus(r *IssuanceRequest, next IssuanceStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return generic.NewGuardViolation(CodeIssuanceNotPermitted, "issuance cannot move from %s to %s", r.Status, next)
	}
	r.Status = next
	return nil
}

// requestIssuance records the operator's request against a holding account.
func requestIssuance(r *IssuanceRequest, holdingAccountID string, actor Actor, now time.Time) error {
	if err := setIssuanceStatus(r, IssuanceRequested); err != nil {
		return err
	}
	r.HoldingAccountID = holdingAccountID
	r.RequestedBy = actor.ID
	r.RequestedAt = &now
	r.UpdatedAt = now
	return nil
}

// recordAnalystReview stores the analyst's suggestion. Status is unchanged;
// the suggestion unlocks the director's decision.
func recordAnalystReview(r *IssuanceRequest, suggestion AnalystSuggestion, comment string, actor Actor, now time.Time) {
	r.AnalystSuggestion = suggestion
	r.AnalystComment = comment
	r.ReviewedBy = actor.ID
	r.UpdatedAt = now
}

// applyDecision moves the request to the decision's target status.
func applyDecision(r *IssuanceRequest, decision Decision, comment string, actor Actor, now time.Time) error {
	if err := setIssuanceStatus(r, decision.target()); err != nil {
		return err
	}
	if actor.Role == RoleDirector {
		r.DirectorComment = comment
	} else {
		r.AnalystComment = comment
		r.ReviewedBy = actor.ID
	}
	r.DecidedBy = actor.ID
	r.DecidedAt = &now
	r.UpdatedAt = now
	return nil
}

// needsAutoDecline reports a request still in review when its version is superseded.
func needsAutoDecline(r *IssuanceRequest) bool {
	return r != nil && (r.Status == IssuanceRequested || r.Status == IssuanceChangesRequired)
}

// autoDecline declines a request on behalf of the system.
func autoDecline(r *IssuanceRequest, now time.Time) error {
	if err := setIssuanceStatus(r, IssuanceDeclined); err != nil {
		return err
	}
	r.DirectorComment = AutoDeclineReason
	r.DecidedBy = SystemActor.ID
	r.DecidedAt = &now
	r.UpdatedAt = now
	return nil
}
