package compliance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/generic"
)

func cad(s string) generic.Amount { return generic.MustAmount(s, generic.UnitCAD) }

func obligationVersion() *Version {
	v := &Version{
		ID:               "v-1",
		OperationID:      "op-1",
		ReportingYear:    2024,
		Outcome:          OutcomeObligationNotMet,
		ObligationAmount: cad("8000"),
		SubmittedAt:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	initialStates(v)
	return v
}

func creditsVersion() *Version {
	return &Version{ID: "v-2", OperationID: "op-2", ReportingYear: 2024, Outcome: OutcomeEarnedCredits}
}

func superseded(v *Version) *Version {
	v.SupersededByID = "v-next"
	return v
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(obligationVersion()).Allowed)

	r := CanTransition(superseded(obligationVersion()))
	assert.False(t, r.Allowed)
	assert.Equal(t, CodeVersionReadOnly, r.Code)
}

func TestGuardResult_Error(t *testing.T) {
	assert.NoError(t, allow().Error())

	err := deny(CodeInvalidAmount, "bad %s", "amount").Error()
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrGuardViolation))

	var gv *generic.GuardViolation
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, CodeInvalidAmount, gv.Code)
	assert.Equal(t, "bad amount", gv.Reason)
}

func TestCanRequestInvoice(t *testing.T) {
	withPenalty := func(state AccrualState) *Version {
		v := obligationVersion()
		v.ObligationState = ObligationFullyPaid
		v.PenaltyState = state
		return v
	}
	withLate := func(interest AccrualState) *Version {
		v := obligationVersion()
		v.LatePenaltyImposedOn = generic.NewTimePoint(2025, time.July, 10)
		v.InterestState = interest
		return v
	}
	partiallyPaid := obligationVersion()
	partiallyPaid.ObligationState = ObligationPartiallyPaid

	tests := []struct {
		name   string
		ctx    InvoiceContext
		code   generic.GuardCode
		permit bool
	}{
		{"obligation on unpaid", InvoiceContext{Version: obligationVersion(), Kind: InvoiceObligation}, "", true},
		{"obligation after partial payment", InvoiceContext{Version: partiallyPaid, Kind: InvoiceObligation}, CodeObligationNotUnpaid, false},
		{"second obligation invoice", InvoiceContext{
			Version: obligationVersion(), Kind: InvoiceObligation,
			Active: map[InvoiceKind]bool{InvoiceObligation: true},
		}, CodeInvoiceAlreadyActive, false},
		{"superseded version", InvoiceContext{Version: superseded(obligationVersion()), Kind: InvoiceObligation}, CodeVersionReadOnly, false},
		{"credits outcome", InvoiceContext{Version: creditsVersion(), Kind: InvoiceObligation}, CodeOutcomeHasNoObligation, false},
		{"unknown kind", InvoiceContext{Version: obligationVersion(), Kind: "refund"}, CodeInvalidInput, false},
		{"penalty owed", InvoiceContext{Version: withPenalty(AccrualNotPaid), Kind: InvoiceAutomaticOverduePenalty}, "", true},
		{"penalty still accruing", InvoiceContext{Version: withPenalty(AccrualAccruing), Kind: InvoiceAutomaticOverduePenalty}, CodePenaltyNotOwed, false},
		{"penalty already paid", InvoiceContext{Version: withPenalty(AccrualPaid), Kind: InvoiceAutomaticOverduePenalty}, CodePenaltyNotOwed, false},
		{"late penalty not imposed", InvoiceContext{Version: obligationVersion(), Kind: InvoiceLateSubmissionPenalty}, CodeNoLatePenalty, false},
		{"late penalty, interest accruing", InvoiceContext{Version: withLate(AccrualAccruing), Kind: InvoiceLateSubmissionPenalty}, "", true},
		{"late penalty, interest frozen", InvoiceContext{Version: withLate(AccrualNotPaid), Kind: InvoiceLateSubmissionPenalty}, CodeInterestInvoiced, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := CanRequestInvoice(tt.ctx)
			assert.Equal(t, tt.permit, r.Allowed, r.Reason)
			assert.Equal(t, tt.code, r.Code)
		})
	}
}

func TestCanRecordPayment(t *testing.T) {
	base := func() PaymentContext {
		return PaymentContext{
			Version:          obligationVersion(),
			Kind:             InvoiceObligation,
			Amount:           cad("100"),
			Outstanding:      cad("8000"),
			HasActiveInvoice: true,
		}
	}

	tests := []struct {
		name   string
		modify func(*PaymentContext)
		code   generic.GuardCode
	}{
		{"valid partial payment", func(*PaymentContext) {}, ""},
		{"exact payment", func(c *PaymentContext) { c.Amount = cad("8000") }, ""},
		{"zero amount", func(c *PaymentContext) { c.Amount = cad("0") }, CodeInvalidAmount},
		{"negative amount", func(c *PaymentContext) { c.Amount = cad("-5") }, CodeInvalidAmount},
		{"no invoice", func(c *PaymentContext) { c.HasActiveInvoice = false }, CodeNoActiveInvoice},
		{"overpayment", func(c *PaymentContext) { c.Amount = cad("8000.01") }, CodePaymentExceedsBalance},
		{"nothing outstanding", func(c *PaymentContext) { c.Outstanding = cad("0") }, CodeNothingOutstanding},
		{"credits outcome", func(c *PaymentContext) { c.Version = creditsVersion() }, CodeOutcomeHasNoObligation},
		{"superseded", func(c *PaymentContext) { c.Version = superseded(obligationVersion()) }, CodeVersionReadOnly},
		{"unknown kind", func(c *PaymentContext) { c.Kind = "tip" }, CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := base()
			tt.modify(&ctx)
			r := CanRecordPayment(ctx)
			assert.Equal(t, tt.code == "", r.Allowed, r.Reason)
			assert.Equal(t, tt.code, r.Code)
		})
	}
}

func TestCanImposeLateSubmissionPenalty(t *testing.T) {
	director := Actor{ID: "dir", Role: RoleDirector}
	windowEnd := generic.NewTimePoint(2025, time.May, 31)
	late := func() *Version {
		v := obligationVersion()
		v.SubmittedAt = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
		return v
	}

	tests := []struct {
		name string
		ctx  LatePenaltyContext
		code generic.GuardCode
	}{
		{"late report", LatePenaltyContext{Version: late(), Actor: director, Amount: cad("2500"), WindowEnd: windowEnd}, ""},
		{"analyst", LatePenaltyContext{Version: late(), Actor: Actor{ID: "a", Role: RoleAnalyst}, Amount: cad("2500"), WindowEnd: windowEnd}, CodeRoleNotPermitted},
		{"submitted on the last day", LatePenaltyContext{
			Version: func() *Version {
				v := obligationVersion()
				v.SubmittedAt = time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC)
				return v
			}(),
			Actor: director, Amount: cad("2500"), WindowEnd: windowEnd,
		}, CodeSubmittedOnTime},
		{"zero amount", LatePenaltyContext{Version: late(), Actor: director, Amount: cad("0"), WindowEnd: windowEnd}, CodeInvalidAmount},
		{"already imposed", LatePenaltyContext{
			Version: func() *Version {
				v := late()
				v.LatePenaltyImposedOn = generic.NewTimePoint(2025, time.July, 1)
				return v
			}(),
			Actor: director, Amount: cad("100"), WindowEnd: windowEnd,
		}, CodeLatePenaltyImposed},
		{"credits outcome", LatePenaltyContext{Version: creditsVersion(), Actor: director, Amount: cad("1"), WindowEnd: windowEnd}, CodeOutcomeHasNoObligation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := CanImposeLateSubmissionPenalty(tt.ctx)
			assert.Equal(t, tt.code == "", r.Allowed, r.Reason)
			assert.Equal(t, tt.code, r.Code)
		})
	}
}

func TestIssuanceGuards(t *testing.T) {
	operator := Actor{ID: "op", Role: RoleIndustryUser}
	analyst := Actor{ID: "an", Role: RoleAnalyst}
	director := Actor{ID: "dir", Role: RoleDirector}
	request := func(status IssuanceStatus, suggestion AnalystSuggestion) *IssuanceRequest {
		return &IssuanceRequest{VersionID: "v-2", Status: status, AnalystSuggestion: suggestion}
	}
	ctx := func(actor Actor, r *IssuanceRequest) IssuanceContext {
		return IssuanceContext{Version: creditsVersion(), Request: r, Actor: actor}
	}

	t.Run("request", func(t *testing.T) {
		assert.True(t, CanRequestIssuance(ctx(operator, request(IssuanceCreditsNotIssued, "")), "HA-1").Allowed)
		assert.Equal(t, CodeHoldingAccountRequired, CanRequestIssuance(ctx(operator, request(IssuanceCreditsNotIssued, "")), "  ").Code)
		assert.Equal(t, CodeRoleNotPermitted, CanRequestIssuance(ctx(analyst, request(IssuanceCreditsNotIssued, "")), "HA-1").Code)
		assert.Equal(t, CodeChangesNeedSupplement, CanRequestIssuance(ctx(operator, request(IssuanceChangesRequired, "")), "HA-1").Code)
		assert.Equal(t, CodeIssuanceNotPermitted, CanRequestIssuance(ctx(operator, request(IssuanceRequested, "")), "HA-1").Code)
		assert.Equal(t, CodeOutcomeHasNoCredits, CanRequestIssuance(IssuanceContext{Version: obligationVersion(), Actor: operator}, "HA-1").Code)
	})

	t.Run("analyst review", func(t *testing.T) {
		assert.True(t, CanSubmitAnalystReview(ctx(analyst, request(IssuanceRequested, "")), SuggestReadyToApprove).Allowed)
		assert.Equal(t, CodeRoleNotPermitted, CanSubmitAnalystReview(ctx(director, request(IssuanceRequested, "")), SuggestReadyToApprove).Code)
		assert.Equal(t, CodeInvalidInput, CanSubmitAnalystReview(ctx(analyst, request(IssuanceRequested, "")), "maybe").Code)
		assert.Equal(t, CodeIssuanceNotPermitted, CanSubmitAnalystReview(ctx(analyst, request(IssuanceCreditsNotIssued, "")), SuggestReadyToApprove).Code)
	})

	t.Run("review", func(t *testing.T) {
		reviewed := request(IssuanceRequested, SuggestReadyToApprove)
		assert.True(t, CanReviewIssuance(ctx(director, reviewed), DecisionApprove, "ok").Allowed)
		assert.True(t, CanReviewIssuance(ctx(director, reviewed), DecisionDecline, "no").Allowed)
		assert.Equal(t, CodeDirectorCommentMissing, CanReviewIssuance(ctx(director, reviewed), DecisionApprove, " ").Code)
		assert.Equal(t, CodeRoleNotPermitted, CanReviewIssuance(ctx(analyst, reviewed), DecisionApprove, "ok").Code)
		assert.Equal(t, CodeAnalystReviewMissing, CanReviewIssuance(ctx(director, request(IssuanceRequested, "")), DecisionApprove, "ok").Code)

		// Require changes: analyst or director, no comment or prior review needed
		assert.True(t, CanReviewIssuance(ctx(analyst, request(IssuanceRequested, "")), DecisionRequireChanges, "").Allowed)
		assert.Equal(t, CodeRoleNotPermitted, CanReviewIssuance(ctx(operator, request(IssuanceRequested, "")), DecisionRequireChanges, "").Code)

		assert.Equal(t, CodeChangesNeedSupplement, CanReviewIssuance(ctx(director, request(IssuanceChangesRequired, SuggestReadyToApprove)), DecisionApprove, "ok").Code)
		assert.Equal(t, CodeIssuanceNotPermitted, CanReviewIssuance(ctx(director, request(IssuanceApproved, SuggestReadyToApprove)), DecisionDecline, "no").Code)
		assert.Equal(t, CodeInvalidInput, CanReviewIssuance(ctx(director, reviewed), "escalate", "x").Code)
	})
}

func TestStateTables(t *testing.T) {
	// Obligation only moves forward.
	assert.True(t, ObligationUnpaid.CanTransitionTo(ObligationPartiallyPaid))
	assert.True(t, ObligationPartiallyPaid.CanTransitionTo(ObligationPartiallyPaid))
	assert.True(t, ObligationPartiallyPaid.CanTransitionTo(ObligationFullyPaid))
	assert.False(t, ObligationFullyPaid.CanTransitionTo(ObligationPartiallyPaid))
	assert.False(t, ObligationPartiallyPaid.CanTransitionTo(ObligationUnpaid))

	// Accrual is a straight line.
	assert.True(t, AccrualNotAccrued.CanTransitionTo(AccrualAccruing))
	assert.False(t, AccrualNotAccrued.CanTransitionTo(AccrualPaid))
	assert.False(t, AccrualPaid.CanTransitionTo(AccrualNotPaid))

	// Issuance: ChangesRequired only leads to Declined.
	assert.True(t, IssuanceChangesRequired.CanTransitionTo(IssuanceDeclined))
	assert.False(t, IssuanceChangesRequired.CanTransitionTo(IssuanceRequested))
	assert.False(t, IssuanceApproved.CanTransitionTo(IssuanceDeclined))

	labels := map[string]bool{}
	for _, s := range []IssuanceStatus{IssuanceCreditsNotIssued, IssuanceRequested, IssuanceChangesRequired, IssuanceApproved, IssuanceDeclined} {
		labels[s.Label()] = true
	}
	assert.Len(t, labels, 5, "every issuance status has its own label")
}

func TestAdvanceObligation(t *testing.T) {
	v := obligationVersion()
	balance := func(charged, paid string) generic.ChargeBalance {
		return generic.ChargeBalance{
			Charged: cad(charged), Accrued: cad("0"), Paid: cad(paid), Adjustments: cad("0"),
		}
	}

	require.NoError(t, advanceObligation(v, balance("8000", "3000")))
	assert.Equal(t, ObligationPartiallyPaid, v.ObligationState)

	require.NoError(t, advanceObligation(v, balance("8000", "4000")))
	assert.Equal(t, ObligationPartiallyPaid, v.ObligationState)

	require.NoError(t, advanceObligation(v, balance("8000", "8000")))
	assert.Equal(t, ObligationFullyPaid, v.ObligationState)

	// A balance that would reopen the obligation is refused.
	err := advanceObligation(v, balance("8000", "100"))
	var gv *generic.GuardViolation
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, CodeIllegalTransition, gv.Code)
	assert.Equal(t, ObligationFullyPaid, v.ObligationState)
}
