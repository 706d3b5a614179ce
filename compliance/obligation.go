package compliance

import (
	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// OBLIGATION
// =============================================================================

// ObligationAmount prices the excess emissions at the year's charge rate,
// rounded to cents. Outcomes without an obligation owe nothing.
func ObligationAmount(c Classification, terms generic.ReportingTerms) generic.Amount {
	if c.Outcome != OutcomeObligationNotMet {
		return generic.ZeroAmount(generic.UnitCAD)
	}
	return generic.NewAmount(c.ExcessEmissions.Value.Mul(terms.ChargeRate.Value), generic.UnitCAD).RoundCents()
}

// obligationStateFor derives the obligation state from the bucket balance.
func obligationStateFor(b generic.ChargeBalance) ObligationState {
	switch {
	case !b.Outstanding().IsPositive():
		return ObligationFullyPaid
	case b.Paid.IsPositive():
		return ObligationPartiallyPaid
	default:
		return ObligationUnpaid
	}
}

// advanceObligation applies a new balance to the version. The outstanding
// balance only decreases, so a regression is an illegal transition.
func advanceObligation(v *Version, b generic.ChargeBalance) error {
	next := obligationStateFor(b)
	if next == v.ObligationState && next != ObligationPartiallyPaid {
		return nil
	}
	if !v.ObligationState.CanTransitionTo(next) {
		return generic.NewGuardViolation(CodeIllegalTransition, "obligation cannot move from %s to %s", v.ObligationState, next)
	}
	v.ObligationState = next
	return nil
}

// initialStates sets the sub-machines a fresh version starts in. Nothing is
// carried over from a prior version. An excess too small to price at one cent
// owes nothing, so its obligation starts fully paid.
func initialStates(v *Version) {
	v.ObligationState = ""
	v.PenaltyState = ""
	v.InterestState = ""
	if v.Outcome == OutcomeObligationNotMet {
		v.ObligationState = ObligationUnpaid
		if !v.ObligationAmount.IsPositive() {
			v.ObligationState = ObligationFullyPaid
		}
		v.PenaltyState = AccrualNotAccrued
		v.InterestState = AccrualNotAccrued
	}
}

// chargesObligation reports whether the version posts an obligation charge.
func chargesObligation(v *Version) bool {
	return v.Outcome == OutcomeObligationNotMet && v.ObligationAmount.IsPositive()
}

// obligationCharge is the ledger entry that makes the obligation owed.
func obligationCharge(v *Version, actor Actor, now generic.TimePoint) generic.Transaction {
	return generic.Transaction{
		ID:             generic.TransactionID(newID()),
		AccountID:      v.AccountID(),
		Charge:         generic.ChargeObligation,
		EffectiveAt:    generic.DayOf(v.SubmittedAt),
		Delta:          v.ObligationAmount,
		Type:           generic.TxCharge,
		ReferenceID:    string(v.ID),
		Reason:         "compliance obligation " + v.Lineage().String(),
		IdempotencyKey: string(v.ID) + ":obligation:charge",
		Metadata: map[string]string{
			"excess_emissions": v.ExcessEmissions.Value.String(),
		},
		CreatedBy:     actor.ID,
		CreatedByType: actor.actorType(),
		CreatedAt:     now,
	}
}

// bucketBalance replays every entry of a bucket.
func bucketBalance(v *Version, charge generic.ChargeKind, txs []generic.Transaction) generic.ChargeBalance {
	var at generic.TimePoint
	for _, tx := range txs {
		if tx.EffectiveAt.After(at) {
			at = tx.EffectiveAt
		}
	}
	return generic.CalculateBalance(v.AccountID(), charge, txs, at, generic.UnitCAD)
}

// =============================================================================
// OBLIGATION SUMMARY
// =============================================================================

// ObligationSummary is the per-charge breakdown of what a version owes.
type ObligationSummary struct {
	VersionID VersionID
	AsOf      generic.TimePoint
	Balances  map[InvoiceKind]generic.ChargeBalance
}

// Outstanding is the total still owed across every charge.
func (s ObligationSummary) Outstanding() generic.Amount {
	total := generic.ZeroAmount(generic.UnitCAD)
	for _, b := range s.Balances {
		total = total.Add(b.Outstanding())
	}
	return total
}

// =============================================================================
// PAYOFF QUOTE
// =============================================================================

// PayoffQuote is what a version will owe on PayOn if nothing is paid before.
// Projected amounts are accruals the sweep has not posted yet.
type PayoffQuote struct {
	VersionID VersionID
	PayOn     generic.TimePoint

	Obligation             generic.Amount
	OverduePenalty         generic.Amount
	ProjectedPenalty       generic.Amount
	LateSubmissionPenalty  generic.Amount
	ProjectedInterest      generic.Amount
	ProjectedPenaltyEvents []generic.AccrualEvent
}

// Total is the amount that settles every charge on PayOn.
func (q PayoffQuote) Total() generic.Amount {
	return q.Obligation.Add(q.OverduePenalty).Add(q.LateSubmissionPenalty)
}
