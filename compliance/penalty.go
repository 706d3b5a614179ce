package compliance

import (
	"fmt"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// PENALTY AND INTEREST ACCRUAL
// =============================================================================
//
// The automatic overdue penalty and the interest on a late submission penalty
// are two independent sub-machines. Each has its own ledger bucket, its own
// activation guard and its own invoice:
//
//   automatic overdue penalty   bucket automatic_overdue_penalty
//     principal: obligation outstanding + penalty accrued so far
//     accrues:   each day after the due date while the obligation is unpaid,
//                up to and including the day it is fully paid
//
//   interest                    bucket late_submission_penalty
//     principal: imposed late penalty + interest accrued so far
//     accrues:   each day after InterestStartedOn until the late submission
//                penalty invoice is issued
//
// A sweep resumes from the day after the last posted entry, so replaying a
// sweep never posts a day twice. Posted penalty days are never edited: when a
// backdated obligation payment changes their principal, the difference is
// posted as an adjustment on the same day.

const (
	reasonOverduePenalty = "automatic overdue penalty"
	reasonInterest       = "late submission penalty interest"
	reasonPenaltyReprice = "automatic overdue penalty repriced"
)

// overduePenaltySchedule compounds the penalty on the obligation outstanding
// plus the penalty accrued so far.
func overduePenaltySchedule(terms generic.ReportingTerms, obligation, penalty []generic.Transaction) generic.DailyCompoundingAccrual {
	obl := generic.TimelineOf(obligation)
	pen := generic.TimelineOf(penalty)
	zero := generic.ZeroAmount(generic.UnitCAD)
	return generic.DailyCompoundingAccrual{
		Rate:   terms.PenaltyDailyRate,
		Unit:   generic.UnitCAD,
		Reason: reasonOverduePenalty,
		PrincipalAt: func(day generic.TimePoint) generic.Amount {
			return obl.BalanceAt(day, zero).Add(pen.BalanceAtOfTypes(day, zero, generic.TxAccrual, generic.TxAdjustment))
		},
	}
}

// interestSchedule compounds interest on the late submission penalty bucket.
func interestSchedule(terms generic.ReportingTerms, late []generic.Transaction) generic.DailyCompoundingAccrual {
	bucket := generic.TimelineOf(late)
	zero := generic.ZeroAmount(generic.UnitCAD)
	return generic.DailyCompoundingAccrual{
		Rate:   terms.InterestDailyRate,
		Unit:   generic.UnitCAD,
		Reason: reasonInterest,
		PrincipalAt: func(day generic.TimePoint) generic.Amount {
			return bucket.BalanceAt(day, zero)
		},
	}
}

// overduePenaltyAccruals returns the penalty entries not yet posted, through
// the given day.
func overduePenaltyAccruals(terms generic.ReportingTerms, obligation, penalty []generic.Transaction, through generic.TimePoint) []generic.AccrualEvent {
	if terms.PenaltyDailyRate.IsZero() {
		return nil
	}
	window := generic.OverdueWindow(terms.DueDate, through)
	from := resumeDay(window.Start, penalty)
	return overduePenaltySchedule(terms, obligation, penalty).GenerateAccruals(from, window.End)
}

// penaltyRepricing compares every posted penalty day with what the current
// obligation history says it should be, and returns the difference per day.
// A payment dated before days the sweep already posted lowers their principal.
// settledOn, when set, is the day the obligation was fully paid: no penalty is
// owed for the days after it.
func penaltyRepricing(terms generic.ReportingTerms, obligation, penalty []generic.Transaction, settledOn generic.TimePoint) []generic.AccrualEvent {
	posted := generic.OverdueWindow(terms.DueDate, resumeDay(terms.DueDate.AddDays(1), penalty).AddDays(-1))
	if posted.IsEmpty() {
		return nil
	}
	owedThrough := posted.End
	if !settledOn.IsZero() && settledOn.Before(owedThrough) {
		owedThrough = settledOn
	}

	zero := generic.ZeroAmount(generic.UnitCAD)
	expected := make(map[string]generic.Amount)
	if !terms.PenaltyDailyRate.IsZero() {
		window := generic.OverdueWindow(terms.DueDate, owedThrough)
		for _, ev := range overduePenaltySchedule(terms, obligation, nil).GenerateAccruals(window.Start, window.End) {
			expected[ev.At.String()] = ev.Amount
		}
	}
	actual := make(map[string]generic.Amount)
	for _, tx := range penalty {
		if tx.Type != generic.TxAccrual && tx.Type != generic.TxAdjustment {
			continue
		}
		key := tx.EffectiveAt.String()
		if _, ok := actual[key]; !ok {
			actual[key] = zero
		}
		actual[key] = actual[key].Add(tx.Delta)
	}

	var events []generic.AccrualEvent
	for _, d := range posted.Days() {
		want, ok := expected[d.String()]
		if !ok {
			want = zero
		}
		got, ok := actual[d.String()]
		if !ok {
			got = zero
		}
		diff := want.Sub(got)
		if diff.IsZero() {
			continue
		}
		events = append(events, generic.AccrualEvent{
			At:     d,
			Amount: diff,
			Reason: fmt.Sprintf("%s %s", reasonPenaltyReprice, d),
		})
	}
	return events
}

// obligationSettledOn is the day the obligation bucket last dropped to zero or
// below, or the zero day when it is still owed.
func obligationSettledOn(obligation []generic.Transaction) generic.TimePoint {
	balance := generic.ZeroAmount(generic.UnitCAD)
	var settled generic.TimePoint
	for _, tx := range obligation {
		balance = balance.Add(tx.Delta)
		switch {
		case balance.IsPositive():
			settled = generic.TimePoint{}
		case settled.IsZero():
			settled = tx.EffectiveAt
		}
	}
	return settled
}

// interestAccruals returns the interest entries not yet posted, through the
// given day. Interest starts the day after startedOn.
func interestAccruals(terms generic.ReportingTerms, late []generic.Transaction, startedOn, through generic.TimePoint) []generic.AccrualEvent {
	if terms.InterestDailyRate.IsZero() || startedOn.IsZero() {
		return nil
	}
	from := resumeDay(startedOn.AddDays(1), late)
	return interestSchedule(terms, late).GenerateAccruals(from, through)
}

// resumeDay is the first day without a posted accrual, never before start.
func resumeDay(start generic.TimePoint, txs []generic.Transaction) generic.TimePoint {
	from := start
	for _, tx := range txs {
		if tx.Type == generic.TxAccrual && !tx.EffectiveAt.Before(from) {
			from = tx.EffectiveAt.AddDays(1)
		}
	}
	return from
}

// accrualTransactions turns accrual events into ledger entries. The key makes
// each day postable once per version and bucket.
func accrualTransactions(v *Version, charge generic.ChargeKind, events []generic.AccrualEvent, actor Actor, now generic.TimePoint) []generic.Transaction {
	txs := make([]generic.Transaction, 0, len(events))
	for _, ev := range events {
		txs = append(txs, generic.Transaction{
			ID:             generic.TransactionID(newID()),
			AccountID:      v.AccountID(),
			Charge:         charge,
			EffectiveAt:    ev.At,
			Delta:          ev.Amount,
			Type:           generic.TxAccrual,
			ReferenceID:    string(v.ID),
			Reason:         ev.Reason,
			IdempotencyKey: accrualKey(v.ID, charge, ev.At),
			CreatedBy:      actor.ID,
			CreatedByType:  actor.actorType(),
			CreatedAt:      now,
		})
	}
	return txs
}

// repricingTransactions turns repricing differences into adjustments effective
// on the day they correct. The key ties each one to the payment that caused it.
func repricingTransactions(v *Version, events []generic.AccrualEvent, payment generic.Transaction, actor Actor, now generic.TimePoint) []generic.Transaction {
	txs := make([]generic.Transaction, 0, len(events))
	for _, ev := range events {
		txs = append(txs, generic.Transaction{
			ID:             generic.TransactionID(newID()),
			AccountID:      v.AccountID(),
			Charge:         generic.ChargeAutomaticOverduePenalty,
			EffectiveAt:    ev.At,
			Delta:          ev.Amount,
			Type:           generic.TxAdjustment,
			ReferenceID:    string(payment.ID),
			Reason:         ev.Reason,
			IdempotencyKey: fmt.Sprintf("%s:%s:reprice:%s:%s", v.ID, generic.ChargeAutomaticOverduePenalty, ev.At, payment.ID),
			CreatedBy:      actor.ID,
			CreatedByType:  actor.actorType(),
			CreatedAt:      now,
		})
	}
	return txs
}

func accrualKey(id VersionID, charge generic.ChargeKind, day generic.TimePoint) string {
	return fmt.Sprintf("%s:%s:accrual:%s", id, charge, day)
}

// =============================================================================
// ACTIVATION GUARDS
// =============================================================================

// penaltyShouldAccrue reports whether the overdue penalty accrues on day:
// the obligation is still owed past the due date.
func penaltyShouldAccrue(v *Version, terms generic.ReportingTerms, day generic.TimePoint) bool {
	return v.Outcome == OutcomeObligationNotMet &&
		v.ObligationState != ObligationFullyPaid &&
		(v.PenaltyState == AccrualNotAccrued || v.PenaltyState == AccrualAccruing) &&
		day.After(terms.DueDate)
}

// interestShouldActivate reports whether interest starts: a late submission
// penalty exists next to a fully paid obligation and its invoice has not been
// issued.
func interestShouldActivate(v *Version, lateInvoiceIssued bool) bool {
	return v.Outcome == OutcomeObligationNotMet &&
		v.HasLatePenalty() &&
		v.ObligationState == ObligationFullyPaid &&
		v.InterestState == AccrualNotAccrued &&
		!lateInvoiceIssued
}

// advanceAccrual moves an accrual sub-machine forward along its table,
// stopping at target. It never moves backwards.
func advanceAccrual(from, target AccrualState) (AccrualState, error) {
	state := from
	for state != target {
		next := accrualTransitions[state]
		if len(next) == 0 {
			return from, generic.NewGuardViolation(CodeIllegalTransition, "cannot move accrual from %s to %s", from, target)
		}
		state = next[0]
	}
	return state, nil
}
