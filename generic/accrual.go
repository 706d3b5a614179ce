package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCRUAL SCHEDULE - Interface for how penalties and interest accumulate
// =============================================================================

// AccrualSchedule generates accrual events for a time range.
type AccrualSchedule interface {
	// GenerateAccruals returns accrual events in [from, to].
	GenerateAccruals(from, to TimePoint) []AccrualEvent
}

// AccrualEvent represents a single accrual occurrence.
type AccrualEvent struct {
	At     TimePoint
	Amount Amount
	Reason string
}

// Total sums a slice of accrual events.
func Total(events []AccrualEvent, unit Unit) Amount {
	total := ZeroAmount(unit)
	for _, e := range events {
		total = total.Add(e.Amount)
	}
	return total
}

// =============================================================================
// DAILY COMPOUNDING ACCRUAL
// =============================================================================

// DailyCompoundingAccrual accrues Rate per day on the principal outstanding at
// the start of each day plus everything this schedule accrued before that day.
//
// Each daily amount is rounded to cents before it is added, so the sum of the
// posted ledger entries always equals the schedule total exactly.
type DailyCompoundingAccrual struct {
	Rate   decimal.Decimal
	Unit   Unit
	Reason string

	// PrincipalAt returns the principal outstanding at the end of day.
	PrincipalAt func(day TimePoint) Amount
}

func (d DailyCompoundingAccrual) GenerateAccruals(from, to TimePoint) []AccrualEvent {
	var events []AccrualEvent
	accrued := ZeroAmount(d.Unit)

	for _, day := range (Period{Start: from, End: to}).Days() {
		base := d.PrincipalAt(day.AddDays(-1)).Add(accrued)
		if !base.IsPositive() {
			continue
		}
		amount := base.Mul(d.Rate).RoundCents()
		if amount.IsZero() {
			continue
		}
		accrued = accrued.Add(amount)
		events = append(events, AccrualEvent{
			At:     day,
			Amount: amount,
			Reason: fmt.Sprintf("%s %s", d.Reason, day),
		})
	}
	return events
}
