/*
projection.go - Projected balance of a charge bucket

PURPOSE:
  Answers "what will be owed on day X?" for a bucket whose balance still
  grows by daily accrual. Used for payoff quotes: how much an operator must
  pay on a future date to settle an obligation together with the penalty and
  interest that will have accrued by then.

KEY INSIGHT:
  The ledger holds only what has been posted. Accruals for days the sweep
  has not reached yet exist nowhere, so the projection replays the posted
  entries and then runs the accrual schedule over the remaining days without
  writing anything.

  posted (ledger)         projected (schedule, not persisted)
  |-----------------------|------------------------------|
  charge ... last accrual  From                      Through

PROJECTION vs POSTING:
  The projection engine never creates transactions. The accrual sweep posts
  the same schedule day by day, so a projection made today equals what the
  ledger will hold on Through if nothing else is paid in between.

EXAMPLE:
  engine := &ProjectionEngine{Ledger: ledger}
  result, _ := engine.Project(ctx, ProjectionInput{
      AccountID: "version-123",
      Charge:    ChargeAutomaticOverduePenalty,
      Unit:      UnitCAD,
      From:      firstUnpostedDay,
      Through:   payOn,
      Accruals:  penaltySchedule,
  })
  owed := result.Outstanding()

SEE ALSO:
  - balance.go: ChargeBalance and CalculateBalance
  - accrual.go: AccrualSchedule interface
*/
package generic

import "context"

// =============================================================================
// PROJECTION ENGINE
// =============================================================================

// ProjectionEngine projects bucket balances forward in time.
type ProjectionEngine struct {
	Ledger Ledger
}

// ProjectionInput contains all inputs for a projection.
type ProjectionInput struct {
	AccountID AccountID
	Charge    ChargeKind
	Unit      Unit

	// From is the first day without a posted accrual.
	From TimePoint

	// Through is the last day projected, inclusive.
	Through TimePoint

	// Accruals generates the unposted days. Nil when the bucket does not accrue.
	Accruals AccrualSchedule
}

// ProjectionResult is the posted balance plus the projected accruals.
type ProjectionResult struct {
	// Posted is the ledger balance through Through.
	Posted ChargeBalance

	// Projected are the accruals the schedule adds over [From, Through].
	Projected []AccrualEvent

	ProjectedAccrued Amount
}

// Outstanding is what will be owed on Through.
func (r ProjectionResult) Outstanding() Amount {
	return r.Posted.Outstanding().Add(r.ProjectedAccrued)
}

// Project replays the bucket and runs the schedule over the unposted days.
func (pe *ProjectionEngine) Project(ctx context.Context, input ProjectionInput) (*ProjectionResult, error) {
	posted, err := pe.Ledger.Balance(ctx, input.AccountID, input.Charge, input.Through, input.Unit)
	if err != nil {
		return nil, err
	}

	result := &ProjectionResult{
		Posted:           posted,
		ProjectedAccrued: ZeroAmount(input.Unit),
	}
	if input.Accruals == nil || input.From.After(input.Through) {
		return result, nil
	}

	result.Projected = input.Accruals.GenerateAccruals(input.From, input.Through)
	result.ProjectedAccrued = Total(result.Projected, input.Unit)
	return result, nil
}
