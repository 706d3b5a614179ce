/*
engine_test.go - Workflow tests for the compliance engine

Each test drives the Engine through its public operations against the
in-memory store with a fixed clock, and checks the resulting versions,
invoices, ledger balances and audit trail.

ORGANIZATION:
  1. Submission and classification
  2. Obligation, payments and the automatic overdue penalty
  3. Late submission penalty and interest
  4. Issuance review
  5. Supplementary reports
  6. External collaborators
  7. Concurrency
*/
package compliance_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/compliance/memstore"
	"github.com/warp/compliance-engine/factory"
	"github.com/warp/compliance-engine/generic"
	"github.com/warp/compliance-engine/logger"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var (
	operator = compliance.Actor{ID: "op-user", Role: compliance.RoleIndustryUser}
	analyst  = compliance.Actor{ID: "analyst-1", Role: compliance.RoleAnalyst}
	director = compliance.Actor{ID: "director-1", Role: compliance.RoleDirector}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newEngine(store compliance.TxStore, clock *testClock) *compliance.Engine {
	engine := compliance.NewEngine(store, factory.MustDefaultCalendar())
	engine.Clock = clock.Now
	engine.Payments = compliance.ManualPaymentLedger{Clock: clock.Now}
	engine.Logger = logger.Nop()
	return engine
}

type fixture struct {
	engine *compliance.Engine
	store  *memstore.Store
	clock  *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()
	return &fixture{engine: newEngine(store, clock), store: store, clock: clock}
}

func tonnes(s string) generic.Amount { return generic.MustAmount(s, generic.UnitTonnesCO2e) }
func cad(s string) generic.Amount    { return generic.MustAmount(s, generic.UnitCAD) }
func day(y int, m time.Month, d int) generic.TimePoint {
	return generic.NewTimePoint(y, m, d)
}

func figures(attributable, limit string) compliance.Figures {
	return compliance.Figures{EmissionsAttributable: tonnes(attributable), EmissionsLimit: tonnes(limit)}
}

func (f *fixture) submit(t *testing.T, op string, year int, attributable, limit string, submitted time.Time) *compliance.Version {
	t.Helper()
	v, err := f.engine.SubmitReport(context.Background(), compliance.ReportSubmission{
		OperationID:   op,
		ReportingYear: year,
		Figures:       figures(attributable, limit),
		SubmittedAt:   submitted,
	}, operator)
	require.NoError(t, err)
	return v
}

func (f *fixture) version(t *testing.T, id compliance.VersionID) *compliance.Version {
	t.Helper()
	v, err := f.engine.GetVersion(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (f *fixture) pay(t *testing.T, id compliance.VersionID, kind compliance.InvoiceKind, amount string, received time.Time) *compliance.PaymentResult {
	t.Helper()
	res, err := f.engine.RecordPayment(context.Background(), id, compliance.PaymentInput{
		Kind:       kind,
		Amount:     cad(amount),
		ReceivedAt: received,
	}, operator)
	require.NoError(t, err)
	return res
}

func requireGuard(t *testing.T, err error, code generic.GuardCode) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrGuardViolation), "expected a guard violation, got %v", err)
	var gv *generic.GuardViolation
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, code, gv.Code, gv.Reason)
}

func march(d int) time.Time { return time.Date(2025, 3, d, 9, 0, 0, 0, time.UTC) }

// =============================================================================
// 1. SUBMISSION AND CLASSIFICATION
// =============================================================================

func TestScenarioA_EarnedCredits(t *testing.T) {
	f := newFixture(t)

	// GIVEN: 900 t attributable against a 1000 t limit
	v := f.submit(t, "op-a", 2024, "900", "1000", march(15))

	// THEN: The version earned 100 credits and an issuance request is waiting
	assert.Equal(t, compliance.OutcomeEarnedCredits, v.Outcome)
	assert.Equal(t, "100", v.EarnedCredits.Value.String())
	assert.True(t, v.ObligationAmount.IsZero())
	assert.Empty(t, v.ObligationState)

	req, err := f.engine.GetIssuanceRequest(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceCreditsNotIssued, req.Status)
	assert.Equal(t, "100", req.EarnedCredits.Value.String())
}

func TestScenarioB_AtTheLimit(t *testing.T) {
	f := newFixture(t)

	// GIVEN: Emissions exactly at the limit
	v := f.submit(t, "op-b", 2024, "1000", "1000", march(15))
	assert.Equal(t, compliance.OutcomeNoObligationOrCredits, v.Outcome)

	// WHEN: An obligation invoice is requested
	_, err := f.engine.RequestInvoice(context.Background(), v.ID, compliance.InvoiceObligation, operator)

	// THEN: The guard refuses and nothing is issued
	requireGuard(t, err, compliance.CodeOutcomeHasNoObligation)
	invoices, err := f.engine.ListInvoices(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Empty(t, invoices)

	_, err = f.engine.GetIssuanceRequest(context.Background(), v.ID)
	assert.True(t, generic.IsNotFound(err))
}

func TestSubmitReport_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Negative figures
	_, err := f.engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID: "op", ReportingYear: 2024, Figures: figures("-1", "1000"),
	}, operator)
	requireGuard(t, err, compliance.CodeInvalidInput)

	// Year outside the calendar
	_, err = f.engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID: "op", ReportingYear: 1999, Figures: figures("1", "1"),
	}, operator)
	requireGuard(t, err, compliance.CodeInvalidInput)

	// Submission in the future
	_, err = f.engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID: "op", ReportingYear: 2024, Figures: figures("1", "1"),
		SubmittedAt: f.clock.Now().Add(time.Hour),
	}, operator)
	requireGuard(t, err, compliance.CodeInvalidInput)

	// Second original report for a lineage
	f.submit(t, "op", 2024, "1", "1", march(1))
	_, err = f.engine.SubmitReport(ctx, compliance.ReportSubmission{
		OperationID: "op", ReportingYear: 2024, Figures: figures("2", "1"),
	}, operator)
	requireGuard(t, err, compliance.CodeLineageExists)
}

func TestSubmitReport_PostsObligationCharge(t *testing.T) {
	f := newFixture(t)

	// GIVEN: 100 t over the limit in 2024 at 80 CAD/t
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))

	// THEN: 8000 CAD is owed from the submission day
	assert.Equal(t, "8000.00", v.ObligationAmount.Value.StringFixed(2))
	assert.Equal(t, compliance.ObligationUnpaid, v.ObligationState)
	assert.Equal(t, compliance.AccrualNotAccrued, v.PenaltyState)
	assert.Equal(t, compliance.AccrualNotAccrued, v.InterestState)

	summary, err := f.engine.ObligationSummary(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, "8000.00", summary.Outstanding().Value.StringFixed(2))
	assert.Equal(t, "8000.00", summary.Balances[compliance.InvoiceObligation].Charged.Value.StringFixed(2))

	trail, err := f.engine.AuditTrail(context.Background(), v.Lineage())
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, generic.AuditReportSubmitted, trail[0].Action)
	assert.Equal(t, operator.ID, trail[0].ActorID)
}

// =============================================================================
// 2. OBLIGATION, PAYMENTS AND OVERDUE PENALTY
// =============================================================================

func TestScenarioC_OverduePenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: An unpaid 2024 obligation of 8000 CAD, due 2025-11-30
	v := f.submit(t, "op-c", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	// WHEN: The sweep runs on 2025-12-10
	res, err := f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 10))
	require.NoError(t, err)

	// THEN: Ten days of penalty are posted and the penalty is accruing
	assert.Len(t, res.Posted, 10)
	assert.Equal(t, compliance.AccrualAccruing, res.PenaltyState)
	assert.Equal(t, compliance.AccrualAccruing, f.version(t, v.ID).PenaltyState)

	// WHEN: The obligation is paid in full on 2025-12-15
	paid := f.pay(t, v.ID, compliance.InvoiceObligation, "8000", time.Date(2025, 12, 15, 10, 0, 0, 0, time.UTC))

	// THEN: The remaining days are posted and the penalty is owed
	assert.Equal(t, compliance.ObligationFullyPaid, paid.Version.ObligationState)
	assert.Equal(t, compliance.AccrualNotPaid, paid.Version.PenaltyState)

	summary, err := f.engine.ObligationSummary(ctx, v.ID)
	require.NoError(t, err)
	penalty := summary.Balances[compliance.InvoiceAutomaticOverduePenalty]
	assert.True(t, penalty.Accrued.IsPositive())
	assert.True(t, summary.Balances[compliance.InvoiceObligation].Outstanding().IsZero())

	txs, err := f.store.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
	require.NoError(t, err)
	assert.Len(t, txs, 15, "one entry per day from 2025-12-01 through 2025-12-15")

	// AND: The operator sees the penalty summary step
	plan, err := f.engine.ResolveTaskList(ctx, v.ID, compliance.RoleIndustryUser, compliance.StepReviewPenaltySummary)
	require.NoError(t, err)
	active, ok := plan.ActiveStep()
	require.True(t, ok)
	assert.Equal(t, "Review Penalty Summary", active.Title)

	// WHEN: The penalty is invoiced and paid
	inv, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceAutomaticOverduePenalty, operator)
	require.NoError(t, err)
	assert.True(t, inv.Amount.Equal(penalty.Outstanding()))
	done := f.pay(t, v.ID, compliance.InvoiceAutomaticOverduePenalty, inv.Amount.Value.String(), time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))

	// THEN: The penalty is settled and stops accruing
	assert.Equal(t, compliance.AccrualPaid, done.Version.PenaltyState)
	again, err := f.engine.AccruePenalties(ctx, v.ID, day(2026, time.January, 15))
	require.NoError(t, err)
	assert.Empty(t, again.Posted)
}

func TestOverduePenalty_SettledWithoutSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	// WHEN: Paid three days late, the scheduler never having run
	res := f.pay(t, v.ID, compliance.InvoiceObligation, "8000", time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC))

	// THEN: The penalty passes through accruing straight to owed
	assert.Equal(t, compliance.AccrualNotPaid, res.Version.PenaltyState)
	txs, err := f.store.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
	require.NoError(t, err)
	total := generic.ZeroAmount(generic.UnitCAD)
	for _, tx := range txs {
		total = total.Add(tx.Delta)
	}
	assert.Equal(t, "91.55", total.Value.StringFixed(2))
}

func TestOverduePenalty_PaymentDatedBeforeDueDateReversesSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: Ten days of penalty swept on an unpaid obligation
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)
	swept, err := f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 10))
	require.NoError(t, err)
	require.Len(t, swept.Posted, 10)

	// WHEN: A payment received before the due date is recorded afterwards
	res := f.pay(t, v.ID, compliance.InvoiceObligation, "8000", time.Date(2025, 11, 25, 0, 0, 0, 0, time.UTC))

	// THEN: The penalty never accrued and every swept day is reversed
	assert.Equal(t, compliance.ObligationFullyPaid, res.Version.ObligationState)
	assert.Equal(t, compliance.AccrualNotAccrued, res.Version.PenaltyState)

	summary, err := f.engine.ObligationSummary(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", summary.Balances[compliance.InvoiceAutomaticOverduePenalty].Outstanding().Value.StringFixed(2))

	txs, err := f.store.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
	require.NoError(t, err)
	assert.Len(t, txs, 20, "ten accruals and ten same-day adjustments")

	// AND: No penalty step, no penalty invoice and nothing more to sweep
	plan, err := f.engine.ResolveTaskList(ctx, v.ID, compliance.RoleIndustryUser, "")
	require.NoError(t, err)
	for _, step := range plan.Steps {
		assert.NotEqual(t, "Review Penalty Summary", step.Title)
	}

	_, err = f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceAutomaticOverduePenalty, operator)
	requireGuard(t, err, compliance.CodePenaltyNotOwed)

	again, err := f.engine.AccruePenalties(ctx, v.ID, day(2026, time.January, 15))
	require.NoError(t, err)
	assert.Empty(t, again.Posted)
}

func TestOverduePenalty_PaymentDatedInsideSweptDaysTrimsPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)
	_, err = f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 10))
	require.NoError(t, err)

	// WHEN: The payment is dated 2025-12-03, a week before the last swept day
	res := f.pay(t, v.ID, compliance.InvoiceObligation, "8000", time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC))

	// THEN: Only the three days through the payment remain owed
	assert.Equal(t, compliance.AccrualNotPaid, res.Version.PenaltyState)
	summary, err := f.engine.ObligationSummary(ctx, v.ID)
	require.NoError(t, err)
	penalty := summary.Balances[compliance.InvoiceAutomaticOverduePenalty]
	assert.Equal(t, "91.55", penalty.Outstanding().Value.StringFixed(2))

	inv, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceAutomaticOverduePenalty, operator)
	require.NoError(t, err)
	assert.Equal(t, "91.55", inv.Amount.Value.StringFixed(2))
}

func TestOverduePenalty_BackdatedPartialPaymentReprices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)
	_, err = f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 3))
	require.NoError(t, err)

	// WHEN: 3000 CAD received on 2025-12-02 is recorded after the sweep
	res := f.pay(t, v.ID, compliance.InvoiceObligation, "3000", time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC))

	// THEN: The third day is repriced on the lower principal and the penalty keeps accruing
	assert.Equal(t, compliance.ObligationPartiallyPaid, res.Version.ObligationState)
	assert.Equal(t, compliance.AccrualAccruing, res.Version.PenaltyState)
	summary, err := f.engine.ObligationSummary(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "80.15", summary.Balances[compliance.InvoiceAutomaticOverduePenalty].Outstanding().Value.StringFixed(2))
}

func TestPayment_OnTimeLeavesPenaltyUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	// Partial, then the balance on the due date
	partial := f.pay(t, v.ID, compliance.InvoiceObligation, "3000", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, compliance.ObligationPartiallyPaid, partial.Version.ObligationState)
	assert.Equal(t, "5000.00", partial.Outstanding.Value.StringFixed(2))

	full := f.pay(t, v.ID, compliance.InvoiceObligation, "5000", time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, compliance.ObligationFullyPaid, full.Version.ObligationState)
	assert.Equal(t, compliance.AccrualNotAccrued, full.Version.PenaltyState)

	// A later sweep posts nothing and further payments are refused
	res, err := f.engine.AccruePenalties(ctx, v.ID, day(2026, time.January, 15))
	require.NoError(t, err)
	assert.Empty(t, res.Posted)

	_, err = f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{Amount: cad("1")}, operator)
	requireGuard(t, err, compliance.CodeNothingOutstanding)

	// The obligation invoice cannot be reissued once payments started
	_, err = f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	requireGuard(t, err, compliance.CodeInvoiceAlreadyActive)
}

func TestSubmitReport_SubCentObligationNeedsNoPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: An excess that prices to 0.00 CAD
	v := f.submit(t, "op-1", 2024, "1000.00005", "1000", march(1))

	// THEN: The obligation is settled from the start and nothing is charged
	assert.Equal(t, compliance.OutcomeObligationNotMet, v.Outcome)
	assert.Equal(t, compliance.ObligationFullyPaid, v.ObligationState)
	txs, err := f.store.Load(ctx, v.AccountID(), generic.ChargeObligation)
	require.NoError(t, err)
	assert.Empty(t, txs)

	// AND: There is nothing to invoice and no penalty ever accrues
	_, err = f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	requireGuard(t, err, compliance.CodeObligationNotUnpaid)

	res, err := f.engine.AccruePenalties(ctx, v.ID, day(2026, time.January, 15))
	require.NoError(t, err)
	assert.Empty(t, res.Posted)
	assert.Equal(t, compliance.AccrualNotAccrued, f.version(t, v.ID).PenaltyState)
}

func TestPayment_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))

	// No invoice yet
	_, err := f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{Amount: cad("100")}, operator)
	requireGuard(t, err, compliance.CodeNoActiveInvoice)

	_, err = f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	// Overpayment
	_, err = f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{Amount: cad("8000.01")}, operator)
	requireGuard(t, err, compliance.CodePaymentExceedsBalance)

	// Received in the future
	_, err = f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{
		Amount: cad("10"), ReceivedAt: f.clock.Now().Add(48 * time.Hour),
	}, operator)
	requireGuard(t, err, compliance.CodeInvalidInput)

	// Nothing was applied
	assert.Equal(t, compliance.ObligationUnpaid, f.version(t, v.ID).ObligationState)
}

func TestPayment_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	in := compliance.PaymentInput{Amount: cad("2500"), IdempotencyKey: "wire-42", Reference: "EFT-42"}
	first, err := f.engine.RecordPayment(ctx, v.ID, in, operator)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// WHEN: The same payment is retried
	second, err := f.engine.RecordPayment(ctx, v.ID, in, operator)
	require.NoError(t, err)

	// THEN: It replays the first result without applying twice
	assert.True(t, second.Replayed)
	assert.Equal(t, "2500", second.Applied.Value.String())
	assert.Equal(t, "EFT-42", second.Confirmation.Reference)
	assert.Equal(t, "5500.00", second.Outstanding.Value.StringFixed(2))

	trail, err := f.engine.AuditTrail(ctx, v.Lineage())
	require.NoError(t, err)
	payments := 0
	for _, e := range trail {
		if e.Action == generic.AuditPaymentRecorded {
			payments++
		}
	}
	assert.Equal(t, 1, payments)
}

func TestAccruePenalties_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))

	// Before the due date nothing accrues
	res, err := f.engine.AccruePenalties(ctx, v.ID, day(2025, time.November, 30))
	require.NoError(t, err)
	assert.Empty(t, res.Posted)
	assert.Equal(t, compliance.AccrualNotAccrued, res.PenaltyState)

	first, err := f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 5))
	require.NoError(t, err)
	assert.Len(t, first.Posted, 5)

	// Same day again: nothing new
	again, err := f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 5))
	require.NoError(t, err)
	assert.Empty(t, again.Posted)

	// Next sweep resumes after the last posted day
	next, err := f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 7))
	require.NoError(t, err)
	require.Len(t, next.Posted, 2)
	assert.Equal(t, day(2025, time.December, 6), next.Posted[0].EffectiveAt)

	// Non-obligation versions are skipped
	credits := f.submit(t, "op-2", 2024, "900", "1000", march(1))
	skipped, err := f.engine.AccruePenalties(ctx, credits.ID, day(2025, time.December, 7))
	require.NoError(t, err)
	assert.Empty(t, skipped.Posted)

	ids, err := f.engine.AccrualCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []compliance.VersionID{v.ID}, ids)
}

func TestPayoffQuote_ProjectsUnpostedPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2025, 12, 2, 12, 0, 0, 0, time.UTC))

	// GIVEN: 8000 CAD overdue, two days of penalty posted
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 2))
	require.NoError(t, err)

	// WHEN: Quoting a payoff for the next day
	quote, err := f.engine.PayoffQuote(ctx, v.ID, day(2025, time.December, 3))
	require.NoError(t, err)

	// THEN: The unposted day is projected on top of the posted penalty
	assert.Equal(t, "8000.00", quote.Obligation.Value.StringFixed(2))
	assert.Equal(t, "30.63", quote.ProjectedPenalty.Value.StringFixed(2))
	require.Len(t, quote.ProjectedPenaltyEvents, 1)
	assert.Equal(t, day(2025, time.December, 3), quote.ProjectedPenaltyEvents[0].At)
	assert.Equal(t, "91.55", quote.OverduePenalty.Value.StringFixed(2))
	assert.Equal(t, "8091.55", quote.Total().Value.StringFixed(2))
	assert.True(t, quote.ProjectedInterest.IsZero())

	// AND: The quote posted nothing; the sweep then lands on the same figure
	txs, err := f.store.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	f.clock.Set(time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC))
	_, err = f.engine.AccruePenalties(ctx, v.ID, day(2025, time.December, 3))
	require.NoError(t, err)
	summary, err := f.engine.ObligationSummary(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, summary.Outstanding().Equal(quote.Total()))
}

func TestPayoffQuote_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	credits := f.submit(t, "op-2", 2024, "900", "1000", march(1))

	_, err := f.engine.PayoffQuote(ctx, v.ID, day(2026, time.January, 14))
	requireGuard(t, err, compliance.CodeInvalidInput)

	_, err = f.engine.PayoffQuote(ctx, credits.ID, day(2026, time.January, 20))
	requireGuard(t, err, compliance.CodeOutcomeHasNoObligation)

	// Before the due date nothing is projected
	f.clock.Set(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	quote, err := f.engine.PayoffQuote(ctx, v.ID, day(2025, time.November, 30))
	require.NoError(t, err)
	assert.True(t, quote.ProjectedPenalty.IsZero())
	assert.Equal(t, "8000.00", quote.Total().Value.StringFixed(2))
}

// =============================================================================
// 3. LATE SUBMISSION PENALTY AND INTEREST
// =============================================================================

func TestLateSubmissionPenalty_InterestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: A 2024 report submitted after the 2025-05-31 window closed
	v := f.submit(t, "op-late", 2024, "1050", "1000", time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC))

	// Only a director may impose the penalty
	_, err := f.engine.ImposeLateSubmissionPenalty(ctx, v.ID, cad("2500"), analyst)
	requireGuard(t, err, compliance.CodeRoleNotPermitted)

	imposed, err := f.engine.ImposeLateSubmissionPenalty(ctx, v.ID, cad("2500"), director)
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.January, 15), imposed.LatePenaltyImposedOn)
	assert.Equal(t, compliance.AccrualNotAccrued, imposed.InterestState, "obligation still unpaid")

	_, err = f.engine.ImposeLateSubmissionPenalty(ctx, v.ID, cad("100"), director)
	requireGuard(t, err, compliance.CodeLatePenaltyImposed)

	// WHEN: The obligation is paid in full
	_, err = f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)
	paid := f.pay(t, v.ID, compliance.InvoiceObligation, "4000", time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC))

	// THEN: Interest starts from the imposition day
	assert.Equal(t, compliance.AccrualAccruing, paid.Version.InterestState)
	assert.Equal(t, day(2026, time.January, 15), paid.Version.InterestStartedOn)

	// WHEN: Five days later the sweep runs
	f.clock.Set(time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC))
	res, err := f.engine.AccruePenalties(ctx, v.ID, day(2026, time.January, 20))
	require.NoError(t, err)
	assert.Len(t, res.Posted, 5)

	// AND: The late submission penalty is invoiced
	inv, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceLateSubmissionPenalty, director)
	require.NoError(t, err)

	// THEN: The invoice carries penalty plus interest and interest is frozen
	assert.Equal(t, "2502.90", inv.Amount.Value.StringFixed(2))
	assert.Equal(t, compliance.AccrualNotPaid, f.version(t, v.ID).InterestState)

	f.clock.Set(time.Date(2026, 1, 25, 12, 0, 0, 0, time.UTC))
	frozen, err := f.engine.AccruePenalties(ctx, v.ID, day(2026, time.January, 25))
	require.NoError(t, err)
	assert.Empty(t, frozen.Posted)

	// WHEN: It is paid in full
	done := f.pay(t, v.ID, compliance.InvoiceLateSubmissionPenalty, "2502.90", time.Date(2026, 1, 24, 0, 0, 0, 0, time.UTC))

	// THEN: Interest is settled
	assert.Equal(t, compliance.AccrualPaid, done.Version.InterestState)

	plan, err := f.engine.ResolveTaskList(ctx, v.ID, compliance.RoleDirector, "")
	require.NoError(t, err)
	var tokens []compliance.StepToken
	for _, s := range plan.Steps {
		tokens = append(tokens, s.Token)
	}
	assert.Contains(t, tokens, compliance.StepReviewInterestSummary)
}

func TestLateSubmissionPenalty_OnTimeReport(t *testing.T) {
	f := newFixture(t)
	v := f.submit(t, "op-1", 2024, "1050", "1000", time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC))

	_, err := f.engine.ImposeLateSubmissionPenalty(context.Background(), v.ID, cad("2500"), director)
	requireGuard(t, err, compliance.CodeSubmittedOnTime)
}

// =============================================================================
// 4. ISSUANCE REVIEW
// =============================================================================

func TestIssuanceReview_Approve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "900", "1000", march(1))

	_, err := f.engine.RequestIssuance(ctx, v.ID, compliance.IssuanceInput{}, operator)
	requireGuard(t, err, compliance.CodeHoldingAccountRequired)

	req, err := f.engine.RequestIssuance(ctx, v.ID, compliance.IssuanceInput{HoldingAccountID: " HA-7 "}, operator)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceRequested, req.Status)
	assert.Equal(t, "HA-7", req.HoldingAccountID)

	// Director cannot decide before the analyst
	_, err = f.engine.ReviewIssuance(ctx, v.ID, compliance.DecisionApprove, "fine", director)
	requireGuard(t, err, compliance.CodeAnalystReviewMissing)

	_, err = f.engine.SubmitAnalystReview(ctx, v.ID, compliance.SuggestReadyToApprove, "checked", analyst)
	require.NoError(t, err)

	approved, err := f.engine.ReviewIssuance(ctx, v.ID, compliance.DecisionApprove, "fine", director)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceApproved, approved.Status)
	assert.Equal(t, director.ID, approved.DecidedBy)
	assert.Equal(t, "fine", approved.DirectorComment)

	// Terminal
	_, err = f.engine.ReviewIssuance(ctx, v.ID, compliance.DecisionDecline, "changed my mind", director)
	requireGuard(t, err, compliance.CodeIssuanceNotPermitted)

	plan, err := f.engine.ResolveTaskList(ctx, v.ID, compliance.RoleAnalyst, compliance.StepReviewByDirector)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.True(t, plan.Steps[2].Active)
}

func TestIssuanceReview_RequireChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "900", "1000", march(1))
	_, err := f.engine.RequestIssuance(ctx, v.ID, compliance.IssuanceInput{HoldingAccountID: "HA-1"}, operator)
	require.NoError(t, err)

	req, err := f.engine.ReviewIssuance(ctx, v.ID, compliance.DecisionRequireChanges, "wrong account", analyst)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceChangesRequired, req.Status)
	assert.Equal(t, "wrong account", req.AnalystComment)

	// The operator cannot simply re-request
	_, err = f.engine.RequestIssuance(ctx, v.ID, compliance.IssuanceInput{HoldingAccountID: "HA-2"}, operator)
	requireGuard(t, err, compliance.CodeChangesNeedSupplement)
}

func TestIssuance_WrongOutcome(t *testing.T) {
	f := newFixture(t)
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))

	_, err := f.engine.RequestIssuance(context.Background(), v.ID, compliance.IssuanceInput{HoldingAccountID: "HA-1"}, operator)
	requireGuard(t, err, compliance.CodeOutcomeHasNoCredits)
}

// =============================================================================
// 5. SUPPLEMENTARY REPORTS
// =============================================================================

func TestScenarioD_SupplementaryDeclinesPendingIssuance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: 100 credits with issuance requested
	v := f.submit(t, "op-d", 2024, "900", "1000", march(1))
	_, err := f.engine.RequestIssuance(ctx, v.ID, compliance.IssuanceInput{HoldingAccountID: "HA-1"}, operator)
	require.NoError(t, err)

	// WHEN: The operator submits corrected figures
	result, err := f.engine.SubmitSupplementary(ctx, v.ID, figures("950", "1000"), operator)
	require.NoError(t, err)

	// THEN: The pending request is declined by the system
	require.NotNil(t, result.AutoDeclined)
	prior, err := f.engine.GetIssuanceRequest(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceDeclined, prior.Status)
	assert.Equal(t, compliance.AutoDeclineReason, prior.DirectorComment)
	assert.Equal(t, compliance.SystemActor.ID, prior.DecidedBy)

	// AND: The new version starts over with its own request
	next := result.NewVersion
	assert.Equal(t, 2, next.VersionSequence)
	assert.True(t, next.IsSupplementary)
	assert.Equal(t, v.ID, next.SupersedesVersionID)
	fresh, err := f.engine.GetIssuanceRequest(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceCreditsNotIssued, fresh.Status)
	assert.Equal(t, "50", fresh.EarnedCredits.Value.String())
	assert.Equal(t, "-50", result.EarnedCreditsDelta.Value.String())

	// AND: The prior version is read-only
	old := f.version(t, v.ID)
	assert.Equal(t, next.ID, old.SupersededByID)
	_, err = f.engine.RequestIssuance(ctx, v.ID, compliance.IssuanceInput{HoldingAccountID: "HA-1"}, operator)
	requireGuard(t, err, compliance.CodeVersionReadOnly)

	plan, err := f.engine.ResolveTaskList(ctx, v.ID, compliance.RoleIndustryUser, compliance.StepTrackStatusOfIssuance)
	require.NoError(t, err)
	assert.True(t, plan.ReadOnly)
	_, active := plan.ActiveStep()
	assert.False(t, active)

	lineage, err := f.engine.Lineage(ctx, v.Lineage())
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, v.ID, lineage[0].ID)
	assert.Equal(t, next.ID, lineage[1].ID)
}

func TestSupplementary_VoidsInvoicesAndRecomputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: An obligation with an invoice and a partial payment
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)
	f.pay(t, v.ID, compliance.InvoiceObligation, "1000", march(20))

	// WHEN: The corrected report lands under the limit
	result, err := f.engine.SubmitSupplementary(ctx, v.ID, figures("900", "1000"), operator)
	require.NoError(t, err)

	// THEN: The old invoice is voided, the new version has its own outcome
	require.Len(t, result.VoidedInvoices, 1)
	assert.Equal(t, compliance.VoidReasonSuperseded, result.VoidedInvoices[0].VoidReason)
	assert.Equal(t, compliance.OutcomeEarnedCredits, result.NewVersion.Outcome)
	assert.Equal(t, "-8000.00", result.ObligationDelta.Value.StringFixed(2))
	assert.Equal(t, "-200", result.ExcessEmissionsDelta.Value.String())
	assert.Nil(t, result.AutoDeclined)

	invoices, err := f.engine.ListInvoices(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.True(t, invoices[0].IsVoided())

	// The new version starts from a fresh ledger
	summary, err := f.engine.ObligationSummary(ctx, result.NewVersion.ID)
	require.NoError(t, err)
	assert.True(t, summary.Outstanding().IsZero())

	// The prior version takes no more payments
	_, err = f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{Amount: cad("10")}, operator)
	requireGuard(t, err, compliance.CodeVersionReadOnly)
}

func TestSupplementary_StalePrior(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.SubmitSupplementary(ctx, v.ID, figures("1200", "1000"), operator)
	require.NoError(t, err)

	// WHEN: A second supplementary names the superseded version
	_, err = f.engine.SubmitSupplementary(ctx, v.ID, figures("1300", "1000"), operator)

	// THEN: It is refused and the lineage is unchanged
	requireGuard(t, err, compliance.CodeVersionReadOnly)
	lineage, err := f.engine.Lineage(ctx, v.Lineage())
	require.NoError(t, err)
	assert.Len(t, lineage, 2)
}

func TestSupplementary_ReconciliationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))

	// GIVEN: Corrupted data with two current versions in one lineage
	twin := v.Clone()
	twin.ID = "twin"
	twin.VersionSequence = 2
	require.NoError(t, f.store.SaveVersion(ctx, twin))

	// WHEN: A supplementary report is submitted
	_, err := f.engine.SubmitSupplementary(ctx, v.ID, figures("1200", "1000"), operator)

	// THEN: The supersession aborts as a reconciliation failure
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrReconciliationFailure))
	assert.False(t, generic.IsRetryable(err))
	assert.True(t, f.version(t, v.ID).IsCurrent())
}

// faultyStore fails one kind of write inside a transaction once armed.
type faultyStore struct {
	*memstore.Store
	armed  atomic.Bool
	failOn string
}

var errInjected = errors.New("injected store failure")

func (f *faultyStore) WithTx(ctx context.Context, fn func(compliance.Store) error) error {
	return f.Store.WithTx(ctx, func(s compliance.Store) error {
		return fn(&faultyView{Store: s, parent: f})
	})
}

type faultyView struct {
	compliance.Store
	parent *faultyStore
}

func (v *faultyView) fail(op string) bool {
	return v.parent.armed.Load() && v.parent.failOn == op
}

func (v *faultyView) VoidInvoice(ctx context.Context, id compliance.InvoiceID, at time.Time, reason string) error {
	if v.fail("void") {
		return errInjected
	}
	return v.Store.VoidInvoice(ctx, id, at, reason)
}

func (v *faultyView) SaveVersion(ctx context.Context, ver *compliance.Version) error {
	if ver.SupersededByID != "" && v.fail("mark-superseded") {
		return errInjected
	}
	return v.Store.SaveVersion(ctx, ver)
}

func (v *faultyView) AppendAudit(ctx context.Context, entry generic.AuditEntry) error {
	if entry.Action == generic.AuditVersionSuperseded && v.fail("audit") {
		return errInjected
	}
	return v.Store.AppendAudit(ctx, entry)
}

func TestSupplementary_Atomicity(t *testing.T) {
	for _, failOn := range []string{"void", "mark-superseded", "audit"} {
		t.Run(failOn, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
			store := &faultyStore{Store: memstore.New(), failOn: failOn}
			engine := newEngine(store, clock)

			// GIVEN: An invoiced obligation
			v, err := engine.SubmitReport(ctx, compliance.ReportSubmission{
				OperationID: "op-1", ReportingYear: 2024, Figures: figures("1100", "1000"), SubmittedAt: march(1),
			}, operator)
			require.NoError(t, err)
			_, err = engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
			require.NoError(t, err)
			auditBefore, err := engine.AuditTrail(ctx, v.Lineage())
			require.NoError(t, err)

			// WHEN: The supersession fails part-way
			store.armed.Store(true)
			_, err = engine.SubmitSupplementary(ctx, v.ID, figures("1200", "1000"), operator)
			require.ErrorIs(t, err, errInjected)

			// THEN: Neither the voids nor the new version are visible
			lineage, err := engine.Lineage(ctx, v.Lineage())
			require.NoError(t, err)
			require.Len(t, lineage, 1)
			assert.True(t, lineage[0].IsCurrent())

			invoices, err := engine.ListInvoices(ctx, v.ID)
			require.NoError(t, err)
			require.Len(t, invoices, 1)
			assert.False(t, invoices[0].IsVoided())

			auditAfter, err := engine.AuditTrail(ctx, v.Lineage())
			require.NoError(t, err)
			assert.Len(t, auditAfter, len(auditBefore))

			// AND: The same supplementary succeeds once the store recovers
			store.armed.Store(false)
			result, err := engine.SubmitSupplementary(ctx, v.ID, figures("1200", "1000"), operator)
			require.NoError(t, err)
			assert.Len(t, result.VoidedInvoices, 1)
		})
	}
}

// =============================================================================
// 6. EXTERNAL COLLABORATORS
// =============================================================================

type slowDocuments struct{ delay time.Duration }

func (s slowDocuments) Generate(ctx context.Context, inv compliance.Invoice) (compliance.DocumentRef, error) {
	select {
	case <-time.After(s.delay):
		return "slow://" + compliance.DocumentRef(inv.ID), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type failingPayments struct{ err error }

func (f failingPayments) Confirm(context.Context, compliance.PaymentRequest) (compliance.PaymentConfirmation, error) {
	return compliance.PaymentConfirmation{}, f.err
}

type shortPayments struct{}

func (shortPayments) Confirm(_ context.Context, req compliance.PaymentRequest) (compliance.PaymentConfirmation, error) {
	return compliance.PaymentConfirmation{Reference: "r", Amount: req.Amount.Sub(cad("1")), ReceivedAt: req.ReceivedAt}, nil
}

type staticDirectory map[string]string

func (d staticDirectory) OperatorName(_ context.Context, id string) (string, error) {
	name, ok := d[id]
	if !ok {
		return "", &generic.NotFoundError{Kind: "operator", ID: id}
	}
	return name, nil
}

func TestExternal_DocumentTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))

	f.engine.Documents = slowDocuments{delay: time.Second}
	f.engine.ExternalTimeout = 20 * time.Millisecond

	// WHEN: The document generator does not answer in time
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)

	// THEN: The call fails as retryable and no invoice exists
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrExternalServiceUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, generic.IsRetryable(err))
	var ext *generic.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, compliance.ServiceDocuments, ext.Service)

	invoices, err := f.engine.ListInvoices(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, invoices)

	// WHEN: The generator recovers, the retry succeeds
	f.engine.Documents = compliance.LocalDocuments{}
	inv, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)
	assert.Equal(t, "local://invoices/"+string(inv.ID)+".pdf", inv.DocumentRef)
}

func TestExternal_PaymentLedgerFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-1", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	tests := []struct {
		name   string
		ledger compliance.PaymentLedger
	}{
		{"ledger error", failingPayments{err: errors.New("connection refused")}},
		{"confirmed amount differs", shortPayments{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.engine.Payments = tt.ledger
			_, err := f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{Amount: cad("100")}, operator)
			require.Error(t, err)
			assert.True(t, errors.Is(err, generic.ErrExternalServiceUnavailable))

			summary, err := f.engine.ObligationSummary(ctx, v.ID)
			require.NoError(t, err)
			assert.True(t, summary.Balances[compliance.InvoiceObligation].Paid.IsZero())
			assert.Equal(t, compliance.ObligationUnpaid, f.version(t, v.ID).ObligationState)
		})
	}
}

func TestOperatorName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	name, err := f.engine.OperatorName(ctx, "op-9")
	require.NoError(t, err)
	assert.Equal(t, "op-9", name)

	f.engine.Directory = staticDirectory{"op-9": "Northern Cement Ltd."}
	name, err = f.engine.OperatorName(ctx, "op-9")
	require.NoError(t, err)
	assert.Equal(t, "Northern Cement Ltd.", name)

	_, err = f.engine.OperatorName(ctx, "op-404")
	assert.True(t, generic.IsRetryable(err))
}

// =============================================================================
// 7. CONCURRENCY
// =============================================================================

func TestScenarioE_ConcurrentPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-e", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	// WHEN: Ten payments of 1000 race against an 8000 obligation
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		refused   atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{
				Amount: cad("1000"), ReceivedAt: march(20),
			}, operator)
			if err == nil {
				succeeded.Add(1)
			} else if errors.Is(err, generic.ErrGuardViolation) {
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly the owed amount was applied
	assert.Equal(t, int32(8), succeeded.Load())
	assert.Equal(t, int32(2), refused.Load())

	summary, err := f.engine.ObligationSummary(ctx, v.ID)
	require.NoError(t, err)
	obligation := summary.Balances[compliance.InvoiceObligation]
	assert.Equal(t, "8000.00", obligation.Paid.Value.StringFixed(2))
	assert.True(t, obligation.Outstanding().IsZero())
	assert.Equal(t, compliance.ObligationFullyPaid, f.version(t, v.ID).ObligationState)
}

func TestScenarioE_ConcurrentRetriesOfOnePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.submit(t, "op-e", 2024, "1100", "1000", march(1))
	_, err := f.engine.RequestInvoice(ctx, v.ID, compliance.InvoiceObligation, operator)
	require.NoError(t, err)

	// WHEN: The same payment is submitted five times at once
	var (
		wg       sync.WaitGroup
		applied  atomic.Int32
		replayed atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.RecordPayment(ctx, v.ID, compliance.PaymentInput{
				Amount: cad("3000"), IdempotencyKey: "same-wire",
			}, operator)
			if err != nil {
				return
			}
			if res.Replayed {
				replayed.Add(1)
			} else {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: One application, four replays
	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(4), replayed.Load())

	summary, err := f.engine.ObligationSummary(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "3000.00", summary.Balances[compliance.InvoiceObligation].Paid.Value.StringFixed(2))
}

func TestConcurrentLineagesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.SubmitReport(ctx, compliance.ReportSubmission{
				OperationID:   "op-" + string(rune('a'+i)),
				ReportingYear: 2024,
				Figures:       figures("1100", "1000"),
				SubmittedAt:   march(1),
			}, operator)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	ids, err := f.engine.AccrualCandidates(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 20)
}
