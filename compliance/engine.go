/*
engine.go - Compliance report version workflow engine

PURPOSE:
  The Engine is the single entry point for every state transition of a
  compliance report version. It composes the pure pieces of this package
  (classifier, guards, state tables, task-list resolver, reconciler) with
  persistence, the charge ledger and the external collaborators.

OPERATION SHAPE:
  Every mutating operation follows the same steps:

    1. resolve the version's lineage and take the lineage lock
    2. read current state and evaluate the guard      (reject: no mutation)
    3. call external collaborators, bounded by a timeout (fail: no mutation)
    4. apply the transition inside one store transaction
    5. append audit entries in the same transaction, then log

  Guards are evaluated before any write and nothing is written until every
  collaborator has confirmed, so a failed operation never leaves partial state.

CONCURRENCY:
  Transitions of one (operation, year) lineage are serialized by the Locker.
  Lineages are independent and run in parallel.

SEE ALSO:
  - guards.go: Preconditions per operation
  - penalty.go: Overdue penalty and interest accrual
  - reconciler.go: Supplementary report supersession
  - tasklist.go: Task-list projection
*/
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/compliance-engine/generic"
	"github.com/warp/compliance-engine/lock"
	"github.com/warp/compliance-engine/logger"
)

// DefaultExternalTimeout bounds every collaborator call unless configured.
const DefaultExternalTimeout = 5 * time.Second

var newID = uuid.NewString

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store     TxStore
	Calendar  generic.ReportingCalendar
	Documents DocumentGenerator
	Payments  PaymentLedger
	Directory OperatorDirectory
	Locker    Locker

	ExternalTimeout time.Duration
	Clock           func() time.Time
	Logger          zerolog.Logger
}

// NewEngine wires an engine with in-process collaborators. Callers replace
// Documents, Payments, Directory and Locker for production use.
func NewEngine(store TxStore, calendar generic.ReportingCalendar) *Engine {
	return &Engine{
		Store:           store,
		Calendar:        calendar,
		Documents:       LocalDocuments{},
		Payments:        ManualPaymentLedger{},
		Locker:          lock.NewLocal(),
		ExternalTimeout: DefaultExternalTimeout,
		Logger:          logger.WithComponent("engine"),
	}
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) today() generic.TimePoint {
	return generic.DayOf(e.now())
}

func (e *Engine) terms(year int) (generic.ReportingTerms, error) {
	t, err := e.Calendar.ForYear(year)
	if err == nil {
		return t, nil
	}
	if generic.IsNotFound(err) {
		return t, generic.NewGuardViolation(CodeInvalidInput, "no reporting terms for year %d", year)
	}
	return t, &generic.ExternalServiceError{Service: ServiceCalendar, Op: "for-year", Err: err}
}

func (e *Engine) lockLineage(ctx context.Context, lineage LineageKey) (func(), error) {
	unlock, err := e.Locker.Lock(ctx, "lineage:"+lineage.String())
	if err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			return nil, err
		}
		return nil, &generic.ExternalServiceError{Service: ServiceLocker, Op: "lock", Err: err}
	}
	return unlock, nil
}

// withVersionLock holds the lineage lock of a version while fn runs.
func (e *Engine) withVersionLock(ctx context.Context, id VersionID, fn func() error) error {
	v, err := e.Store.GetVersion(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := e.lockLineage(ctx, v.Lineage())
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (e *Engine) reject(op string, id VersionID, r GuardResult) error {
	e.Logger.Debug().
		Str("op", op).
		Str("version_id", string(id)).
		Str("code", string(r.Code)).
		Msg(r.Reason)
	return r.Error()
}

// =============================================================================
// CLASSIFY AND SUBMIT
// =============================================================================

// ClassifyOutcome is the pure classifier, exposed for the transport layer.
func (e *Engine) ClassifyOutcome(attributable, limit generic.Amount) Classification {
	return ClassifyOutcome(attributable, limit)
}

// ReportSubmission is the first report of a lineage.
type ReportSubmission struct {
	OperationID   string
	ReportingYear int
	Figures       Figures

	// SubmittedAt defaults to now.
	SubmittedAt time.Time
}

func validateFigures(f Figures) GuardResult {
	if f.EmissionsAttributable.IsNegative() || f.EmissionsLimit.IsNegative() {
		return deny(CodeInvalidInput, "emissions figures must be non-negative")
	}
	return allow()
}

// SubmitReport creates version 1 of a lineage. Later corrections go through
// SubmitSupplementary.
func (e *Engine) SubmitReport(ctx context.Context, sub ReportSubmission, actor Actor) (*Version, error) {
	if strings.TrimSpace(sub.OperationID) == "" || sub.ReportingYear <= 0 {
		return nil, generic.NewGuardViolation(CodeInvalidInput, "operation id and reporting year are required")
	}
	if r := validateFigures(sub.Figures); !r.Allowed {
		return nil, r.Error()
	}
	now := e.now()
	submitted := sub.SubmittedAt.UTC()
	if sub.SubmittedAt.IsZero() {
		submitted = now
	}
	if submitted.After(now) {
		return nil, generic.NewGuardViolation(CodeInvalidInput, "submission time %s is in the future", submitted.Format(time.RFC3339))
	}
	terms, err := e.terms(sub.ReportingYear)
	if err != nil {
		return nil, err
	}

	lineage := LineageKey{OperationID: sub.OperationID, ReportingYear: sub.ReportingYear}
	unlock, err := e.lockLineage(ctx, lineage)
	if err != nil {
		return nil, err
	}
	defer unlock()

	classification := sub.Figures.Classify()
	v := &Version{
		ID:                    VersionID(newID()),
		OperationID:           sub.OperationID,
		ReportingYear:         sub.ReportingYear,
		VersionSequence:       1,
		Outcome:               classification.Outcome,
		EmissionsAttributable: sub.Figures.EmissionsAttributable,
		EmissionsLimit:        sub.Figures.EmissionsLimit,
		ExcessEmissions:       classification.ExcessEmissions,
		EarnedCredits:         classification.EarnedCredits,
		ObligationAmount:      ObligationAmount(classification, terms),
		SubmittedAt:           submitted,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	initialStates(v)

	err = e.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.LineageVersions(ctx, lineage)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return generic.NewGuardViolation(CodeLineageExists,
				"lineage %s already has %d version(s); submit a supplementary report", lineage, len(existing))
		}
		if err := s.SaveVersion(ctx, v); err != nil {
			return err
		}
		if chargesObligation(v) {
			if err := s.Append(ctx, obligationCharge(v, actor, generic.DayOf(now))); err != nil {
				return err
			}
		}
		if v.Outcome == OutcomeEarnedCredits {
			if err := s.SaveIssuanceRequest(ctx, newIssuanceRequest(v, now)); err != nil {
				return err
			}
		}
		return s.AppendAudit(ctx, auditEntry(actor, generic.AuditReportSubmitted, string(v.ID), lineage, now, map[string]any{
			"sequence":          v.VersionSequence,
			"outcome":           string(v.Outcome),
			"excess_emissions":  v.ExcessEmissions.Value.String(),
			"obligation_amount": v.ObligationAmount.Value.String(),
		}))
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("version_id", string(v.ID)).
		Str("lineage", lineage.String()).
		Str("outcome", string(v.Outcome)).
		Msg("report submitted")
	return v, nil
}

// =============================================================================
// INVOICES
// =============================================================================

// RequestInvoice issues an invoice for one charge of a version. Issuing the
// late submission penalty invoice posts interest through today and freezes it.
func (e *Engine) RequestInvoice(ctx context.Context, id VersionID, kind InvoiceKind, actor Actor) (*Invoice, error) {
	var issued *Invoice
	err := e.withVersionLock(ctx, id, func() error {
		v, err := e.Store.GetVersion(ctx, id)
		if err != nil {
			return err
		}
		invoices, err := e.Store.ListInvoices(ctx, id)
		if err != nil {
			return err
		}
		if r := CanRequestInvoice(InvoiceContext{Version: v, Kind: kind, Active: activeKinds(invoices)}); !r.Allowed {
			return e.reject("request-invoice", id, r)
		}

		now := e.now()
		today := generic.DayOf(now)
		charge := kind.Charge()
		txs, err := e.Store.Load(ctx, v.AccountID(), charge)
		if err != nil {
			return err
		}

		var pending []generic.Transaction
		if kind == InvoiceLateSubmissionPenalty && v.InterestState == AccrualAccruing {
			terms, err := e.terms(v.ReportingYear)
			if err != nil {
				return err
			}
			events := interestAccruals(terms, txs, v.InterestStartedOn, today)
			pending = accrualTransactions(v, charge, events, actor, today)
		}

		amount := bucketBalance(v, charge, append(txs, pending...)).Outstanding()
		if !amount.IsPositive() {
			return e.reject("request-invoice", id, deny(CodeNothingOutstanding, "nothing is owed on %s", kind))
		}

		inv := Invoice{
			ID:        InvoiceID(newID()),
			VersionID: v.ID,
			Kind:      kind,
			Amount:    amount,
			IssuedAt:  now,
		}
		ref, err := callExternal(ctx, e.ExternalTimeout, ServiceDocuments, "generate", func(ctx context.Context) (DocumentRef, error) {
			return e.Documents.Generate(ctx, inv)
		})
		if err != nil {
			e.Logger.Warn().Err(err).Str("version_id", string(id)).Msg("invoice document generation failed")
			return err
		}
		inv.DocumentRef = string(ref)

		err = e.Store.WithTx(ctx, func(s Store) error {
			if len(pending) > 0 {
				if _, err := generic.NewLedger(s).AppendNew(ctx, pending); err != nil {
					return err
				}
			}
			if err := s.InsertInvoice(ctx, inv); err != nil {
				return err
			}
			updated := v.Clone()
			if kind == InvoiceLateSubmissionPenalty && updated.InterestState == AccrualAccruing {
				if updated.InterestState, err = advanceAccrual(updated.InterestState, AccrualNotPaid); err != nil {
					return err
				}
			}
			updated.UpdatedAt = now
			if err := s.SaveVersion(ctx, updated); err != nil {
				return err
			}
			return s.AppendAudit(ctx, auditEntry(actor, generic.AuditInvoiceIssued, string(inv.ID), v.Lineage(), now, map[string]any{
				"version_id": string(v.ID),
				"kind":       string(kind),
				"amount":     amount.Value.String(),
			}))
		})
		if err != nil {
			return err
		}
		issued = &inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("version_id", string(id)).
		Str("invoice_id", string(issued.ID)).
		Str("kind", string(kind)).
		Str("amount", issued.Amount.Value.String()).
		Msg("invoice issued")
	return issued, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentInput is a payment against one charge of a version.
type PaymentInput struct {
	// Kind defaults to the obligation.
	Kind       InvoiceKind
	Amount     generic.Amount
	ReceivedAt time.Time
	Reference  string

	// IdempotencyKey makes retries safe. A repeated key replays the result.
	IdempotencyKey string
}

// PaymentResult is the state after a payment.
type PaymentResult struct {
	Version      *Version
	Kind         InvoiceKind
	Applied      generic.Amount
	Outstanding  generic.Amount
	Confirmation PaymentConfirmation
	Replayed     bool
}

func paymentKey(key string) string { return "payment:" + key }

// RecordPayment applies a payment once the payment ledger has confirmed it.
func (e *Engine) RecordPayment(ctx context.Context, id VersionID, in PaymentInput, actor Actor) (*PaymentResult, error) {
	if in.Kind == "" {
		in.Kind = InvoiceObligation
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = newID()
	}
	in.Amount.Unit = generic.UnitCAD
	txKey := paymentKey(in.IdempotencyKey)
	charge := in.Kind.Charge()

	var result *PaymentResult
	err := e.withVersionLock(ctx, id, func() error {
		v, err := e.Store.GetVersion(ctx, id)
		if err != nil {
			return err
		}
		txs, err := e.Store.Load(ctx, v.AccountID(), charge)
		if err != nil {
			return err
		}

		if done, err := e.Store.Exists(ctx, txKey); err != nil {
			return err
		} else if done {
			result = replayedPayment(v, in.Kind, txs, txKey)
			return nil
		}

		invoices, err := e.Store.ListInvoices(ctx, id)
		if err != nil {
			return err
		}
		r := CanRecordPayment(PaymentContext{
			Version:          v,
			Kind:             in.Kind,
			Amount:           in.Amount,
			Outstanding:      bucketBalance(v, charge, txs).Outstanding(),
			HasActiveInvoice: activeKinds(invoices)[in.Kind],
		})
		if !r.Allowed {
			return e.reject("record-payment", id, r)
		}
		now := e.now()
		if in.ReceivedAt.After(now) {
			return generic.NewGuardViolation(CodeInvalidInput, "payment received in the future")
		}
		terms, err := e.terms(v.ReportingYear)
		if err != nil {
			return err
		}

		conf, err := callExternal(ctx, e.ExternalTimeout, ServicePayments, "confirm", func(ctx context.Context) (PaymentConfirmation, error) {
			return e.Payments.Confirm(ctx, PaymentRequest{
				VersionID:      id,
				Kind:           in.Kind,
				Amount:         in.Amount,
				ReceivedAt:     in.ReceivedAt,
				Reference:      in.Reference,
				IdempotencyKey: in.IdempotencyKey,
			})
		})
		if err != nil {
			e.Logger.Warn().Err(err).Str("version_id", string(id)).Msg("payment confirmation failed")
			return err
		}
		if !conf.Amount.Value.Equal(in.Amount.Value) {
			return &generic.ExternalServiceError{
				Service: ServicePayments,
				Op:      "confirm",
				Err:     fmt.Errorf("confirmed %s but %s was submitted", conf.Amount.Value, in.Amount.Value),
			}
		}
		received := conf.ReceivedAt
		if received.IsZero() {
			received = now
		}
		paidOn := generic.DayOf(received)

		payment := generic.Transaction{
			ID:             generic.TransactionID(newID()),
			AccountID:      v.AccountID(),
			Charge:         charge,
			EffectiveAt:    paidOn,
			Delta:          in.Amount.Neg(),
			Type:           generic.TxPayment,
			ReferenceID:    conf.Reference,
			Reason:         "payment " + conf.Reference,
			IdempotencyKey: txKey,
			CreatedBy:      actor.ID,
			CreatedByType:  actor.actorType(),
			CreatedAt:      generic.DayOf(now),
		}

		return e.Store.WithTx(ctx, func(s Store) error {
			if err := generic.NewLedger(s).Append(ctx, payment); err != nil {
				return err
			}
			updated := v.Clone()
			bucket, err := s.Load(ctx, v.AccountID(), charge)
			if err != nil {
				return err
			}
			balance := bucketBalance(v, charge, bucket)

			switch in.Kind {
			case InvoiceObligation:
				if err := e.repriceOverduePenalty(ctx, s, updated, terms, bucket, payment, actor); err != nil {
					return err
				}
				if err := advanceObligation(updated, balance); err != nil {
					return err
				}
				if updated.ObligationState == ObligationFullyPaid {
					settledOn := obligationSettledOn(bucket)
					if settledOn.IsZero() {
						settledOn = paidOn
					}
					if err := e.settleOverduePenalty(ctx, s, updated, terms, settledOn, actor); err != nil {
						return err
					}
					lateIssued := activeKinds(invoices)[InvoiceLateSubmissionPenalty]
					activateInterest(updated, lateIssued, paidOn)
				}
			case InvoiceAutomaticOverduePenalty:
				if !balance.Outstanding().IsPositive() {
					if updated.PenaltyState, err = advanceAccrual(updated.PenaltyState, AccrualPaid); err != nil {
						return err
					}
				}
			case InvoiceLateSubmissionPenalty:
				if !balance.Outstanding().IsPositive() && updated.InterestState == AccrualNotPaid {
					updated.InterestState = AccrualPaid
				}
			}

			updated.UpdatedAt = now
			if err := s.SaveVersion(ctx, updated); err != nil {
				return err
			}
			if err := s.AppendAudit(ctx, auditEntry(actor, generic.AuditPaymentRecorded, string(v.ID), v.Lineage(), now, map[string]any{
				"kind":        string(in.Kind),
				"amount":      in.Amount.Value.String(),
				"reference":   conf.Reference,
				"received_on": paidOn.String(),
				"outstanding": balance.Outstanding().Value.String(),
			})); err != nil {
				return err
			}
			result = &PaymentResult{
				Version:      updated,
				Kind:         in.Kind,
				Applied:      in.Amount,
				Outstanding:  balance.Outstanding(),
				Confirmation: conf,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		e.Logger.Info().
			Str("version_id", string(id)).
			Str("kind", string(in.Kind)).
			Str("amount", in.Amount.Value.String()).
			Str("obligation_state", string(result.Version.ObligationState)).
			Str("penalty_state", string(result.Version.PenaltyState)).
			Msg("payment recorded")
	}
	return result, nil
}

func replayedPayment(v *Version, kind InvoiceKind, txs []generic.Transaction, txKey string) *PaymentResult {
	res := &PaymentResult{
		Version:     v,
		Kind:        kind,
		Outstanding: bucketBalance(v, kind.Charge(), txs).Outstanding(),
		Replayed:    true,
	}
	for _, tx := range txs {
		if tx.IdempotencyKey == txKey {
			res.Applied = tx.Delta.Neg()
			res.Confirmation = PaymentConfirmation{Reference: tx.ReferenceID, Amount: tx.Delta.Neg(), ReceivedAt: tx.EffectiveAt.Time}
		}
	}
	return res
}

// repriceOverduePenalty posts adjustments for swept penalty days whose
// principal changed because the payment is dated on or before them.
func (e *Engine) repriceOverduePenalty(ctx context.Context, s Store, v *Version, terms generic.ReportingTerms, obligation []generic.Transaction, payment generic.Transaction, actor Actor) error {
	if v.PenaltyState.IsSettledOrOwed() {
		return nil
	}
	penalty, err := s.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
	if err != nil {
		return err
	}
	var settledOn generic.TimePoint
	if !bucketBalance(v, generic.ChargeObligation, obligation).Outstanding().IsPositive() {
		settledOn = obligationSettledOn(obligation)
	}
	events := penaltyRepricing(terms, obligation, penalty, settledOn)
	if len(events) == 0 {
		return nil
	}
	txs := repricingTransactions(v, events, payment, actor, generic.DayOf(e.now()))
	if err := generic.NewLedger(s).AppendBatch(ctx, txs); err != nil {
		return err
	}
	e.Logger.Info().
		Str("version_id", string(v.ID)).
		Str("received_on", payment.EffectiveAt.String()).
		Str("adjusted", generic.Total(events, generic.UnitCAD).Value.String()).
		Int("days", len(events)).
		Msg("overdue penalty repriced")
	return nil
}

// settleOverduePenalty closes the overdue penalty once the obligation is fully
// paid. Days not yet posted by the accrual sweep are posted through paidOn.
// When nothing remains charged after repricing, the penalty never accrued.
func (e *Engine) settleOverduePenalty(ctx context.Context, s Store, v *Version, terms generic.ReportingTerms, paidOn generic.TimePoint, actor Actor) error {
	if v.PenaltyState.IsSettledOrOwed() {
		return nil
	}
	if paidOn.After(terms.DueDate) {
		obligation, err := s.Load(ctx, v.AccountID(), generic.ChargeObligation)
		if err != nil {
			return err
		}
		penalty, err := s.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
		if err != nil {
			return err
		}
		events := overduePenaltyAccruals(terms, obligation, penalty, paidOn)
		txs := accrualTransactions(v, generic.ChargeAutomaticOverduePenalty, events, actor, generic.DayOf(e.now()))
		if _, err := generic.NewLedger(s).AppendNew(ctx, txs); err != nil {
			return err
		}
	}
	penalty, err := s.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
	if err != nil {
		return err
	}
	if !bucketBalance(v, generic.ChargeAutomaticOverduePenalty, penalty).Total().IsPositive() {
		v.PenaltyState = AccrualNotAccrued
		return nil
	}
	v.PenaltyState, err = advanceAccrual(v.PenaltyState, AccrualNotPaid)
	return err
}

// activateInterest starts interest when its guard holds. Interest runs from
// the later of the penalty imposition and the obligation settlement.
func activateInterest(v *Version, lateInvoiceIssued bool, settledOn generic.TimePoint) {
	if !interestShouldActivate(v, lateInvoiceIssued) {
		return
	}
	start := v.LatePenaltyImposedOn
	if settledOn.After(start) {
		start = settledOn
	}
	v.InterestState = AccrualAccruing
	v.InterestStartedOn = start
}

// =============================================================================
// LATE SUBMISSION PENALTY
// =============================================================================

// ImposeLateSubmissionPenalty charges a director-assessed penalty on a report
// submitted after the reporting window closed.
func (e *Engine) ImposeLateSubmissionPenalty(ctx context.Context, id VersionID, amount generic.Amount, actor Actor) (*Version, error) {
	amount.Unit = generic.UnitCAD
	var updated *Version
	err := e.withVersionLock(ctx, id, func() error {
		v, err := e.Store.GetVersion(ctx, id)
		if err != nil {
			return err
		}
		terms, err := e.terms(v.ReportingYear)
		if err != nil {
			return err
		}
		if r := CanImposeLateSubmissionPenalty(LatePenaltyContext{Version: v, Actor: actor, Amount: amount, WindowEnd: terms.WindowEnd}); !r.Allowed {
			return e.reject("impose-late-penalty", id, r)
		}

		now := e.now()
		today := generic.DayOf(now)
		return e.Store.WithTx(ctx, func(s Store) error {
			charge := generic.Transaction{
				ID:             generic.TransactionID(newID()),
				AccountID:      v.AccountID(),
				Charge:         generic.ChargeLateSubmissionPenalty,
				EffectiveAt:    today,
				Delta:          amount.RoundCents(),
				Type:           generic.TxCharge,
				ReferenceID:    string(v.ID),
				Reason:         "late submission penalty " + v.Lineage().String(),
				IdempotencyKey: string(v.ID) + ":late_submission_penalty:charge",
				CreatedBy:      actor.ID,
				CreatedByType:  actor.actorType(),
				CreatedAt:      today,
			}
			if err := generic.NewLedger(s).Append(ctx, charge); err != nil {
				return err
			}
			updated = v.Clone()
			updated.LatePenaltyImposedOn = today

			obligation, err := s.Load(ctx, v.AccountID(), generic.ChargeObligation)
			if err != nil {
				return err
			}
			activateInterest(updated, false, bucketBalance(v, generic.ChargeObligation, obligation).LastPaymentAt)

			updated.UpdatedAt = now
			if err := s.SaveVersion(ctx, updated); err != nil {
				return err
			}
			return s.AppendAudit(ctx, auditEntry(actor, generic.AuditPenaltyImposed, string(v.ID), v.Lineage(), now, map[string]any{
				"amount":         charge.Delta.Value.String(),
				"interest_state": string(updated.InterestState),
			}))
		})
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("version_id", string(id)).
		Str("amount", amount.Value.String()).
		Str("interest_state", string(updated.InterestState)).
		Msg("late submission penalty imposed")
	return updated, nil
}

// =============================================================================
// ACCRUAL SWEEP
// =============================================================================

// AccrualResult reports what one sweep posted for a version.
type AccrualResult struct {
	VersionID     VersionID
	Posted        []generic.Transaction
	PenaltyState  AccrualState
	InterestState AccrualState
}

// AccruePenalties posts the overdue penalty and interest accruals due through
// asOf. Versions with nothing accruing are left untouched. Running it twice
// for the same day posts nothing the second time.
func (e *Engine) AccruePenalties(ctx context.Context, id VersionID, asOf generic.TimePoint) (*AccrualResult, error) {
	result := &AccrualResult{VersionID: id}
	err := e.withVersionLock(ctx, id, func() error {
		v, err := e.Store.GetVersion(ctx, id)
		if err != nil {
			return err
		}
		result.PenaltyState, result.InterestState = v.PenaltyState, v.InterestState
		if !v.IsCurrent() || v.Outcome != OutcomeObligationNotMet {
			return nil
		}
		terms, err := e.terms(v.ReportingYear)
		if err != nil {
			return err
		}
		penaltyDue := penaltyShouldAccrue(v, terms, asOf)
		interestDue := v.InterestState == AccrualAccruing
		if !penaltyDue && !interestDue {
			return nil
		}

		now := e.now()
		return e.Store.WithTx(ctx, func(s Store) error {
			ledger := generic.NewLedger(s)
			updated := v.Clone()

			if penaltyDue {
				obligation, err := s.Load(ctx, v.AccountID(), generic.ChargeObligation)
				if err != nil {
					return err
				}
				penalty, err := s.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
				if err != nil {
					return err
				}
				events := overduePenaltyAccruals(terms, obligation, penalty, asOf)
				fresh, err := ledger.AppendNew(ctx, accrualTransactions(v, generic.ChargeAutomaticOverduePenalty, events, SystemActor, generic.DayOf(now)))
				if err != nil {
					return err
				}
				result.Posted = append(result.Posted, fresh...)
				if len(fresh) > 0 && updated.PenaltyState == AccrualNotAccrued {
					updated.PenaltyState = AccrualAccruing
				}
			}

			if interestDue {
				late, err := s.Load(ctx, v.AccountID(), generic.ChargeLateSubmissionPenalty)
				if err != nil {
					return err
				}
				events := interestAccruals(terms, late, v.InterestStartedOn, asOf)
				fresh, err := ledger.AppendNew(ctx, accrualTransactions(v, generic.ChargeLateSubmissionPenalty, events, SystemActor, generic.DayOf(now)))
				if err != nil {
					return err
				}
				result.Posted = append(result.Posted, fresh...)
			}

			result.PenaltyState, result.InterestState = updated.PenaltyState, updated.InterestState
			if len(result.Posted) == 0 {
				return nil
			}
			updated.UpdatedAt = now
			if err := s.SaveVersion(ctx, updated); err != nil {
				return err
			}
			total := generic.ZeroAmount(generic.UnitCAD)
			for _, tx := range result.Posted {
				total = total.Add(tx.Delta)
			}
			return s.AppendAudit(ctx, auditEntry(SystemActor, generic.AuditAccrualPosted, string(v.ID), v.Lineage(), now, map[string]any{
				"as_of":   asOf.String(),
				"entries": len(result.Posted),
				"total":   total.Value.String(),
			}))
		})
	})
	if err != nil {
		return nil, err
	}
	if len(result.Posted) > 0 {
		e.Logger.Info().
			Str("version_id", string(id)).
			Int("entries", len(result.Posted)).
			Str("as_of", asOf.String()).
			Msg("accruals posted")
	}
	return result, nil
}

// AccrualCandidates lists the current versions that may owe penalty or interest.
func (e *Engine) AccrualCandidates(ctx context.Context) ([]VersionID, error) {
	versions, err := e.Store.CurrentVersions(ctx)
	if err != nil {
		return nil, err
	}
	var ids []VersionID
	for _, v := range versions {
		if v.Outcome == OutcomeObligationNotMet {
			ids = append(ids, v.ID)
		}
	}
	return ids, nil
}

// =============================================================================
// ISSUANCE
// =============================================================================

type IssuanceInput struct {
	HoldingAccountID string
}

// RequestIssuance submits the operator's request to issue earned credits.
func (e *Engine) RequestIssuance(ctx context.Context, id VersionID, in IssuanceInput, actor Actor) (*IssuanceRequest, error) {
	holding := strings.TrimSpace(in.HoldingAccountID)
	return e.mutateIssuance(ctx, id, actor, "request-issuance", generic.AuditIssuanceRequested,
		func(c IssuanceContext) GuardResult { return CanRequestIssuance(c, holding) },
		func(r *IssuanceRequest, now time.Time) (map[string]any, error) {
			if err := requestIssuance(r, holding, actor, now); err != nil {
				return nil, err
			}
			return map[string]any{"holding_account_id": holding, "earned_credits": r.EarnedCredits.Value.String()}, nil
		})
}

// SubmitAnalystReview records the analyst's suggestion for the director.
func (e *Engine) SubmitAnalystReview(ctx context.Context, id VersionID, suggestion AnalystSuggestion, comment string, actor Actor) (*IssuanceRequest, error) {
	return e.mutateIssuance(ctx, id, actor, "analyst-review", generic.AuditIssuanceReviewed,
		func(c IssuanceContext) GuardResult { return CanSubmitAnalystReview(c, suggestion) },
		func(r *IssuanceRequest, now time.Time) (map[string]any, error) {
			recordAnalystReview(r, suggestion, comment, actor, now)
			return map[string]any{"suggestion": string(suggestion)}, nil
		})
}

// ReviewIssuance applies an approve, decline or require-changes decision.
func (e *Engine) ReviewIssuance(ctx context.Context, id VersionID, decision Decision, comment string, actor Actor) (*IssuanceRequest, error) {
	comment = strings.TrimSpace(comment)
	return e.mutateIssuance(ctx, id, actor, "review-issuance", generic.AuditIssuanceReviewed,
		func(c IssuanceContext) GuardResult { return CanReviewIssuance(c, decision, comment) },
		func(r *IssuanceRequest, now time.Time) (map[string]any, error) {
			if err := applyDecision(r, decision, comment, actor, now); err != nil {
				return nil, err
			}
			return map[string]any{"decision": string(decision), "status": string(r.Status)}, nil
		})
}

func (e *Engine) mutateIssuance(
	ctx context.Context,
	id VersionID,
	actor Actor,
	op string,
	action generic.AuditAction,
	guard func(IssuanceContext) GuardResult,
	apply func(*IssuanceRequest, time.Time) (map[string]any, error),
) (*IssuanceRequest, error) {
	var updated *IssuanceRequest
	err := e.withVersionLock(ctx, id, func() error {
		v, err := e.Store.GetVersion(ctx, id)
		if err != nil {
			return err
		}
		req, err := e.Store.GetIssuanceRequest(ctx, id)
		if err != nil && !generic.IsNotFound(err) {
			return err
		}
		if r := guard(IssuanceContext{Version: v, Request: req, Actor: actor}); !r.Allowed {
			return e.reject(op, id, r)
		}

		now := e.now()
		updated = req.Clone()
		payload, err := apply(updated, now)
		if err != nil {
			return err
		}
		return e.Store.WithTx(ctx, func(s Store) error {
			if err := s.SaveIssuanceRequest(ctx, updated); err != nil {
				return err
			}
			payload["from"] = string(req.Status)
			return s.AppendAudit(ctx, auditEntry(actor, action, string(v.ID), v.Lineage(), now, payload))
		})
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("version_id", string(id)).
		Str("op", op).
		Str("status", string(updated.Status)).
		Msg("issuance updated")
	return updated, nil
}

// =============================================================================
// SUPPLEMENTARY REPORTS
// =============================================================================

// SubmitSupplementary supersedes the current version of a lineage with new
// figures. Either every effect of the supersession is applied or none is.
func (e *Engine) SubmitSupplementary(ctx context.Context, priorID VersionID, figures Figures, actor Actor) (*ReconciliationResult, error) {
	if r := validateFigures(figures); !r.Allowed {
		return nil, r.Error()
	}
	var result *ReconciliationResult
	err := e.withVersionLock(ctx, priorID, func() error {
		prior, err := e.Store.GetVersion(ctx, priorID)
		if err != nil {
			return err
		}
		terms, err := e.terms(prior.ReportingYear)
		if err != nil {
			return err
		}
		in := supersedeInput{PriorID: priorID, Figures: figures, Terms: terms, Actor: actor, Now: e.now()}
		return e.Store.WithTx(ctx, func(s Store) error {
			result, err = supersede(ctx, s, in)
			return err
		})
	})
	if err != nil {
		var rf *generic.ReconciliationFailure
		if errors.As(err, &rf) {
			e.Logger.Error().Err(err).Str("version_id", string(priorID)).Msg("supersession aborted")
		}
		return nil, err
	}

	e.Logger.Info().
		Str("prior_version_id", string(priorID)).
		Str("version_id", string(result.NewVersion.ID)).
		Str("outcome", string(result.NewVersion.Outcome)).
		Int("voided_invoices", len(result.VoidedInvoices)).
		Bool("issuance_auto_declined", result.AutoDeclined != nil).
		Msg("supplementary report reconciled")
	return result, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// ResolveTaskList builds the task-list plan of a version for a viewer.
func (e *Engine) ResolveTaskList(ctx context.Context, id VersionID, role Role, current StepToken) (*TaskListPlan, error) {
	if !role.Valid() {
		return nil, generic.NewGuardViolation(CodeInvalidInput, "unknown role %q", role)
	}
	v, err := e.Store.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	req, err := e.Store.GetIssuanceRequest(ctx, id)
	if err != nil && !generic.IsNotFound(err) {
		return nil, err
	}
	obligation, err := e.Store.Load(ctx, v.AccountID(), generic.ChargeObligation)
	if err != nil {
		return nil, err
	}
	outstanding := bucketBalance(v, generic.ChargeObligation, obligation).Outstanding().Value

	in := resolveInputFor(v, req, outstanding, role, current)
	return &TaskListPlan{
		VersionID: v.ID,
		Role:      role,
		Outcome:   v.Outcome,
		ReadOnly:  in.ReadOnly,
		Steps:     ResolveSteps(in),
	}, nil
}

func (e *Engine) GetVersion(ctx context.Context, id VersionID) (*Version, error) {
	return e.Store.GetVersion(ctx, id)
}

func (e *Engine) ListInvoices(ctx context.Context, id VersionID) ([]Invoice, error) {
	if _, err := e.Store.GetVersion(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.ListInvoices(ctx, id)
}

func (e *Engine) GetIssuanceRequest(ctx context.Context, id VersionID) (*IssuanceRequest, error) {
	return e.Store.GetIssuanceRequest(ctx, id)
}

// Lineage returns the version history of an operation and year, oldest first.
func (e *Engine) Lineage(ctx context.Context, key LineageKey) ([]*Version, error) {
	versions, err := e.Store.LineageVersions(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &generic.NotFoundError{Kind: "lineage", ID: key.String()}
	}
	return versions, nil
}

// ObligationSummary replays every charge bucket of a version as of today.
func (e *Engine) ObligationSummary(ctx context.Context, id VersionID) (*ObligationSummary, error) {
	v, err := e.Store.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	today := e.today()
	ledger := generic.NewLedger(e.Store)
	summary := &ObligationSummary{VersionID: id, AsOf: today, Balances: make(map[InvoiceKind]generic.ChargeBalance)}
	for _, kind := range AllInvoiceKinds {
		b, err := ledger.Balance(ctx, v.AccountID(), kind.Charge(), today, generic.UnitCAD)
		if err != nil {
			return nil, err
		}
		summary.Balances[kind] = b
	}
	return summary, nil
}

// PayoffQuote projects every charge bucket of a version through payOn. The
// overdue penalty and interest keep compounding on the days the sweep has not
// reached; nothing is posted.
func (e *Engine) PayoffQuote(ctx context.Context, id VersionID, payOn generic.TimePoint) (*PayoffQuote, error) {
	v, err := e.Store.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if r := CanQuotePayoff(v, payOn, e.today()); !r.Allowed {
		return nil, e.reject("payoff-quote", id, r)
	}
	terms, err := e.terms(v.ReportingYear)
	if err != nil {
		return nil, err
	}

	projector := &generic.ProjectionEngine{Ledger: generic.NewLedger(e.Store)}
	project := func(charge generic.ChargeKind, from generic.TimePoint, schedule generic.AccrualSchedule) (*generic.ProjectionResult, error) {
		return projector.Project(ctx, generic.ProjectionInput{
			AccountID: v.AccountID(),
			Charge:    charge,
			Unit:      generic.UnitCAD,
			From:      from,
			Through:   payOn,
			Accruals:  schedule,
		})
	}

	obligation, err := project(generic.ChargeObligation, payOn, nil)
	if err != nil {
		return nil, err
	}

	var penaltyFrom generic.TimePoint
	var penaltySchedule generic.AccrualSchedule
	if penaltyShouldAccrue(v, terms, payOn) && !terms.PenaltyDailyRate.IsZero() {
		oblTxs, err := e.Store.Load(ctx, v.AccountID(), generic.ChargeObligation)
		if err != nil {
			return nil, err
		}
		penTxs, err := e.Store.Load(ctx, v.AccountID(), generic.ChargeAutomaticOverduePenalty)
		if err != nil {
			return nil, err
		}
		penaltyFrom = resumeDay(terms.DueDate.AddDays(1), penTxs)
		penaltySchedule = overduePenaltySchedule(terms, oblTxs, penTxs)
	}
	penalty, err := project(generic.ChargeAutomaticOverduePenalty, penaltyFrom, penaltySchedule)
	if err != nil {
		return nil, err
	}

	var interestFrom generic.TimePoint
	var interest generic.AccrualSchedule
	if v.InterestState == AccrualAccruing && !terms.InterestDailyRate.IsZero() {
		lateTxs, err := e.Store.Load(ctx, v.AccountID(), generic.ChargeLateSubmissionPenalty)
		if err != nil {
			return nil, err
		}
		interestFrom = resumeDay(v.InterestStartedOn.AddDays(1), lateTxs)
		interest = interestSchedule(terms, lateTxs)
	}
	late, err := project(generic.ChargeLateSubmissionPenalty, interestFrom, interest)
	if err != nil {
		return nil, err
	}

	return &PayoffQuote{
		VersionID:              id,
		PayOn:                  payOn,
		Obligation:             obligation.Outstanding(),
		OverduePenalty:         penalty.Outstanding(),
		ProjectedPenalty:       penalty.ProjectedAccrued,
		LateSubmissionPenalty:  late.Outstanding(),
		ProjectedInterest:      late.ProjectedAccrued,
		ProjectedPenaltyEvents: penalty.Projected,
	}, nil
}

// OperatorName resolves a display name. Without a directory the operation id
// is its own name.
func (e *Engine) OperatorName(ctx context.Context, operationID string) (string, error) {
	if e.Directory == nil {
		return operationID, nil
	}
	return callExternal(ctx, e.ExternalTimeout, ServiceDirectory, "operator-name", func(ctx context.Context) (string, error) {
		return e.Directory.OperatorName(ctx, operationID)
	})
}

// AuditTrail returns the audit entries of a lineage in append order.
func (e *Engine) AuditTrail(ctx context.Context, key LineageKey) ([]generic.AuditEntry, error) {
	lineage := key.String()
	return e.Store.QueryAudit(ctx, generic.AuditFilter{Lineage: &lineage})
}
