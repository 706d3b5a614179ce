package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// SUPPLEMENTARY REPORT RECONCILER
// =============================================================================
//
// A supplementary report replaces the current version of a lineage:
//
//   1. the lineage must have exactly one current version, and it must be the prior
//   2. the new figures are classified on their own
//   3. every non-voided invoice of the prior version is voided
//   4. a prior issuance request still under review is declined automatically
//   5. the new version starts from fresh states and a fresh ledger account
//   6. the prior version is marked superseded and becomes read-only
//
// supersede runs all of it against one transactional Store view. Any error
// rolls back every effect.

// ReconciliationResult describes one completed supersession.
type ReconciliationResult struct {
	PriorVersion   *Version
	NewVersion     *Version
	VoidedInvoices []Invoice
	AutoDeclined   *IssuanceRequest

	ExcessEmissionsDelta generic.Amount
	ObligationDelta      generic.Amount
	EarnedCreditsDelta   generic.Amount
}

type supersedeInput struct {
	PriorID VersionID
	Figures Figures
	Terms   generic.ReportingTerms
	Actor   Actor
	Now     time.Time
}

func supersede(ctx context.Context, s Store, in supersedeInput) (*ReconciliationResult, error) {
	prior, err := s.GetVersion(ctx, in.PriorID)
	if err != nil {
		return nil, err
	}
	lineage := prior.Lineage()

	versions, err := s.LineageVersions(ctx, lineage)
	if err != nil {
		return nil, err
	}
	var current []*Version
	latestSeq := 0
	for _, v := range versions {
		if v.IsCurrent() {
			current = append(current, v)
		}
		if v.VersionSequence > latestSeq {
			latestSeq = v.VersionSequence
		}
	}
	if len(current) != 1 {
		return nil, &generic.ReconciliationFailure{
			Lineage: lineage.String(),
			Reason:  fmt.Sprintf("expected exactly one current version, found %d", len(current)),
		}
	}
	if current[0].ID != prior.ID {
		return nil, generic.NewGuardViolation(CodeVersionReadOnly,
			"version %s is superseded; the current version of %s is %s", prior.ID, lineage, current[0].ID)
	}

	classification := in.Figures.Classify()
	next := &Version{
		ID:                    VersionID(newID()),
		OperationID:           prior.OperationID,
		ReportingYear:         prior.ReportingYear,
		VersionSequence:       latestSeq + 1,
		IsSupplementary:       true,
		SupersedesVersionID:   prior.ID,
		Outcome:               classification.Outcome,
		EmissionsAttributable: in.Figures.EmissionsAttributable,
		EmissionsLimit:        in.Figures.EmissionsLimit,
		ExcessEmissions:       classification.ExcessEmissions,
		EarnedCredits:         classification.EarnedCredits,
		ObligationAmount:      ObligationAmount(classification, in.Terms),
		SubmittedAt:           in.Now,
		CreatedAt:             in.Now,
		UpdatedAt:             in.Now,
	}
	initialStates(next)

	result := &ReconciliationResult{
		NewVersion:           next,
		ExcessEmissionsDelta: next.ExcessEmissions.Sub(prior.ExcessEmissions),
		ObligationDelta:      next.ObligationAmount.Sub(prior.ObligationAmount),
		EarnedCreditsDelta:   next.EarnedCredits.Sub(prior.EarnedCredits),
	}

	invoices, err := s.ListInvoices(ctx, prior.ID)
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if inv.IsVoided() {
			continue
		}
		if err := s.VoidInvoice(ctx, inv.ID, in.Now, VoidReasonSuperseded); err != nil {
			return nil, fmt.Errorf("void invoice %s: %w", inv.ID, err)
		}
		voidedAt := in.Now
		inv.VoidedAt = &voidedAt
		inv.VoidReason = VoidReasonSuperseded
		result.VoidedInvoices = append(result.VoidedInvoices, inv)
		if err := s.AppendAudit(ctx, auditEntry(SystemActor, generic.AuditInvoiceVoided, string(inv.ID), lineage, in.Now, map[string]any{
			"version_id":    string(prior.ID),
			"kind":          string(inv.Kind),
			"superseded_by": string(next.ID),
		})); err != nil {
			return nil, err
		}
	}

	req, err := s.GetIssuanceRequest(ctx, prior.ID)
	if err != nil && !generic.IsNotFound(err) {
		return nil, err
	}
	if needsAutoDecline(req) {
		from := req.Status
		if err := autoDecline(req, in.Now); err != nil {
			return nil, err
		}
		if err := s.SaveIssuanceRequest(ctx, req); err != nil {
			return nil, err
		}
		result.AutoDeclined = req
		if err := s.AppendAudit(ctx, auditEntry(SystemActor, generic.AuditIssuanceAutoDeclined, string(prior.ID), lineage, in.Now, map[string]any{
			"from":   string(from),
			"reason": AutoDeclineReason,
		})); err != nil {
			return nil, err
		}
	}

	if err := s.SaveVersion(ctx, next); err != nil {
		return nil, err
	}
	if chargesObligation(next) {
		if err := s.Append(ctx, obligationCharge(next, in.Actor, generic.DayOf(in.Now))); err != nil {
			return nil, err
		}
	}
	if next.Outcome == OutcomeEarnedCredits {
		if err := s.SaveIssuanceRequest(ctx, newIssuanceRequest(next, in.Now)); err != nil {
			return nil, err
		}
	}

	superseded := prior.Clone()
	supersededAt := in.Now
	superseded.SupersededByID = next.ID
	superseded.SupersededAt = &supersededAt
	superseded.UpdatedAt = in.Now
	if err := s.SaveVersion(ctx, superseded); err != nil {
		return nil, err
	}
	result.PriorVersion = superseded

	if err := s.AppendAudit(ctx, auditEntry(in.Actor, generic.AuditVersionSuperseded, string(prior.ID), lineage, in.Now, map[string]any{
		"superseded_by":          string(next.ID),
		"new_outcome":            string(next.Outcome),
		"excess_emissions_delta": result.ExcessEmissionsDelta.Value.String(),
		"obligation_delta":       result.ObligationDelta.Value.String(),
		"voided_invoices":        len(result.VoidedInvoices),
	})); err != nil {
		return nil, err
	}
	if err := s.AppendAudit(ctx, auditEntry(in.Actor, generic.AuditReportSubmitted, string(next.ID), lineage, in.Now, map[string]any{
		"sequence":      next.VersionSequence,
		"supplementary": true,
		"outcome":       string(next.Outcome),
	})); err != nil {
		return nil, err
	}
	return result, nil
}

// auditEntry builds an append-only audit record.
func auditEntry(actor Actor, action generic.AuditAction, subject string, lineage LineageKey, at time.Time, payload map[string]any) generic.AuditEntry {
	return generic.AuditEntry{
		ID:        newID(),
		Timestamp: at,
		ActorID:   actor.ID,
		Action:    action,
		Subject:   subject,
		Lineage:   lineage.String(),
		Payload:   payload,
	}
}
