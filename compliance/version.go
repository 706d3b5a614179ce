package compliance

import (
	"fmt"
	"time"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// LINEAGE
// =============================================================================

// LineageKey identifies every version submitted for one operation and year.
// All transitions within a lineage are serialized.
type LineageKey struct {
	OperationID   string
	ReportingYear int
}

func (k LineageKey) String() string {
	return fmt.Sprintf("%s/%d", k.OperationID, k.ReportingYear)
}

// =============================================================================
// COMPLIANCE REPORT VERSION
// =============================================================================

type VersionID string

// Version is one compliance report submission, original or supplementary.
//
// Outcome and the emissions figures are frozen at creation. The obligation,
// penalty and interest states are set only for ObligationNotMet; the issuance
// request lives in its own record.
type Version struct {
	ID              VersionID
	OperationID     string
	ReportingYear   int
	VersionSequence int
	IsSupplementary bool

	// SupersedesVersionID is a weak back-reference to the prior version.
	SupersedesVersionID VersionID

	// SupersededByID is set when a supplementary version replaced this one.
	// A superseded version is read-only.
	SupersededByID VersionID
	SupersededAt   *time.Time

	Outcome               Outcome
	EmissionsAttributable generic.Amount
	EmissionsLimit        generic.Amount
	ExcessEmissions       generic.Amount
	EarnedCredits         generic.Amount

	// ObligationAmount is ExcessEmissions * charge rate, zero unless ObligationNotMet.
	ObligationAmount generic.Amount

	ObligationState ObligationState
	PenaltyState    AccrualState
	InterestState   AccrualState

	// LatePenaltyImposedOn is zero unless a late submission penalty was imposed.
	LatePenaltyImposedOn generic.TimePoint

	// InterestStartedOn is the day interest activation was recorded.
	InterestStartedOn generic.TimePoint

	SubmittedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (v *Version) Lineage() LineageKey {
	return LineageKey{OperationID: v.OperationID, ReportingYear: v.ReportingYear}
}

// IsCurrent reports whether no later version supersedes this one.
func (v *Version) IsCurrent() bool {
	return v.SupersededByID == ""
}

// AccountID is the ledger account holding this version's charges.
func (v *Version) AccountID() generic.AccountID {
	return generic.AccountID(v.ID)
}

func (v *Version) HasLatePenalty() bool {
	return !v.LatePenaltyImposedOn.IsZero()
}

func (v *Version) Clone() *Version {
	c := *v
	if v.SupersededAt != nil {
		t := *v.SupersededAt
		c.SupersededAt = &t
	}
	return &c
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceID string

// Invoice bills one charge bucket of a version. Invoices are never deleted;
// voiding sets VoidedAt and keeps the record for the audit trail.
type Invoice struct {
	ID          InvoiceID
	VersionID   VersionID
	Kind        InvoiceKind
	Amount      generic.Amount
	IssuedAt    time.Time
	DocumentRef string
	VoidedAt    *time.Time
	VoidReason  string
}

func (i Invoice) IsVoided() bool {
	return i.VoidedAt != nil
}

// activeKinds returns the kinds that have a non-voided invoice.
func activeKinds(invoices []Invoice) map[InvoiceKind]bool {
	active := make(map[InvoiceKind]bool)
	for _, inv := range invoices {
		if !inv.IsVoided() {
			active[inv.Kind] = true
		}
	}
	return active
}

// =============================================================================
// ISSUANCE REQUEST
// =============================================================================

// IssuanceRequest tracks the earned-credits issuance of one version.
type IssuanceRequest struct {
	ID               string
	VersionID        VersionID
	Status           IssuanceStatus
	EarnedCredits    generic.Amount
	HoldingAccountID string

	AnalystSuggestion AnalystSuggestion
	AnalystComment    string
	DirectorComment   string

	RequestedBy string
	ReviewedBy  string
	DecidedBy   string
	RequestedAt *time.Time
	DecidedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *IssuanceRequest) Clone() *IssuanceRequest {
	c := *r
	if r.RequestedAt != nil {
		t := *r.RequestedAt
		c.RequestedAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}
