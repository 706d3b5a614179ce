package compliance

import (
	"context"
	"time"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// STORE - Persistence of versions, invoices and issuance requests
// =============================================================================

// Store persists the workflow records next to the generic ledger and audit log.
//
// Versions and issuance requests are saved whole. Invoices are inserted once
// and afterwards only receive a void marker.
type Store interface {
	generic.Store
	generic.AuditLog

	// GetVersion returns a copy of the version or an error wrapping generic.ErrNotFound.
	GetVersion(ctx context.Context, id VersionID) (*Version, error)

	// SaveVersion inserts or replaces a version.
	SaveVersion(ctx context.Context, v *Version) error

	// LineageVersions returns every version of a lineage ordered by sequence.
	LineageVersions(ctx context.Context, lineage LineageKey) ([]*Version, error)

	// CurrentVersions returns every non-superseded version.
	CurrentVersions(ctx context.Context) ([]*Version, error)

	// ListInvoices returns every invoice of a version, voided ones included, by issue time.
	ListInvoices(ctx context.Context, versionID VersionID) ([]Invoice, error)

	// InsertInvoice stores a new invoice. A second non-voided invoice of the
	// same kind for the same version is rejected.
	InsertInvoice(ctx context.Context, inv Invoice) error

	// VoidInvoice sets the void marker on a non-voided invoice.
	VoidInvoice(ctx context.Context, id InvoiceID, at time.Time, reason string) error

	// GetIssuanceRequest returns the version's request or an error wrapping generic.ErrNotFound.
	GetIssuanceRequest(ctx context.Context, versionID VersionID) (*IssuanceRequest, error)

	// SaveIssuanceRequest inserts or replaces the version's request.
	SaveIssuanceRequest(ctx context.Context, r *IssuanceRequest) error
}

// TxStore runs a unit of work atomically.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error nothing
	// it wrote is visible afterwards.
	WithTx(ctx context.Context, fn func(Store) error) error
}
