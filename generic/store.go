/*
store.go - Persistence interface for ledger transactions and audit entries

PURPOSE:
  Defines the interface between the financial core and the database.
  The Store handles persistence while maintaining append-only semantics.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:    Core transaction persistence (append, load, exists)
  TxStore:  Transactional operations (atomic multi-table writes)
  AuditLog: Who did what when

APPEND-ONLY CONTRACT:
  - Append(): Single transaction write
  - AppendBatch(): Atomic multi-transaction write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  Every write may include an idempotency key. If the key already exists,
  the write is rejected. Payment retries and repeated accrual sweeps rely
  on this to never double-count.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for transaction persistence (append-only)
// =============================================================================

// Store handles persistence of ledger transactions.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
// Corrections are made via reversal transactions.
type Store interface {
	// Append persists a transaction. Returns error if idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch persists multiple transactions atomically.
	// Either all succeed or none do.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Load returns all transactions for account+charge, ordered by EffectiveAt.
	Load(ctx context.Context, accountID AccountID, charge ChargeKind) ([]Transaction, error)

	// Exists checks if idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string // who performed the action
	Action    AuditAction
	Subject   string         // version, invoice or issuance request id
	Lineage   string         // operation/year lineage key
	Payload   map[string]any // action-specific data
}

type AuditAction string

const (
	AuditReportSubmitted      AuditAction = "report_submitted"
	AuditInvoiceIssued        AuditAction = "invoice_issued"
	AuditInvoiceVoided        AuditAction = "invoice_voided"
	AuditPaymentRecorded      AuditAction = "payment_recorded"
	AuditPenaltyImposed       AuditAction = "penalty_imposed"
	AuditAccrualPosted        AuditAction = "accrual_posted"
	AuditIssuanceRequested    AuditAction = "issuance_requested"
	AuditIssuanceReviewed     AuditAction = "issuance_reviewed"
	AuditIssuanceAutoDeclined AuditAction = "issuance_auto_declined"
	AuditVersionSuperseded    AuditAction = "version_superseded"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Subject *string
	Lineage *string
	Actions []AuditAction
}

// Matches reports whether entry passes the filter.
func (f AuditFilter) Matches(entry AuditEntry) bool {
	if f.Subject != nil && entry.Subject != *f.Subject {
		return false
	}
	if f.Lineage != nil && entry.Lineage != *f.Lineage {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == entry.Action {
			return true
		}
	}
	return false
}
