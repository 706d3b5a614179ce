/*
Package sqlite provides a SQLite-backed implementation of the compliance store.

PURPOSE:
  Implements compliance.TxStore (ledger transactions, audit log, report
  versions, invoices and issuance requests) on SQLite. In production the same
  schema runs on PostgreSQL with minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on transactions or audit_log
  - Invoices are inserted once; voiding only sets voided_at and void_reason
  - Versions and issuance requests are upserted whole

KEY TABLES:
  transactions:      Immutable ledger of every charge, accrual and payment
  versions:          Compliance report versions, one row per submission
  invoices:          Issued invoices with their void marker
  issuance_requests: Earned-credits issuance, one row per version
  audit_log:         Who did what when

INDEXES:
  - idx_transactions_account_charge: Balance replay (hot path)
  - idx_invoices_active_kind: At most one non-voided invoice per kind and version
  - idx_versions_lineage: Lineage lookup and sequence uniqueness

CONCURRENCY:
  The pool holds a single connection, so a WithTx unit of work owns the
  database until it commits. Inside fn only the Store passed to it may be
  used; touching the parent Store would wait on the held connection.

USAGE:
  store, err := sqlite.New("./data/compliance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := compliance.NewEngine(store, calendar)

SEE ALSO:
  - compliance/repository.go: Interface definitions
  - compliance/memstore: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/generic"
)

const (
	dayLayout  = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements compliance.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ compliance.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewFromDB wraps an open database and migrates the schema.
func NewFromDB(db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		charge TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_by TEXT,
		created_by_type TEXT,
		created_at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_charge
		ON transactions(account_id, charge, effective_at, seq);

	-- Compliance report versions
	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		reporting_year INTEGER NOT NULL,
		version_sequence INTEGER NOT NULL,
		is_supplementary BOOLEAN NOT NULL DEFAULT FALSE,
		supersedes_version_id TEXT,
		superseded_by_id TEXT,
		superseded_at TEXT,
		outcome TEXT NOT NULL,
		emissions_attributable TEXT NOT NULL,
		emissions_limit TEXT NOT NULL,
		excess_emissions TEXT NOT NULL,
		earned_credits TEXT NOT NULL,
		obligation_amount TEXT NOT NULL,
		obligation_state TEXT,
		penalty_state TEXT,
		interest_state TEXT,
		late_penalty_imposed_on TEXT,
		interest_started_on TEXT,
		submitted_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_lineage
		ON versions(operation_id, reporting_year, version_sequence);
	CREATE INDEX IF NOT EXISTS idx_versions_current
		ON versions(superseded_by_id);

	-- Invoices (void marker only, never deleted)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		version_id TEXT NOT NULL REFERENCES versions(id),
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		document_ref TEXT,
		voided_at TEXT,
		void_reason TEXT
	);

	-- CRITICAL: one active invoice per kind per version
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_active_kind
		ON invoices(version_id, kind) WHERE voided_at IS NULL;

	-- Issuance requests
	CREATE TABLE IF NOT EXISTS issuance_requests (
		id TEXT PRIMARY KEY,
		version_id TEXT NOT NULL UNIQUE REFERENCES versions(id),
		status TEXT NOT NULL,
		earned_credits TEXT NOT NULL,
		holding_account_id TEXT,
		analyst_suggestion TEXT,
		analyst_comment TEXT,
		director_comment TEXT,
		requested_by TEXT,
		reviewed_by TEXT,
		decided_by TEXT,
		requested_at TEXT,
		decided_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		lineage TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_lineage ON audit_log(lineage);
	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE - locked entry points delegating to a conn on the pool
// =============================================================================

func (s *Store) conn() conn { return conn{q: s.db} }

func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().Append(ctx, tx)
}

// AppendBatch adds multiple transactions atomically.
func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return s.WithTx(ctx, func(st compliance.Store) error {
		return st.AppendBatch(ctx, txs)
	})
}

func (s *Store) Load(ctx context.Context, accountID generic.AccountID, charge generic.ChargeKind) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().Load(ctx, accountID, charge)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().Exists(ctx, idempotencyKey)
}

func (s *Store) AppendAudit(ctx context.Context, entry generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().AppendAudit(ctx, entry)
}

func (s *Store) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().QueryAudit(ctx, filter)
}

func (s *Store) GetVersion(ctx context.Context, id compliance.VersionID) (*compliance.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetVersion(ctx, id)
}

func (s *Store) SaveVersion(ctx context.Context, v *compliance.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SaveVersion(ctx, v)
}

func (s *Store) LineageVersions(ctx context.Context, key compliance.LineageKey) ([]*compliance.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().LineageVersions(ctx, key)
}

func (s *Store) CurrentVersions(ctx context.Context) ([]*compliance.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().CurrentVersions(ctx)
}

func (s *Store) ListInvoices(ctx context.Context, id compliance.VersionID) ([]compliance.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListInvoices(ctx, id)
}

func (s *Store) InsertInvoice(ctx context.Context, inv compliance.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().InsertInvoice(ctx, inv)
}

func (s *Store) VoidInvoice(ctx context.Context, id compliance.InvoiceID, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().VoidInvoice(ctx, id, at, reason)
}

func (s *Store) GetIssuanceRequest(ctx context.Context, id compliance.VersionID) (*compliance.IssuanceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetIssuanceRequest(ctx, id)
}

func (s *Store) SaveIssuanceRequest(ctx context.Context, r *compliance.IssuanceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SaveIssuanceRequest(ctx, r)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(compliance.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CONN - statements shared by the pool and a transaction
// =============================================================================

type conn struct {
	q querier
}

var _ compliance.Store = conn{}

func (c conn) Append(ctx context.Context, tx generic.Transaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions
		(id, account_id, charge, effective_at, delta_value, delta_unit, tx_type,
		 reference_id, reason, idempotency_key, metadata_json, created_by, created_by_type,
		 created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions))
	`
	createdAt := tx.CreatedAt.Time
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := c.q.ExecContext(ctx, query,
		string(tx.ID),
		string(tx.AccountID),
		string(tx.Charge),
		tx.EffectiveAt.Time.Format(dayLayout),
		tx.Delta.Value.String(),
		string(tx.Delta.Unit),
		string(tx.Type),
		nullString(tx.ReferenceID),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		string(metadataJSON),
		nullString(tx.CreatedBy),
		nullString(tx.CreatedByType),
		createdAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (c conn) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	seen := make(map[string]bool)
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if seen[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}
	for _, tx := range txs {
		if err := c.Append(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// Load returns a bucket's transactions ordered by effective day, then by insertion.
func (c conn) Load(ctx context.Context, accountID generic.AccountID, charge generic.ChargeKind) ([]generic.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, account_id, charge, effective_at, delta_value, delta_unit, tx_type,
		       reference_id, reason, idempotency_key, metadata_json, created_by, created_by_type,
		       created_at
		FROM transactions
		WHERE account_id = ? AND charge = ?
		ORDER BY effective_at ASC, seq ASC
	`, string(accountID), string(charge))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx             generic.Transaction
		id             string
		accountID      string
		charge         string
		effectiveAt    string
		deltaValue     string
		deltaUnit      string
		txType         string
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		metadataJSON   sql.NullString
		createdBy      sql.NullString
		createdByType  sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&id, &accountID, &charge, &effectiveAt, &deltaValue, &deltaUnit, &txType,
		&referenceID, &reason, &idempotencyKey, &metadataJSON, &createdBy, &createdByType,
		&createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	day, err := parseDay(effectiveAt)
	if err != nil {
		return tx, err
	}
	value, err := generic.ParseAmount(deltaValue, generic.Unit(deltaUnit))
	if err != nil {
		return tx, fmt.Errorf("transaction %s: %w", id, err)
	}

	tx.ID = generic.TransactionID(id)
	tx.AccountID = generic.AccountID(accountID)
	tx.Charge = generic.ChargeKind(charge)
	tx.EffectiveAt = day
	tx.Delta = value
	tx.Type = generic.TransactionType(txType)
	tx.ReferenceID = referenceID.String
	tx.Reason = reason.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedBy = createdBy.String
	tx.CreatedByType = createdByType.String
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		tx.CreatedAt = generic.TimePoint{Time: t}
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("transaction %s metadata: %w", id, err)
		}
	}
	return tx, nil
}

func (c conn) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, subject, lineage, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.UTC().Format(timeLayout), e.ActorID, string(e.Action), e.Subject, e.Lineage, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (c conn) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	query := `SELECT id, timestamp, actor_id, action, subject, lineage, payload_json FROM audit_log WHERE 1=1`
	var args []any
	if filter.Subject != nil {
		query += ` AND subject = ?`
		args = append(args, *filter.Subject)
	}
	if filter.Lineage != nil {
		query += ` AND lineage = ?`
		args = append(args, *filter.Lineage)
	}
	if len(filter.Actions) > 0 {
		query += ` AND action IN (?` + strings.Repeat(`, ?`, len(filter.Actions)-1) + `)`
		for _, a := range filter.Actions {
			args = append(args, string(a))
		}
	}
	query += ` ORDER BY seq ASC`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []generic.AuditEntry
	for rows.Next() {
		var (
			e       generic.AuditEntry
			ts      string
			action  string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &action, &e.Subject, &e.Lineage, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		e.Action = generic.AuditAction(action)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("audit entry %s payload: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// VERSIONS
// =============================================================================

const versionColumns = `
	id, operation_id, reporting_year, version_sequence, is_supplementary,
	supersedes_version_id, superseded_by_id, superseded_at, outcome,
	emissions_attributable, emissions_limit, excess_emissions, earned_credits, obligation_amount,
	obligation_state, penalty_state, interest_state, late_penalty_imposed_on, interest_started_on,
	submitted_at, created_at, updated_at`

func (c conn) GetVersion(ctx context.Context, id compliance.VersionID) (*compliance.Version, error) {
	versions, err := c.queryVersions(ctx, `SELECT `+versionColumns+` FROM versions WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, &generic.NotFoundError{Kind: "version", ID: string(id)}
	}
	return versions[0], nil
}

func (c conn) SaveVersion(ctx context.Context, v *compliance.Version) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			superseded_by_id = excluded.superseded_by_id,
			superseded_at = excluded.superseded_at,
			obligation_state = excluded.obligation_state,
			penalty_state = excluded.penalty_state,
			interest_state = excluded.interest_state,
			late_penalty_imposed_on = excluded.late_penalty_imposed_on,
			interest_started_on = excluded.interest_started_on,
			updated_at = excluded.updated_at
	`,
		string(v.ID),
		v.OperationID,
		v.ReportingYear,
		v.VersionSequence,
		v.IsSupplementary,
		nullString(string(v.SupersedesVersionID)),
		nullString(string(v.SupersededByID)),
		nullTime(v.SupersededAt),
		string(v.Outcome),
		formatAmount(v.EmissionsAttributable),
		formatAmount(v.EmissionsLimit),
		formatAmount(v.ExcessEmissions),
		formatAmount(v.EarnedCredits),
		formatAmount(v.ObligationAmount),
		nullString(string(v.ObligationState)),
		nullString(string(v.PenaltyState)),
		nullString(string(v.InterestState)),
		nullDay(v.LatePenaltyImposedOn),
		nullDay(v.InterestStartedOn),
		v.SubmittedAt.UTC().Format(timeLayout),
		v.CreatedAt.UTC().Format(timeLayout),
		v.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.NewGuardViolation(compliance.CodeLineageExists,
				"lineage %s already has version %d", v.Lineage(), v.VersionSequence)
		}
		return fmt.Errorf("failed to save version: %w", err)
	}
	return nil
}

func (c conn) LineageVersions(ctx context.Context, key compliance.LineageKey) ([]*compliance.Version, error) {
	return c.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE operation_id = ? AND reporting_year = ? ORDER BY version_sequence ASC`,
		key.OperationID, key.ReportingYear)
}

func (c conn) CurrentVersions(ctx context.Context) ([]*compliance.Version, error) {
	return c.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE superseded_by_id IS NULL ORDER BY id ASC`)
}

func (c conn) queryVersions(ctx context.Context, query string, args ...any) ([]*compliance.Version, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []*compliance.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanVersion(rows *sql.Rows) (*compliance.Version, error) {
	var (
		v                                                compliance.Version
		id, outcome                                      string
		supersedes, supersededBy, supersededAt           sql.NullString
		attributable, limit, excess, credits, obligation string
		obligationState, penaltyState, interestState     sql.NullString
		lateImposedOn, interestStartedOn                 sql.NullString
		submittedAt, createdAt, updatedAt                string
	)
	err := rows.Scan(
		&id, &v.OperationID, &v.ReportingYear, &v.VersionSequence, &v.IsSupplementary,
		&supersedes, &supersededBy, &supersededAt, &outcome,
		&attributable, &limit, &excess, &credits, &obligation,
		&obligationState, &penaltyState, &interestState, &lateImposedOn, &interestStartedOn,
		&submittedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	v.ID = compliance.VersionID(id)
	v.Outcome = compliance.Outcome(outcome)
	v.SupersedesVersionID = compliance.VersionID(supersedes.String)
	v.SupersededByID = compliance.VersionID(supersededBy.String)
	v.ObligationState = compliance.ObligationState(obligationState.String)
	v.PenaltyState = compliance.AccrualState(penaltyState.String)
	v.InterestState = compliance.AccrualState(interestState.String)

	if v.SupersededAt, err = parseNullTime(supersededAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *generic.Amount
		src string
	}{
		{&v.EmissionsAttributable, attributable},
		{&v.EmissionsLimit, limit},
		{&v.ExcessEmissions, excess},
		{&v.EarnedCredits, credits},
		{&v.ObligationAmount, obligation},
	} {
		if *f.dst, err = parseAmount(f.src); err != nil {
			return nil, fmt.Errorf("version %s: %w", id, err)
		}
	}
	if v.LatePenaltyImposedOn, err = parseNullDay(lateImposedOn); err != nil {
		return nil, err
	}
	if v.InterestStartedOn, err = parseNullDay(interestStartedOn); err != nil {
		return nil, err
	}
	if v.SubmittedAt, err = time.Parse(timeLayout, submittedAt); err != nil {
		return nil, err
	}
	v.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	v.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &v, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (c conn) ListInvoices(ctx context.Context, id compliance.VersionID) ([]compliance.Invoice, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, version_id, kind, amount, issued_at, document_ref, voided_at, void_reason
		FROM invoices
		WHERE version_id = ?
		ORDER BY issued_at ASC, rowid ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []compliance.Invoice
	for rows.Next() {
		var (
			inv                    compliance.Invoice
			invID, versionID, kind string
			amount, issuedAt       string
			docRef, voidReason     sql.NullString
			voidedAt               sql.NullString
		)
		if err := rows.Scan(&invID, &versionID, &kind, &amount, &issuedAt, &docRef, &voidedAt, &voidReason); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.ID = compliance.InvoiceID(invID)
		inv.VersionID = compliance.VersionID(versionID)
		inv.Kind = compliance.InvoiceKind(kind)
		inv.DocumentRef = docRef.String
		inv.VoidReason = voidReason.String
		if inv.Amount, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("invoice %s: %w", invID, err)
		}
		if inv.IssuedAt, err = time.Parse(timeLayout, issuedAt); err != nil {
			return nil, err
		}
		if inv.VoidedAt, err = parseNullTime(voidedAt); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (c conn) InsertInvoice(ctx context.Context, inv compliance.Invoice) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO invoices (id, version_id, kind, amount, issued_at, document_ref, voided_at, void_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(inv.ID),
		string(inv.VersionID),
		string(inv.Kind),
		formatAmount(inv.Amount),
		inv.IssuedAt.UTC().Format(timeLayout),
		nullString(inv.DocumentRef),
		nullTime(inv.VoidedAt),
		nullString(inv.VoidReason),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.NewGuardViolation(compliance.CodeInvoiceAlreadyActive,
				"version %s already has an active %s invoice", inv.VersionID, inv.Kind)
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (c conn) VoidInvoice(ctx context.Context, id compliance.InvoiceID, at time.Time, reason string) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE invoices SET voided_at = ?, void_reason = ?
		WHERE id = ? AND voided_at IS NULL
	`, at.UTC().Format(timeLayout), reason, string(id))
	if err != nil {
		return fmt.Errorf("failed to void invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var count int
	if err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE id = ?`, string(id)).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return &generic.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	return generic.NewGuardViolation(compliance.CodeIllegalTransition, "invoice %s is already voided", id)
}

// =============================================================================
// ISSUANCE REQUESTS
// =============================================================================

func (c conn) GetIssuanceRequest(ctx context.Context, versionID compliance.VersionID) (*compliance.IssuanceRequest, error) {
	var (
		r                                              compliance.IssuanceRequest
		vid, status, credits                           string
		holding, suggestion, analystNote, directorNote sql.NullString
		requestedBy, reviewedBy, decidedBy             sql.NullString
		requestedAt, decidedAt                         sql.NullString
		createdAt, updatedAt                           string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, version_id, status, earned_credits, holding_account_id, analyst_suggestion,
		       analyst_comment, director_comment, requested_by, reviewed_by, decided_by,
		       requested_at, decided_at, created_at, updated_at
		FROM issuance_requests WHERE version_id = ?
	`, string(versionID)).Scan(
		&r.ID, &vid, &status, &credits, &holding, &suggestion,
		&analystNote, &directorNote, &requestedBy, &reviewedBy, &decidedBy,
		&requestedAt, &decidedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "issuance request", ID: string(versionID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issuance request: %w", err)
	}

	r.VersionID = compliance.VersionID(vid)
	r.Status = compliance.IssuanceStatus(status)
	r.HoldingAccountID = holding.String
	r.AnalystSuggestion = compliance.AnalystSuggestion(suggestion.String)
	r.AnalystComment = analystNote.String
	r.DirectorComment = directorNote.String
	r.RequestedBy = requestedBy.String
	r.ReviewedBy = reviewedBy.String
	r.DecidedBy = decidedBy.String
	if r.EarnedCredits, err = parseAmount(credits); err != nil {
		return nil, err
	}
	if r.RequestedAt, err = parseNullTime(requestedAt); err != nil {
		return nil, err
	}
	if r.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	r.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &r, nil
}

func (c conn) SaveIssuanceRequest(ctx context.Context, r *compliance.IssuanceRequest) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO issuance_requests
		(id, version_id, status, earned_credits, holding_account_id, analyst_suggestion,
		 analyst_comment, director_comment, requested_by, reviewed_by, decided_by,
		 requested_at, decided_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id) DO UPDATE SET
			status = excluded.status,
			holding_account_id = excluded.holding_account_id,
			analyst_suggestion = excluded.analyst_suggestion,
			analyst_comment = excluded.analyst_comment,
			director_comment = excluded.director_comment,
			requested_by = excluded.requested_by,
			reviewed_by = excluded.reviewed_by,
			decided_by = excluded.decided_by,
			requested_at = excluded.requested_at,
			decided_at = excluded.decided_at,
			updated_at = excluded.updated_at
	`,
		r.ID,
		string(r.VersionID),
		string(r.Status),
		formatAmount(r.EarnedCredits),
		nullString(r.HoldingAccountID),
		nullString(string(r.AnalystSuggestion)),
		nullString(r.AnalystComment),
		nullString(r.DirectorComment),
		nullString(r.RequestedBy),
		nullString(r.ReviewedBy),
		nullString(r.DecidedBy),
		nullTime(r.RequestedAt),
		nullTime(r.DecidedAt),
		r.CreatedAt.UTC().Format(timeLayout),
		r.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save issuance request: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func nullDay(tp generic.TimePoint) sql.NullString {
	if tp.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: tp.Time.Format(dayLayout), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDay(s string) (generic.TimePoint, error) {
	return generic.ParseDay(s)
}

func parseNullDay(s sql.NullString) (generic.TimePoint, error) {
	if !s.Valid || s.String == "" {
		return generic.TimePoint{}, nil
	}
	return parseDay(s.String)
}

// Amounts are stored as "<value> <unit>" in a single column.
func formatAmount(a generic.Amount) string {
	return a.Value.String() + " " + string(a.Unit)
}

func parseAmount(s string) (generic.Amount, error) {
	value, unit, ok := strings.Cut(s, " ")
	if !ok {
		return generic.Amount{}, fmt.Errorf("malformed amount %q", s)
	}
	return generic.ParseAmount(value, generic.Unit(unit))
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
