// Package memstore is the in-memory compliance.TxStore used by tests, the
// demo scenarios and single-process development runs.
package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/generic"
	"github.com/warp/compliance-engine/generic/store"
)

// =============================================================================
// TABLES - workflow records, always accessed with the store lock held
// =============================================================================

type tables struct {
	versions map[compliance.VersionID]*compliance.Version
	invoices map[compliance.VersionID][]compliance.Invoice
	issuance map[compliance.VersionID]*compliance.IssuanceRequest
}

func newTables() tables {
	return tables{
		versions: make(map[compliance.VersionID]*compliance.Version),
		invoices: make(map[compliance.VersionID][]compliance.Invoice),
		issuance: make(map[compliance.VersionID]*compliance.IssuanceRequest),
	}
}

func (t tables) clone() tables {
	c := newTables()
	for id, v := range t.versions {
		c.versions[id] = v.Clone()
	}
	for id, invs := range t.invoices {
		c.invoices[id] = append([]compliance.Invoice(nil), invs...)
	}
	for id, r := range t.issuance {
		c.issuance[id] = r.Clone()
	}
	return c
}

func (t tables) getVersion(id compliance.VersionID) (*compliance.Version, error) {
	v, ok := t.versions[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "version", ID: string(id)}
	}
	return v.Clone(), nil
}

func (t tables) saveVersion(v *compliance.Version) {
	t.versions[v.ID] = v.Clone()
}

func (t tables) lineageVersions(key compliance.LineageKey) []*compliance.Version {
	var out []*compliance.Version
	for _, v := range t.versions {
		if v.Lineage() == key {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionSequence < out[j].VersionSequence })
	return out
}

func (t tables) currentVersions() []*compliance.Version {
	var out []*compliance.Version
	for _, v := range t.versions {
		if v.IsCurrent() {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t tables) listInvoices(id compliance.VersionID) []compliance.Invoice {
	return append([]compliance.Invoice(nil), t.invoices[id]...)
}

func (t tables) insertInvoice(inv compliance.Invoice) error {
	for _, existing := range t.invoices[inv.VersionID] {
		if existing.Kind == inv.Kind && !existing.IsVoided() {
			return generic.NewGuardViolation(compliance.CodeInvoiceAlreadyActive,
				"version %s already has an active %s invoice", inv.VersionID, inv.Kind)
		}
	}
	t.invoices[inv.VersionID] = append(t.invoices[inv.VersionID], inv)
	return nil
}

func (t tables) voidInvoice(id compliance.InvoiceID, at time.Time, reason string) error {
	for vid, invs := range t.invoices {
		for i := range invs {
			if invs[i].ID != id {
				continue
			}
			if invs[i].IsVoided() {
				return generic.NewGuardViolation(compliance.CodeIllegalTransition, "invoice %s is already voided", id)
			}
			voided := at
			invs[i].VoidedAt = &voided
			invs[i].VoidReason = reason
			t.invoices[vid] = invs
			return nil
		}
	}
	return &generic.NotFoundError{Kind: "invoice", ID: string(id)}
}

func (t tables) getIssuance(id compliance.VersionID) (*compliance.IssuanceRequest, error) {
	r, ok := t.issuance[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "issuance request", ID: string(id)}
	}
	return r.Clone(), nil
}

func (t tables) saveIssuance(r *compliance.IssuanceRequest) {
	t.issuance[r.VersionID] = r.Clone()
}

// =============================================================================
// STORE
// =============================================================================

// Store keeps workflow records next to the in-memory ledger. One mutex,
// the ledger's, guards both.
type Store struct {
	*store.Memory
	t tables
}

var _ compliance.TxStore = (*Store)(nil)

func New() *Store {
	return &Store{Memory: store.NewMemory(), t: newTables()}
}

func (s *Store) GetVersion(_ context.Context, id compliance.VersionID) (*compliance.Version, error) {
	s.Lock()
	defer s.Unlock()
	return s.t.getVersion(id)
}

func (s *Store) SaveVersion(_ context.Context, v *compliance.Version) error {
	s.Lock()
	defer s.Unlock()
	s.t.saveVersion(v)
	return nil
}

func (s *Store) LineageVersions(_ context.Context, key compliance.LineageKey) ([]*compliance.Version, error) {
	s.Lock()
	defer s.Unlock()
	return s.t.lineageVersions(key), nil
}

func (s *Store) CurrentVersions(_ context.Context) ([]*compliance.Version, error) {
	s.Lock()
	defer s.Unlock()
	return s.t.currentVersions(), nil
}

func (s *Store) ListInvoices(_ context.Context, id compliance.VersionID) ([]compliance.Invoice, error) {
	s.Lock()
	defer s.Unlock()
	return s.t.listInvoices(id), nil
}

func (s *Store) InsertInvoice(_ context.Context, inv compliance.Invoice) error {
	s.Lock()
	defer s.Unlock()
	return s.t.insertInvoice(inv)
}

func (s *Store) VoidInvoice(_ context.Context, id compliance.InvoiceID, at time.Time, reason string) error {
	s.Lock()
	defer s.Unlock()
	return s.t.voidInvoice(id, at, reason)
}

func (s *Store) GetIssuanceRequest(_ context.Context, id compliance.VersionID) (*compliance.IssuanceRequest, error) {
	s.Lock()
	defer s.Unlock()
	return s.t.getIssuance(id)
}

func (s *Store) SaveIssuanceRequest(_ context.Context, r *compliance.IssuanceRequest) error {
	s.Lock()
	defer s.Unlock()
	s.t.saveIssuance(r)
	return nil
}

// WithTx holds the store lock for the whole unit of work and restores both
// the ledger and the workflow tables if fn fails.
func (s *Store) WithTx(_ context.Context, fn func(compliance.Store) error) error {
	s.Lock()
	defer s.Unlock()

	ledger := s.Memory.Snapshot()
	records := s.t.clone()

	if err := fn(&txView{parent: s}); err != nil {
		s.Memory.Restore(ledger)
		s.t = records
		return err
	}
	return nil
}

// =============================================================================
// TX VIEW - lock already held by WithTx
// =============================================================================

type txView struct {
	parent *Store
}

func (v *txView) Append(_ context.Context, tx generic.Transaction) error {
	return v.parent.AppendLocked(tx)
}

func (v *txView) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	return v.parent.AppendBatchLocked(txs)
}

func (v *txView) Load(_ context.Context, accountID generic.AccountID, charge generic.ChargeKind) ([]generic.Transaction, error) {
	return v.parent.LoadLocked(accountID, charge), nil
}

func (v *txView) Exists(_ context.Context, key string) (bool, error) {
	return v.parent.ExistsLocked(key), nil
}

func (v *txView) AppendAudit(_ context.Context, entry generic.AuditEntry) error {
	v.parent.AppendAuditLocked(entry)
	return nil
}

func (v *txView) QueryAudit(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	return v.parent.QueryAuditLocked(filter), nil
}

func (v *txView) GetVersion(_ context.Context, id compliance.VersionID) (*compliance.Version, error) {
	return v.parent.t.getVersion(id)
}

func (v *txView) SaveVersion(_ context.Context, ver *compliance.Version) error {
	v.parent.t.saveVersion(ver)
	return nil
}

func (v *txView) LineageVersions(_ context.Context, key compliance.LineageKey) ([]*compliance.Version, error) {
	return v.parent.t.lineageVersions(key), nil
}

func (v *txView) CurrentVersions(_ context.Context) ([]*compliance.Version, error) {
	return v.parent.t.currentVersions(), nil
}

func (v *txView) ListInvoices(_ context.Context, id compliance.VersionID) ([]compliance.Invoice, error) {
	return v.parent.t.listInvoices(id), nil
}

func (v *txView) InsertInvoice(_ context.Context, inv compliance.Invoice) error {
	return v.parent.t.insertInvoice(inv)
}

func (v *txView) VoidInvoice(_ context.Context, id compliance.InvoiceID, at time.Time, reason string) error {
	return v.parent.t.voidInvoice(id, at, reason)
}

func (v *txView) GetIssuanceRequest(_ context.Context, id compliance.VersionID) (*compliance.IssuanceRequest, error) {
	return v.parent.t.getIssuance(id)
}

func (v *txView) SaveIssuanceRequest(_ context.Context, r *compliance.IssuanceRequest) error {
	v.parent.t.saveIssuance(r)
	return nil
}
