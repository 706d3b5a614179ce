// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[key][]generic.Transaction
	idempotency  map[string]bool
	audit        []generic.AuditEntry
}

type key struct {
	AccountID generic.AccountID
	Charge    generic.ChargeKind
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[key][]generic.Transaction),
		idempotency:  make(map[string]bool),
	}
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AppendLocked(tx)
}

// AppendBatch adds multiple transactions atomically.
func (m *Memory) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AppendBatchLocked(txs)
}

// AppendBatchLocked is AppendBatch for callers already holding the lock.
func (m *Memory) AppendBatchLocked(txs []generic.Transaction) error {
	// Check all idempotency keys first (atomic check)
	seen := make(map[string]bool)
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[tx.IdempotencyKey] || seen[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}

	for _, tx := range txs {
		if err := m.AppendLocked(tx); err != nil {
			return err
		}
	}
	return nil
}

// AppendLocked inserts tx in EffectiveAt order. The caller holds the lock.
func (m *Memory) AppendLocked(tx generic.Transaction) error {
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}

	k := key{AccountID: tx.AccountID, Charge: tx.Charge}
	txs := m.transactions[k]

	// Binary search for insertion point; equal dates keep insertion order
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})

	txs = append(txs, generic.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.transactions[k] = txs

	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Load(_ context.Context, accountID generic.AccountID, charge generic.ChargeKind) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LoadLocked(accountID, charge), nil
}

// LoadLocked returns a copy of a bucket. The caller holds the lock.
func (m *Memory) LoadLocked(accountID generic.AccountID, charge generic.ChargeKind) []generic.Transaction {
	k := key{AccountID: accountID, Charge: charge}
	result := make([]generic.Transaction, len(m.transactions[k]))
	copy(result, m.transactions[k])
	return result
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// ExistsLocked is Exists for callers already holding the lock.
func (m *Memory) ExistsLocked(idempotencyKey string) bool {
	return m.idempotency[idempotencyKey]
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendAuditLocked(entry)
	return nil
}

// AppendAuditLocked appends an audit entry. The caller holds the lock.
func (m *Memory) AppendAuditLocked(entry generic.AuditEntry) {
	m.audit = append(m.audit, entry)
}

func (m *Memory) QueryAudit(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.QueryAuditLocked(filter), nil
}

// QueryAuditLocked is QueryAudit for callers already holding the lock.
func (m *Memory) QueryAuditLocked(filter generic.AuditFilter) []generic.AuditEntry {
	var result []generic.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result
}

// =============================================================================
// SNAPSHOT / RESTORE - Rollback support for transactional wrappers
// =============================================================================

// Lock and Unlock expose the store mutex so a transactional wrapper can hold
// it for the whole unit of work.
func (m *Memory) Lock()   { m.mu.Lock() }
func (m *Memory) Unlock() { m.mu.Unlock() }

// Snapshot captures the current state. The caller holds the lock.
func (m *Memory) Snapshot() Snapshot {
	txsCopy := make(map[key][]generic.Transaction, len(m.transactions))
	for k, v := range m.transactions {
		txsCopy[k] = append([]generic.Transaction{}, v...)
	}
	idempCopy := make(map[string]bool, len(m.idempotency))
	for k, v := range m.idempotency {
		idempCopy[k] = v
	}
	return Snapshot{
		transactions: txsCopy,
		idempotency:  idempCopy,
		audit:        append([]generic.AuditEntry{}, m.audit...),
	}
}

// Restore rolls back to s. The caller holds the lock.
func (m *Memory) Restore(s Snapshot) {
	m.transactions = s.transactions
	m.idempotency = s.idempotency
	m.audit = s.audit
}

type Snapshot struct {
	transactions map[key][]generic.Transaction
	idempotency  map[string]bool
	audit        []generic.AuditEntry
}
