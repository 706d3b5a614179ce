/*
ledger.go - Append-only charge ledger

PURPOSE:
  The Ledger is the immutable source of truth for every amount owed and paid.
  Obligation charges, imposed penalties, daily accruals and confirmed payments
  are all recorded here. Outstanding balances are always computed by replaying
  transactions - there's no separate "balance" field that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. AUDITABLE: Every balance change is traceable with full context
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

CORRECTIONS:
  A wrong entry is never edited. A reversal with the opposite sign is appended,
  and both remain in the ledger. Corrections to reported emissions go through
  a supplementary report, which opens a new account instead.

EXAMPLE FLOW:
  1. Obligation charged:          TxCharge   +12500.00
  2. Partial payment confirmed:   TxPayment   -5000.00
  3. Final payment confirmed:     TxPayment   -7500.00

  obligation bucket: [+12500, -5000, -7500] = 0 outstanding

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: Bucket balance breakdown
*/
package generic

import "context"

// =============================================================================
// LEDGER - Append-only transaction log
// =============================================================================

// Ledger is the source of truth for all balance changes.
type Ledger interface {
	// Append adds a transaction. Fails if idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch adds multiple transactions atomically.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// AppendNew appends the transactions whose idempotency keys are not yet
	// recorded and returns them. Re-running an accrual sweep is a no-op.
	AppendNew(ctx context.Context, txs []Transaction) ([]Transaction, error)

	// Transactions returns all transactions for account+charge, chronologically.
	Transactions(ctx context.Context, accountID AccountID, charge ChargeKind) ([]Transaction, error)

	// Balance computes the bucket breakdown as of at.
	Balance(ctx context.Context, accountID AccountID, charge ChargeKind, at TimePoint, unit Unit) (ChargeBalance, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction) error {
	if tx.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, tx)
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, txs []Transaction) error {
	// Check all idempotency keys first
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	return l.Store.AppendBatch(ctx, txs)
}

func (l *DefaultLedger) AppendNew(ctx context.Context, txs []Transaction) ([]Transaction, error) {
	var fresh []Transaction
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
		}
		fresh = append(fresh, tx)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if err := l.Store.AppendBatch(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (l *DefaultLedger) Transactions(ctx context.Context, accountID AccountID, charge ChargeKind) ([]Transaction, error) {
	return l.Store.Load(ctx, accountID, charge)
}

func (l *DefaultLedger) Balance(ctx context.Context, accountID AccountID, charge ChargeKind, at TimePoint, unit Unit) (ChargeBalance, error) {
	txs, err := l.Store.Load(ctx, accountID, charge)
	if err != nil {
		return ChargeBalance{}, err
	}
	return CalculateBalance(accountID, charge, txs, at, unit), nil
}
