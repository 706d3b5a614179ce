/*
Package generic provides the domain-agnostic financial core of the compliance engine.

PURPOSE:
  This package contains the value objects and algorithms that every compliance
  workflow relies on but that know nothing about report versions, outcomes or
  issuance: exact decimal amounts, an append-only charge ledger, balance replay,
  daily accrual schedules and the error taxonomy shared by every layer.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 1250.00 CAD, 100 tCO2e)
  - Transaction: An immutable ledger entry recording a change to an amount owed
  - AccountID / ChargeKind: The ledger key (one account per report version,
    one bucket per kind of charge inside it)

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed
  2. Precision: Uses decimal.Decimal so obligation and penalty totals never drift
  3. Type Safety: Strong typing for IDs prevents mixing accounts and charges
  4. Auditability: Every transaction has reason, reference, and idempotency key

USAGE:
  owed := generic.MustAmount("12500.00", generic.UnitCAD)
  tx := generic.Transaction{
      AccountID: "crv-123",
      Charge:    generic.ChargeObligation,
      Delta:     owed,
      Type:      generic.TxCharge,
  }

SEE ALSO:
  - balance.go: Outstanding balance calculation from transactions
  - accrual.go: Daily compounding accrual for penalties and interest
  - ledger.go: Transaction persistence interface
  - projection.go: Payoff projection over unposted accruals
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit (money or emissions)
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitCAD        Unit = "CAD"
	UnitTonnesCO2e Unit = "tCO2e"
)

func NewAmount(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

// ParseAmount parses a decimal string. Float inputs are never accepted so that
// money never passes through binary floating point.
func ParseAmount(s string, unit Unit) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d, Unit: unit}, nil
}

// MustAmount is ParseAmount for literals known to be valid.
func MustAmount(s string, unit Unit) Amount {
	a, err := ParseAmount(s, unit)
	if err != nil {
		panic(err)
	}
	return a
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func ZeroAmount(unit Unit) Amount { return Amount{Value: decimal.Zero, Unit: unit} }

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Unit == b.Unit && a.Value.Equal(b.Value) }
func (a Amount) String() string               { return a.Value.String() + " " + string(a.Unit) }

// RoundCents rounds half away from zero to two decimal places.
func (a Amount) RoundCents() Amount { return Amount{Value: a.Value.Round(2), Unit: a.Unit} }

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies a ledger account. The compliance engine opens one
// account per report version, so supersession starts a fresh account.
type AccountID string

type TransactionID string

// ChargeKind partitions an account into independently balanced buckets.
type ChargeKind string

const (
	ChargeObligation              ChargeKind = "obligation"
	ChargeAutomaticOverduePenalty ChargeKind = "automatic_overdue_penalty"
	ChargeLateSubmissionPenalty   ChargeKind = "late_submission_penalty"
)

// =============================================================================
// TRANSACTION - Atomic change to an amount owed
// =============================================================================

type TransactionType string

const (
	TxCharge     TransactionType = "charge"     // Amount becomes owed (obligation, imposed penalty)
	TxAccrual    TransactionType = "accrual"    // Daily penalty or interest accrual
	TxPayment    TransactionType = "payment"    // Confirmed payment (negative delta)
	TxAdjustment TransactionType = "adjustment" // Manual back-office correction
	TxReversal   TransactionType = "reversal"   // Undo a previous transaction
)

type Transaction struct {
	ID             TransactionID
	AccountID      AccountID
	Charge         ChargeKind
	EffectiveAt    TimePoint
	Delta          Amount
	Type           TransactionType
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string

	// Audit fields
	CreatedBy     string // Actor who created this transaction
	CreatedByType string // "industry_user", "analyst", "director", "system"
	CreatedAt     TimePoint
}

// =============================================================================
// TIMELINE - Day-by-day replay of a charge bucket
// =============================================================================

type TimelineEvent struct {
	At    TimePoint
	Delta Amount
	Type  TransactionType
	Ref   string
}

type Timeline struct {
	Events []TimelineEvent
}

// TimelineOf builds a chronologically ordered timeline from transactions.
// Transactions are expected in EffectiveAt order, as every Store returns them.
func TimelineOf(txs []Transaction) Timeline {
	events := make([]TimelineEvent, 0, len(txs))
	for _, tx := range txs {
		events = append(events, TimelineEvent{At: tx.EffectiveAt, Delta: tx.Delta, Type: tx.Type, Ref: string(tx.ID)})
	}
	return Timeline{Events: events}
}

// BalanceAt returns the running balance including every event on or before at.
func (t *Timeline) BalanceAt(at TimePoint, initial Amount) Amount {
	balance := initial
	for _, e := range t.Events {
		if e.At.After(at) {
			break
		}
		balance = balance.Add(e.Delta)
	}
	return balance
}

// BalanceAtOfTypes is BalanceAt restricted to the given transaction types.
func (t *Timeline) BalanceAtOfTypes(at TimePoint, initial Amount, types ...TransactionType) Amount {
	balance := initial
	for _, e := range t.Events {
		if e.At.After(at) {
			break
		}
		for _, typ := range types {
			if e.Type == typ {
				balance = balance.Add(e.Delta)
				break
			}
		}
	}
	return balance
}
