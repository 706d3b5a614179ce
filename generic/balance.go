/*
balance.go - Outstanding balance calculation

PURPOSE:
  Computes what is owed on one charge bucket from its transactions. This is
  the central calculation that answers "how much does this operator still owe?"

BALANCE COMPONENTS:
  Charged:     Obligation or imposed penalty amounts
  Accrued:     Daily penalty or interest accruals
  Paid:        Confirmed payments (stored as positive here)
  Adjustments: Manual corrections and reversals

  Outstanding = Charged + Accrued + Adjustments - Paid

SEE ALSO:
  - ledger.go: Source of the transactions
  - accrual.go: Produces the accrual transactions
*/
package generic

// =============================================================================
// CHARGE BALANCE
// =============================================================================

// ChargeBalance is the replayed state of one charge bucket.
type ChargeBalance struct {
	AccountID AccountID
	Charge    ChargeKind
	AsOf      TimePoint

	Charged     Amount
	Accrued     Amount
	Paid        Amount
	Adjustments Amount

	// LastPaymentAt is the effective date of the latest payment, zero if none.
	LastPaymentAt TimePoint
}

// Outstanding returns what is still owed.
func (b ChargeBalance) Outstanding() Amount {
	return b.Charged.Add(b.Accrued).Add(b.Adjustments).Sub(b.Paid)
}

// Total returns everything that became owed, paid or not.
func (b ChargeBalance) Total() Amount {
	return b.Charged.Add(b.Accrued).Add(b.Adjustments)
}

// IsSettled reports whether something was owed and nothing is outstanding.
func (b ChargeBalance) IsSettled() bool {
	return b.Total().IsPositive() && !b.Outstanding().IsPositive()
}

// CalculateBalance replays txs up to and including at.
func CalculateBalance(accountID AccountID, charge ChargeKind, txs []Transaction, at TimePoint, unit Unit) ChargeBalance {
	b := ChargeBalance{
		AccountID:   accountID,
		Charge:      charge,
		AsOf:        at,
		Charged:     ZeroAmount(unit),
		Accrued:     ZeroAmount(unit),
		Paid:        ZeroAmount(unit),
		Adjustments: ZeroAmount(unit),
	}

	for _, tx := range txs {
		if tx.EffectiveAt.After(at) {
			continue
		}
		switch tx.Type {
		case TxCharge:
			b.Charged = b.Charged.Add(tx.Delta)
		case TxAccrual:
			b.Accrued = b.Accrued.Add(tx.Delta)
		case TxPayment:
			b.Paid = b.Paid.Sub(tx.Delta)
			if tx.EffectiveAt.After(b.LastPaymentAt) || b.LastPaymentAt.IsZero() {
				b.LastPaymentAt = tx.EffectiveAt
			}
		case TxAdjustment, TxReversal:
			b.Adjustments = b.Adjustments.Add(tx.Delta)
		}
	}
	return b
}
