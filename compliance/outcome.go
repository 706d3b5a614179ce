package compliance

import (
	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// OUTCOME CLASSIFIER
// =============================================================================

type Outcome string

const (
	OutcomeObligationNotMet      Outcome = "obligation_not_met"
	OutcomeNoObligationOrCredits Outcome = "no_obligation_or_credits"
	OutcomeEarnedCredits         Outcome = "earned_credits"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeObligationNotMet, OutcomeNoObligationOrCredits, OutcomeEarnedCredits:
		return true
	}
	return false
}

// Figures are the emissions totals a report version is classified on.
type Figures struct {
	EmissionsAttributable generic.Amount
	EmissionsLimit        generic.Amount
}

// Classification is the frozen result of classifying a version's figures.
type Classification struct {
	Outcome Outcome

	// ExcessEmissions is attributable - limit; negative means credits.
	ExcessEmissions generic.Amount

	// EarnedCredits is -ExcessEmissions for EarnedCredits, zero otherwise.
	EarnedCredits generic.Amount
}

// ClassifyOutcome maps emissions totals to exactly one outcome.
// It is total: every pair of decimals classifies, nothing errors.
func ClassifyOutcome(attributable, limit generic.Amount) Classification {
	excess := generic.Amount{Value: attributable.Value.Sub(limit.Value), Unit: generic.UnitTonnesCO2e}
	credits := generic.ZeroAmount(generic.UnitTonnesCO2e)

	var outcome Outcome
	switch excess.Value.Sign() {
	case 1:
		outcome = OutcomeObligationNotMet
	case 0:
		outcome = OutcomeNoObligationOrCredits
	default:
		outcome = OutcomeEarnedCredits
		credits = excess.Neg()
	}

	return Classification{
		Outcome:         outcome,
		ExcessEmissions: excess,
		EarnedCredits:   credits,
	}
}

// Classify is ClassifyOutcome on a Figures value.
func (f Figures) Classify() Classification {
	return ClassifyOutcome(f.EmissionsAttributable, f.EmissionsLimit)
}
