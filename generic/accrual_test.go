package generic_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// DAILY COMPOUNDING ACCRUAL
// =============================================================================

func constantPrincipal(s string) func(generic.TimePoint) generic.Amount {
	return func(generic.TimePoint) generic.Amount { return cad(s) }
}

func TestDailyCompoundingAccrual(t *testing.T) {
	schedule := generic.DailyCompoundingAccrual{
		Rate:        generic.MustParseDecimal("0.0038"),
		Unit:        generic.UnitCAD,
		Reason:      "penalty",
		PrincipalAt: constantPrincipal("8000"),
	}

	events := schedule.GenerateAccruals(day(2025, time.December, 1), day(2025, time.December, 3))

	// Each day compounds on what the schedule accrued before it
	require.Len(t, events, 3)
	var got []string
	for _, e := range events {
		got = append(got, e.Amount.Value.StringFixed(2))
	}
	assert.Equal(t, []string{"30.40", "30.52", "30.63"}, got)
	assert.Equal(t, "penalty 2025-12-02", events[1].Reason)
	assert.Equal(t, "91.55", generic.Total(events, generic.UnitCAD).Value.StringFixed(2))
}

func TestDailyCompoundingAccrual_SkipsDaysWithoutPrincipal(t *testing.T) {
	// Overpaid on 2025-12-01
	schedule := generic.DailyCompoundingAccrual{
		Rate: generic.MustParseDecimal("0.01"),
		Unit: generic.UnitCAD,
		PrincipalAt: func(d generic.TimePoint) generic.Amount {
			if d.Before(day(2025, time.December, 1)) {
				return cad("100")
			}
			return cad("-101")
		},
	}

	events := schedule.GenerateAccruals(day(2025, time.December, 1), day(2025, time.December, 5))

	// Only the first day has a positive base
	require.Len(t, events, 1)
	assert.Equal(t, "1.00", events[0].Amount.Value.StringFixed(2))
}

func TestDailyCompoundingAccrual_EmptyRange(t *testing.T) {
	schedule := generic.DailyCompoundingAccrual{
		Rate:        generic.MustParseDecimal("0.01"),
		Unit:        generic.UnitCAD,
		PrincipalAt: constantPrincipal("100"),
	}
	assert.Empty(t, schedule.GenerateAccruals(day(2025, time.December, 5), day(2025, time.December, 1)))
	assert.True(t, generic.Total(nil, generic.UnitCAD).IsZero())
}

// =============================================================================
// PERIOD AND TIME
// =============================================================================

func TestPeriod(t *testing.T) {
	p := generic.Period{Start: day(2025, time.December, 30), End: day(2026, time.January, 2)}

	assert.Len(t, p.Days(), 4)
	assert.True(t, p.Contains(day(2026, time.January, 1)))
	assert.False(t, p.Contains(day(2026, time.January, 3)))
	assert.False(t, p.IsEmpty())
	assert.Equal(t, "[2025-12-30, 2026-01-02]", p.String())

	window := generic.OverdueWindow(day(2025, time.November, 30), day(2025, time.November, 30))
	assert.True(t, window.IsEmpty())
	assert.Empty(t, window.Days())

	window = generic.OverdueWindow(day(2025, time.November, 30), day(2025, time.December, 3))
	assert.Len(t, window.Days(), 3)
}

func TestTimePoint(t *testing.T) {
	d, err := generic.ParseDay("2025-11-30")
	require.NoError(t, err)
	assert.Equal(t, "2025-11-30", d.String())

	_, err = generic.ParseDay("30/11/2025")
	assert.Error(t, err)

	// DayOf normalizes to the UTC calendar day
	evening := time.Date(2025, 11, 30, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "2025-12-01", generic.DayOf(evening).String())

	assert.Equal(t, "2025-12-01", d.AddDays(1).String())
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AfterOrEqual(d))
}

// =============================================================================
// AMOUNTS
// =============================================================================

func TestAmount_RoundCents(t *testing.T) {
	tests := []struct{ in, want string }{
		{"30.404", "30.40"},
		{"30.405", "30.41"},
		{"-30.405", "-30.41"},
		{"8000", "8000.00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, cad(tt.in).RoundCents().Value.StringFixed(2))
		})
	}
}

func TestParseAmount(t *testing.T) {
	a, err := generic.ParseAmount("0.1", generic.UnitCAD)
	require.NoError(t, err)
	assert.Equal(t, "0.3", a.Add(a).Add(a).Value.String())

	_, err = generic.ParseAmount("ten", generic.UnitCAD)
	assert.Error(t, err)

	assert.True(t, cad("7").GreaterThan(cad("5")))
	assert.False(t, cad("5").Equal(generic.MustAmount("5", generic.UnitTonnesCO2e)))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorTaxonomy(t *testing.T) {
	guard := generic.NewGuardViolation("invoice_already_active", "version %s already has one", "v-1")
	assert.True(t, errors.Is(guard, generic.ErrGuardViolation))
	assert.True(t, generic.IsClientError(guard))
	assert.False(t, generic.IsRetryable(guard))
	assert.Contains(t, guard.Error(), "invoice_already_active")

	cause := errors.New("connection refused")
	ext := fmt.Errorf("request invoice: %w", &generic.ExternalServiceError{Service: "document-generator", Op: "generate", Err: cause})
	assert.True(t, generic.IsRetryable(ext))
	assert.True(t, errors.Is(ext, cause))

	assert.True(t, generic.IsRetryable(generic.ErrConcurrentModification))

	notFound := &generic.NotFoundError{Kind: "version", ID: "v-9"}
	assert.True(t, generic.IsNotFound(notFound))
	assert.Equal(t, "version v-9 not found", notFound.Error())

	recon := &generic.ReconciliationFailure{Lineage: "op-1/2024", Reason: "two current versions"}
	assert.True(t, errors.Is(recon, generic.ErrReconciliationFailure))
	assert.False(t, generic.IsRetryable(recon))
}
