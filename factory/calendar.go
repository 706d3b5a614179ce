/*
Package factory provides YAML to Go reporting calendar conversion.

PURPOSE:
  Converts a YAML reporting calendar into generic.ReportingTerms per year.
  Statutory dates and rates change every year by regulation, not by code,
  so they are configuration: ops edit the YAML, the engine reads the terms.

YAML SCHEMA:
  years:
    - year: 2024
      window_end: 2025-05-31          # last on-time submission day
      due_date: 2025-11-30            # last penalty-free payment day
      charge_rate: "80.00"            # CAD per tCO2e of excess emissions
      penalty_daily_rate: "0.0038"    # automatic overdue penalty, compounded daily
      interest_daily_rate: "0.000232" # interest on late submission penalties

  Rates are strings so they parse straight into decimals.

USAGE:
  calendar, err := factory.NewCalendarFactory().ParseCalendar(data)
  terms, err := calendar.ForYear(2024)

SEE ALSO:
  - generic/time.go: ReportingTerms and ReportingCalendar
  - compliance/penalty.go: Consumes the daily rates
*/
package factory

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/compliance-engine/generic"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// CalendarYAML is the YAML representation of a reporting calendar.
type CalendarYAML struct {
	Years []YearYAML `yaml:"years"`
}

// YearYAML holds the terms of one reporting year.
type YearYAML struct {
	Year              int    `yaml:"year"`
	WindowEnd         string `yaml:"window_end"`
	DueDate           string `yaml:"due_date"`
	ChargeRate        string `yaml:"charge_rate"`
	PenaltyDailyRate  string `yaml:"penalty_daily_rate"`
	InterestDailyRate string `yaml:"interest_daily_rate"`
}

// DefaultCalendarYAML covers the years the demo scenarios use.
const DefaultCalendarYAML = `
years:
  - year: 2023
    window_end: 2024-05-31
    due_date: 2024-11-30
    charge_rate: "65.00"
    penalty_daily_rate: "0.0038"
    interest_daily_rate: "0.000232"
  - year: 2024
    window_end: 2025-05-31
    due_date: 2025-11-30
    charge_rate: "80.00"
    penalty_daily_rate: "0.0038"
    interest_daily_rate: "0.000232"
  - year: 2025
    window_end: 2026-05-31
    due_date: 2026-11-30
    charge_rate: "95.00"
    penalty_daily_rate: "0.0038"
    interest_daily_rate: "0.000232"
`

// =============================================================================
// STATIC CALENDAR
// =============================================================================

// StaticCalendar serves terms from memory.
type StaticCalendar struct {
	years map[int]generic.ReportingTerms
}

var _ generic.ReportingCalendar = (*StaticCalendar)(nil)

func NewStaticCalendar(terms ...generic.ReportingTerms) *StaticCalendar {
	c := &StaticCalendar{years: make(map[int]generic.ReportingTerms, len(terms))}
	for _, t := range terms {
		c.years[t.Year] = t
	}
	return c
}

func (c *StaticCalendar) ForYear(year int) (generic.ReportingTerms, error) {
	t, ok := c.years[year]
	if !ok {
		return generic.ReportingTerms{}, &generic.NotFoundError{Kind: "reporting year", ID: fmt.Sprint(year)}
	}
	return t, nil
}

// Years lists the configured years in ascending order.
func (c *StaticCalendar) Years() []int {
	years := make([]int, 0, len(c.years))
	for y := range c.years {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// =============================================================================
// FACTORY
// =============================================================================

type CalendarFactory struct{}

func NewCalendarFactory() *CalendarFactory {
	return &CalendarFactory{}
}

// ParseCalendar parses and validates a YAML calendar.
func (f *CalendarFactory) ParseCalendar(data []byte) (*StaticCalendar, error) {
	var doc CalendarYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid calendar YAML: %w", err)
	}
	if len(doc.Years) == 0 {
		return nil, fmt.Errorf("calendar defines no reporting years")
	}

	terms := make([]generic.ReportingTerms, 0, len(doc.Years))
	seen := make(map[int]bool)
	for _, y := range doc.Years {
		if seen[y.Year] {
			return nil, fmt.Errorf("reporting year %d defined twice", y.Year)
		}
		seen[y.Year] = true
		t, err := f.toTerms(y)
		if err != nil {
			return nil, fmt.Errorf("reporting year %d: %w", y.Year, err)
		}
		terms = append(terms, t)
	}
	return NewStaticCalendar(terms...), nil
}

// LoadCalendar reads a YAML calendar file. An empty path loads the default.
func (f *CalendarFactory) LoadCalendar(path string) (*StaticCalendar, error) {
	if path == "" {
		return f.ParseCalendar([]byte(DefaultCalendarYAML))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	return f.ParseCalendar(data)
}

func (f *CalendarFactory) toTerms(y YearYAML) (generic.ReportingTerms, error) {
	if y.Year <= 0 {
		return generic.ReportingTerms{}, fmt.Errorf("year is required")
	}
	windowEnd, err := generic.ParseDay(y.WindowEnd)
	if err != nil {
		return generic.ReportingTerms{}, fmt.Errorf("window_end: %w", err)
	}
	dueDate, err := generic.ParseDay(y.DueDate)
	if err != nil {
		return generic.ReportingTerms{}, fmt.Errorf("due_date: %w", err)
	}
	if !windowEnd.After(generic.NewTimePoint(y.Year, 12, 31)) {
		return generic.ReportingTerms{}, fmt.Errorf("window_end %s must fall after the reporting year", windowEnd)
	}
	chargeRate, err := parseRate("charge_rate", y.ChargeRate)
	if err != nil {
		return generic.ReportingTerms{}, err
	}
	penaltyRate, err := parseRate("penalty_daily_rate", y.PenaltyDailyRate)
	if err != nil {
		return generic.ReportingTerms{}, err
	}
	interestRate, err := parseRate("interest_daily_rate", y.InterestDailyRate)
	if err != nil {
		return generic.ReportingTerms{}, err
	}

	return generic.ReportingTerms{
		Year:              y.Year,
		WindowEnd:         windowEnd,
		DueDate:           dueDate,
		ChargeRate:        generic.NewAmount(chargeRate, generic.UnitCAD),
		PenaltyDailyRate:  penaltyRate,
		InterestDailyRate: interestRate,
	}, nil
}

func parseRate(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// MustDefaultCalendar returns the built-in calendar. It panics only if the
// embedded YAML is broken.
func MustDefaultCalendar() *StaticCalendar {
	c, err := NewCalendarFactory().ParseCalendar([]byte(DefaultCalendarYAML))
	if err != nil {
		panic(err)
	}
	return c
}
