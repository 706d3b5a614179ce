package generic

// =============================================================================
// PERIOD - Closed range of days used for accrual windows
// =============================================================================

// Period is the inclusive range [Start, End]. Accruals are generated per day
// of a period, so a period with End before Start is empty.
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// IsEmpty reports whether the period contains no days.
func (p Period) IsEmpty() bool {
	return p.End.Before(p.Start)
}

// Days returns all days in the period as a slice of TimePoints.
func (p Period) Days() []TimePoint {
	var days []TimePoint
	current := p.Start
	for current.BeforeOrEqual(p.End) {
		days = append(days, current)
		current = current.AddDays(1)
	}
	return days
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// OverdueWindow is the period of days after dueDate up to and including
// settledOn. It is empty when settledOn is on or before dueDate.
func OverdueWindow(dueDate, settledOn TimePoint) Period {
	return Period{Start: dueDate.AddDays(1), End: settledOn}
}
