package generic

// =============================================================================
// WINDOW - Closed range of calendar days
// =============================================================================

// Window is the closed day range [Start, End] a generation or ledger fetch
// covers.
//
// Examples:
//   - Rolling horizon: [today, today + 12 months]
//   - Calendar preview: [2025-03-01, 2025-03-31]
type Window struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the day is within [Start, End].
func (w Window) Contains(t TimePoint) bool {
	return t.AfterOrEqual(w.Start) && t.BeforeOrEqual(w.End)
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.End.Before(w.Start)
}

// Days returns all days in the window.
func (w Window) Days() []TimePoint {
	var days []TimePoint
	for current := w.Start; current.BeforeOrEqual(w.End); current = current.AddDays(1) {
		days = append(days, current)
	}
	return days
}

func (w Window) String() string {
	return "[" + w.Start.String() + ", " + w.End.String() + "]"
}

// HorizonFrom returns the rolling window [today, today + months], clamping
// the end day the way month schedules do (Jan 31 + 1 month = Feb 28/29).
func HorizonFrom(today TimePoint, months int) Window {
	end, err := DayOfMonthPreservingStep(today, FrequencyMonth, months, today.Day())
	if err != nil {
		end = today.AddMonths(months)
	}
	return Window{Start: today, End: end}
}
