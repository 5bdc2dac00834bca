/*
calendar.go - Calendar arithmetic for recurrence schedules

PURPOSE:
  Pure date-stepping functions per frequency unit. No state, no clock.

DAY-OF-MONTH PRESERVATION:
  Month and Year steps always recompute the target month from the ANCHOR and
  clamp only the day component:

    anchor 2024-01-31, +1 month -> 2024-02-29 (clamped, leap year)
    anchor 2024-01-31, +2 month -> 2024-03-31 (back to the 31st)

  Stepping from the previous occurrence instead (Feb 29 + 1 month) would pin
  the schedule to the 29th forever. Callers therefore pass the anchor date and
  the total step count, not the previous candidate.

FAILURES:
  An impossible computation (anchor day outside 1..31, year outside the
  supported range, unknown unit) yields *CalendarError. The generator treats
  such a candidate as unproducible and moves on.

SEE ALSO:
  - recurrence/generator.go: the only production caller
*/
package generic

import "time"

// FrequencyUnit is the calendar unit a schedule steps in.
type FrequencyUnit string

const (
	FrequencyNone  FrequencyUnit = "none" // Non-repeating: single anchor occurrence
	FrequencyDay   FrequencyUnit = "day"
	FrequencyWeek  FrequencyUnit = "week"
	FrequencyMonth FrequencyUnit = "month"
	FrequencyYear  FrequencyUnit = "year"
)

// Valid reports whether u is a known unit.
func (u FrequencyUnit) Valid() bool {
	switch u {
	case FrequencyNone, FrequencyDay, FrequencyWeek, FrequencyMonth, FrequencyYear:
		return true
	}
	return false
}

// Repeating reports whether u produces more than one occurrence.
func (u FrequencyUnit) Repeating() bool {
	return u != FrequencyNone && u != ""
}

const (
	minSupportedYear = 1
	maxSupportedYear = 9999

	// Steps larger than the supported calendar span always leave it.
	maxStepMonths = (maxSupportedYear - minSupportedYear + 1) * 12
	maxStepDays   = (maxSupportedYear - minSupportedYear + 1) * 366
)

// CalendarError reasons.
const (
	ReasonYearOutOfRange   = "target year out of range"
	ReasonAnchorDayInvalid = "anchor day out of range"
	ReasonUnsupportedUnit  = "unsupported frequency unit"
)

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// IsLeapYear reports whether year has a February 29.
func IsLeapYear(year int) bool {
	return DaysIn(year, time.February) == 29
}

// Step advances date by interval units. Day and Week are exact additions;
// Month and Year preserve date's own day-of-month (clamped).
func Step(date TimePoint, unit FrequencyUnit, interval int) (TimePoint, error) {
	switch unit {
	case FrequencyDay:
		if beyond(interval, maxStepDays) {
			return TimePoint{}, outOfRange(date, unit, interval)
		}
		return checkRange(date.AddDays(interval), unit, interval)
	case FrequencyWeek:
		if beyond(interval, maxStepDays/7) {
			return TimePoint{}, outOfRange(date, unit, interval)
		}
		return checkRange(date.AddDays(7*interval), unit, interval)
	case FrequencyMonth, FrequencyYear:
		return DayOfMonthPreservingStep(date, unit, interval, date.Day())
	default:
		return TimePoint{}, &CalendarError{Date: date, Unit: unit, Interval: interval, Reason: ReasonUnsupportedUnit}
	}
}

// DayOfMonthPreservingStep advances date by interval months or years and
// places the result on min(anchorDay, days in target month).
func DayOfMonthPreservingStep(date TimePoint, unit FrequencyUnit, interval, anchorDay int) (TimePoint, error) {
	if anchorDay < 1 || anchorDay > 31 {
		return TimePoint{}, &CalendarError{Date: date, Unit: unit, Interval: interval, Reason: ReasonAnchorDayInvalid}
	}

	var months int
	switch unit {
	case FrequencyMonth:
		if beyond(interval, maxStepMonths) {
			return TimePoint{}, outOfRange(date, unit, interval)
		}
		months = interval
	case FrequencyYear:
		if beyond(interval, maxStepMonths/12) {
			return TimePoint{}, outOfRange(date, unit, interval)
		}
		months = 12 * interval
	case FrequencyDay, FrequencyWeek:
		return Step(date, unit, interval)
	default:
		return TimePoint{}, &CalendarError{Date: date, Unit: unit, Interval: interval, Reason: ReasonUnsupportedUnit}
	}

	// Work in absolute month indexes so negative and large steps stay exact.
	total := date.Year()*12 + int(date.Month()-1) + months
	year := total / 12
	month := time.Month(total%12 + 1)
	if total < 0 || year < minSupportedYear || year > maxSupportedYear {
		return TimePoint{}, outOfRange(date, unit, interval)
	}

	day := anchorDay
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return NewTimePoint(year, month, day), nil
}

func checkRange(tp TimePoint, unit FrequencyUnit, interval int) (TimePoint, error) {
	if tp.Year() < minSupportedYear || tp.Year() > maxSupportedYear {
		return TimePoint{}, outOfRange(tp, unit, interval)
	}
	return tp, nil
}

func outOfRange(date TimePoint, unit FrequencyUnit, interval int) error {
	return &CalendarError{Date: date, Unit: unit, Interval: interval, Reason: ReasonYearOutOfRange}
}

// beyond reports whether a step of n units, in either direction, exceeds limit.
func beyond(n, limit int) bool {
	return n > limit || n < -limit
}
