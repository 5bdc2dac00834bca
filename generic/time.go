package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// TIME POINT - Calendar day (occurrences are day-granular)
// =============================================================================

// DateLayout is the ISO calendar date layout used for keys, identity and storage.
const DateLayout = "2006-01-02"

// TimePoint is a calendar day. The wrapped time is always midnight UTC, so two
// TimePoints built from the same calendar day compare equal regardless of the
// time-of-day or location they were derived from.
type TimePoint struct {
	Time time.Time
}

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf normalizes t to its calendar day in t's own location.
func DayOf(t time.Time) TimePoint {
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (TimePoint, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TimePoint{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DayOf(t), nil
}

// MustParseDate is ParseDate for literals in tests and presets.
func MustParseDate(s string) TimePoint {
	tp, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return tp
}

func Today() TimePoint {
	return DayOf(time.Now())
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

func (tp TimePoint) normalize() time.Time {
	return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Normalized returns tp with any stray time-of-day removed.
func (tp TimePoint) Normalized() TimePoint { return TimePoint{Time: tp.normalize()} }

// Arithmetic (plain time.AddDate semantics; month overflow normalizes forward).
// Use DayOfMonthPreservingStep for schedules that must keep an anchor day.
func (tp TimePoint) AddDays(n int) TimePoint   { return TimePoint{Time: tp.normalize().AddDate(0, 0, n)} }
func (tp TimePoint) AddMonths(n int) TimePoint { return TimePoint{Time: tp.normalize().AddDate(0, n, 0)} }
func (tp TimePoint) AddYears(n int) TimePoint  { return TimePoint{Time: tp.normalize().AddDate(n, 0, 0)} }

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) Weekday() time.Weekday { return tp.Time.Weekday() }
func (tp TimePoint) IsZero() bool          { return tp.Time.IsZero() }

// Key is the day-granular map key for a TimePoint.
func (tp TimePoint) Key() string { return tp.String() }

func (tp TimePoint) String() string {
	return tp.Time.Format(DateLayout)
}

// MarshalText implements encoding.TextMarshaler so dates serialize as YYYY-MM-DD.
func (tp TimePoint) MarshalText() ([]byte, error) {
	if tp.IsZero() {
		return []byte{}, nil
	}
	return []byte(tp.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tp *TimePoint) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*tp = TimePoint{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*tp = parsed
	return nil
}

// Earliest returns the earlier of two days.
func Earliest(a, b TimePoint) TimePoint {
	if a.Before(b) {
		return a
	}
	return b
}

// Latest returns the later of two days.
func Latest(a, b TimePoint) TimePoint {
	if a.After(b) {
		return a
	}
	return b
}

// =============================================================================
// CLOCK - Source of "today"
// =============================================================================

// Clock supplies the current calendar day. The generator's "today-or-future"
// policy and the rolling horizon both read it, so tests inject a fixed one.
type Clock interface {
	Today() TimePoint
}

// SystemClock reads the wall clock in Location (UTC when nil).
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Today() TimePoint {
	now := time.Now()
	if c.Location != nil {
		now = now.In(c.Location)
	}
	return DayOf(now)
}

// FixedClock always returns the same day.
type FixedClock struct {
	Day TimePoint
}

func (c FixedClock) Today() TimePoint { return c.Day }

// =============================================================================
// TIME UTILITIES
// =============================================================================

func DaysBetween(from, to TimePoint) int {
	return int(to.normalize().Sub(from.normalize()).Hours() / 24)
}

func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }
func EndOfMonth(year int, month time.Month) TimePoint {
	return NewTimePoint(year, month, DaysIn(year, month))
}
