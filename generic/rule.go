/*
rule.go - Recurrence Rule data model

PURPOSE:
  A Rule is the declarative definition of one recurring (or one-off)
  payment: when it starts, how it repeats, which dates are excluded and when
  it ends. Occurrences are always recomputed from the rule; nothing about
  them is stored on it.

FIELDS:
  AnchorDate:      First occurrence chosen by the user. Immutable once set.
  Frequency:       none | day | week | month | year
  Interval:        Step count in Frequency units (>= 1 when repeating)
  Weekdays:        Optional weekday set, weekly rules only
  SkippedDates:    Dates explicitly excluded; only ever grows
  TerminationDate: Exclusive boundary. No valid occurrence on or after it.

INVARIANT:
  The anchor is an occurrence unless it is skipped or on/after the
  termination date.

SEE ALSO:
  - calendar.go: Date stepping
  - recurrence/generator.go: Turns a Rule into occurrences
  - recurrence/editor.go: Skip / terminate mutations
*/
package generic

import (
	"fmt"
	"sort"
	"time"
)

// MaxInterval bounds Rule.Interval; factory/schema/rule.cue carries the
// same limit.
const MaxInterval = 1000

type Rule struct {
	ID              RuleID
	AnchorDate      TimePoint
	Frequency       FrequencyUnit
	Interval        int
	Weekdays        []time.Weekday
	SkippedDates    []TimePoint
	TerminationDate *TimePoint
	Payload

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can't alias store-owned slices.
func (r Rule) Clone() Rule {
	out := r
	out.Weekdays = append([]time.Weekday(nil), r.Weekdays...)
	out.SkippedDates = append([]TimePoint(nil), r.SkippedDates...)
	if r.TerminationDate != nil {
		t := *r.TerminationDate
		out.TerminationDate = &t
	}
	return out
}

// IsRepeating reports whether the rule yields more than its anchor.
func (r Rule) IsRepeating() bool {
	return r.Frequency.Repeating()
}

// IsSkipped reports whether date is in SkippedDates.
func (r Rule) IsSkipped(date TimePoint) bool {
	for _, d := range r.SkippedDates {
		if d.Equal(date) {
			return true
		}
	}
	return false
}

// SkipSet returns SkippedDates keyed by day for O(1) lookups.
func (r Rule) SkipSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.SkippedDates))
	for _, d := range r.SkippedDates {
		set[d.Key()] = struct{}{}
	}
	return set
}

// IsTerminatedAt reports whether date is on or after the termination boundary.
func (r Rule) IsTerminatedAt(date TimePoint) bool {
	return r.TerminationDate != nil && !date.Before(*r.TerminationDate)
}

// HasWeekday reports whether wd is in the weekday set.
func (r Rule) HasWeekday(wd time.Weekday) bool {
	for _, w := range r.Weekdays {
		if w == wd {
			return true
		}
	}
	return false
}

// Validate checks structural well-formedness. A rule that fails here is
// rejected at create/edit time and excluded from generation.
func (r Rule) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &InvalidRuleError{RuleID: r.ID, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if r.AnchorDate.IsZero() {
		return invalid("anchor_date", "is required")
	}
	if r.Frequency == "" {
		return invalid("frequency", "is required")
	}
	if !r.Frequency.Valid() {
		return invalid("frequency", "unknown unit %q", r.Frequency)
	}
	if r.IsRepeating() && r.Interval < 1 {
		return invalid("interval", "must be at least 1 for a repeating rule, got %d", r.Interval)
	}
	if r.Interval > MaxInterval {
		return invalid("interval", "must be at most %d, got %d", MaxInterval, r.Interval)
	}
	if len(r.Weekdays) > 0 && r.Frequency != FrequencyWeek {
		return invalid("weekdays", "only allowed with weekly frequency")
	}
	for _, wd := range r.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return invalid("weekdays", "unknown weekday %d", wd)
		}
	}
	if r.Amount.IsNegative() {
		return invalid("amount", "must not be negative; use is_income for direction")
	}
	return nil
}

// Normalize strips time-of-day from every date, sorts and dedupes the
// exception and weekday sets. Stores and the editor call it before saving.
func (r *Rule) Normalize() {
	r.AnchorDate = r.AnchorDate.Normalized()
	if r.TerminationDate != nil {
		t := r.TerminationDate.Normalized()
		r.TerminationDate = &t
	}

	seen := make(map[string]struct{}, len(r.SkippedDates))
	skipped := r.SkippedDates[:0]
	for _, d := range r.SkippedDates {
		d = d.Normalized()
		if _, dup := seen[d.Key()]; dup {
			continue
		}
		seen[d.Key()] = struct{}{}
		skipped = append(skipped, d)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Before(skipped[j]) })
	r.SkippedDates = skipped

	var mask [7]bool
	weekdays := r.Weekdays[:0]
	for _, wd := range r.Weekdays {
		if wd < time.Sunday || wd > time.Saturday || mask[wd] {
			continue
		}
		mask[wd] = true
		weekdays = append(weekdays, wd)
	}
	sort.Slice(weekdays, func(i, j int) bool { return weekdays[i] < weekdays[j] })
	r.Weekdays = weekdays
}
