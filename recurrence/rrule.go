package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// RRULE - RFC 5545 import/export
// =============================================================================
//
// RFC 5545 skips months that lack the anchor day (BYMONTHDAY=31 has no
// February). Rules here clamp instead, which RRULE expresses as "the last of
// days 28..anchorDay that exists":
//
//   anchor day 31 monthly -> FREQ=MONTHLY;BYMONTHDAY=28,29,30,31;BYSETPOS=-1
//
// The anchor is emitted as RDATE when a weekday set would not produce it,
// skipped dates as EXDATE, and the exclusive termination as an inclusive
// UNTIL on the day before.

const icsDate = "20060102"

var (
	toRRuleFreq = map[generic.FrequencyUnit]rrule.Frequency{
		generic.FrequencyDay:   rrule.DAILY,
		generic.FrequencyWeek:  rrule.WEEKLY,
		generic.FrequencyMonth: rrule.MONTHLY,
		generic.FrequencyYear:  rrule.YEARLY,
	}
	toRRuleDay = map[time.Weekday]rrule.Weekday{
		time.Monday: rrule.MO, time.Tuesday: rrule.TU, time.Wednesday: rrule.WE,
		time.Thursday: rrule.TH, time.Friday: rrule.FR, time.Saturday: rrule.SA,
		time.Sunday: rrule.SU,
	}
)

// RRuleOption builds the rrule-go option equivalent to the rule's schedule.
// Non-repeating rules have no RRULE and return an error.
func RRuleOption(rule generic.Rule) (rrule.ROption, error) {
	freq, ok := toRRuleFreq[rule.Frequency]
	if !ok {
		return rrule.ROption{}, fmt.Errorf("frequency %q has no RRULE form", rule.Frequency)
	}
	anchor := rule.AnchorDate.Normalized()
	opt := rrule.ROption{
		Freq:     freq,
		Interval: rule.Interval,
		Dtstart:  anchor.Time,
	}

	switch rule.Frequency {
	case generic.FrequencyWeek:
		if len(rule.Weekdays) > 0 {
			opt.Wkst = toRRuleDay[anchor.Weekday()]
			for _, wd := range rule.Weekdays {
				opt.Byweekday = append(opt.Byweekday, toRRuleDay[wd])
			}
		}
	case generic.FrequencyMonth:
		if anchor.Day() > 28 {
			opt.Bymonthday = clampDays(anchor.Day())
			opt.Bysetpos = []int{-1}
		}
	case generic.FrequencyYear:
		if anchor.Month() == time.February && anchor.Day() == 29 {
			opt.Bymonth = []int{2}
			opt.Bymonthday = clampDays(29)
			opt.Bysetpos = []int{-1}
		}
	}

	if last, ok := LastValidDay(rule); ok {
		opt.Until = last.Time
	}
	return opt, nil
}

func clampDays(anchorDay int) []int {
	days := make([]int, 0, anchorDay-27)
	for d := 28; d <= anchorDay; d++ {
		days = append(days, d)
	}
	return days
}

// ToRRule renders the rule as iCalendar recurrence lines: DTSTART, RRULE
// and, when needed, RDATE and EXDATE.
func ToRRule(rule generic.Rule) (string, error) {
	if err := rule.Validate(); err != nil {
		return "", err
	}
	anchor := rule.AnchorDate.Normalized()
	lines := []string{"DTSTART;VALUE=DATE:" + anchor.Time.Format(icsDate)}

	if rule.IsRepeating() {
		opt, err := RRuleOption(rule)
		if err != nil {
			return "", err
		}
		lines = append(lines, "RRULE:"+opt.RRuleString())
		if len(rule.Weekdays) > 0 && !rule.HasWeekday(anchor.Weekday()) {
			lines = append(lines, "RDATE;VALUE=DATE:"+anchor.Time.Format(icsDate))
		}
	}
	if len(rule.SkippedDates) > 0 {
		ex := make([]string, len(rule.SkippedDates))
		for i, d := range rule.SkippedDates {
			ex[i] = d.Time.Format(icsDate)
		}
		lines = append(lines, "EXDATE;VALUE=DATE:"+strings.Join(ex, ","))
	}
	return strings.Join(lines, "\n"), nil
}

// FromRRule parses recurrence lines back into a rule schedule. anchor is
// used when the text carries no DTSTART. Only the shapes ToRRule emits plus
// plain FREQ/INTERVAL/BYDAY/UNTIL/COUNT rules are accepted.
func FromRRule(text string, anchor generic.TimePoint) (generic.Rule, error) {
	rule := generic.Rule{AnchorDate: anchor.Normalized(), Frequency: generic.FrequencyNone}
	var ruleLine string

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			// A bare "FREQ=..." line.
			ruleLine = line
			continue
		}
		name, _, _ = strings.Cut(strings.ToUpper(name), ";")
		switch name {
		case "DTSTART":
			d, err := parseICSDate(value)
			if err != nil {
				return generic.Rule{}, err
			}
			rule.AnchorDate = d
		case "RRULE":
			ruleLine = value
		case "EXDATE":
			for _, v := range strings.Split(value, ",") {
				d, err := parseICSDate(v)
				if err != nil {
					return generic.Rule{}, err
				}
				rule.SkippedDates = append(rule.SkippedDates, d)
			}
		case "RDATE":
			// The anchor; already covered by DTSTART.
		default:
			return generic.Rule{}, fmt.Errorf("unsupported recurrence property %q", name)
		}
	}
	if rule.AnchorDate.IsZero() {
		return generic.Rule{}, &generic.InvalidRuleError{Field: "anchor_date", Reason: "missing DTSTART and no anchor given"}
	}
	if ruleLine == "" {
		rule.Normalize()
		return rule, nil
	}

	opt, err := rrule.StrToROption(ruleLine)
	if err != nil {
		return generic.Rule{}, fmt.Errorf("parse RRULE: %w", err)
	}
	if err := applyOption(&rule, opt); err != nil {
		return generic.Rule{}, err
	}
	rule.Normalize()
	return rule, rule.Validate()
}

func applyOption(rule *generic.Rule, opt *rrule.ROption) error {
	for unit, freq := range toRRuleFreq {
		if opt.Freq == freq {
			rule.Frequency = unit
		}
	}
	if rule.Frequency == generic.FrequencyNone {
		return fmt.Errorf("RRULE frequency %v is not supported", opt.Freq)
	}
	rule.Interval = opt.Interval
	if rule.Interval == 0 {
		rule.Interval = 1
	}
	if rule.Interval > generic.MaxInterval {
		return &generic.InvalidRuleError{
			RuleID: rule.ID,
			Field:  "interval",
			Reason: fmt.Sprintf("must be at most %d, got %d", generic.MaxInterval, rule.Interval),
		}
	}

	for _, wd := range opt.Byweekday {
		matched := false
		for day, rd := range toRRuleDay {
			if wd == rd {
				rule.Weekdays = append(rule.Weekdays, day)
				matched = true
			}
		}
		if !matched {
			return fmt.Errorf("BYDAY with an ordinal (%v) is not supported", wd)
		}
	}
	if len(opt.Bymonthday) > 0 && len(opt.Bysetpos) == 0 {
		return fmt.Errorf("BYMONTHDAY without BYSETPOS is not supported")
	}
	if len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 {
		return fmt.Errorf("sub-day and year-day RRULE parts are not supported")
	}

	switch {
	case !opt.Until.IsZero():
		end := generic.DayOf(opt.Until).AddDays(1)
		rule.TerminationDate = &end
	case opt.Count > 0:
		opt.Dtstart = rule.AnchorDate.Time
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return fmt.Errorf("expand COUNT: %w", err)
		}
		all := r.All()
		if len(all) > 0 {
			end := generic.DayOf(all[len(all)-1]).AddDays(1)
			rule.TerminationDate = &end
		}
	}
	return nil
}

func parseICSDate(v string) (generic.TimePoint, error) {
	v = strings.TrimSpace(v)
	if len(v) < len(icsDate) {
		return generic.TimePoint{}, fmt.Errorf("invalid iCalendar date %q", v)
	}
	t, err := time.Parse(icsDate, v[:len(icsDate)])
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("invalid iCalendar date %q: %w", v, err)
	}
	return generic.DayOf(t), nil
}
