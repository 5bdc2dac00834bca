package recurrence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

func TestToRRule(t *testing.T) {
	weekly := newRule("gym", "2024-01-03", generic.FrequencyWeek, 2) // a Wednesday
	weekly.Weekdays = []time.Weekday{time.Friday, time.Monday}
	weekly.Normalize()

	ended := newRule("fees", "2024-01-15", generic.FrequencyMonth, 1)
	ended.SkippedDates = []generic.TimePoint{date("2024-03-15")}
	end := date("2024-06-15")
	ended.TerminationDate = &end

	tests := []struct {
		name string
		rule generic.Rule
		want string
	}{
		{
			name: "monthly on the 31st clamps through BYSETPOS",
			rule: newRule("rent", "2024-01-31", generic.FrequencyMonth, 1),
			want: "DTSTART;VALUE=DATE:20240131\n" +
				"RRULE:FREQ=MONTHLY;INTERVAL=1;BYSETPOS=-1;BYMONTHDAY=28,29,30,31",
		},
		{
			name: "monthly on the 15th is plain",
			rule: newRule("phone", "2024-01-15", generic.FrequencyMonth, 3),
			want: "DTSTART;VALUE=DATE:20240115\nRRULE:FREQ=MONTHLY;INTERVAL=3",
		},
		{
			name: "yearly on February 29th",
			rule: newRule("leap", "2024-02-29", generic.FrequencyYear, 1),
			want: "DTSTART;VALUE=DATE:20240229\n" +
				"RRULE:FREQ=YEARLY;INTERVAL=1;BYSETPOS=-1;BYMONTH=2;BYMONTHDAY=28,29",
		},
		{
			name: "weekly set without the anchor weekday adds RDATE",
			rule: weekly,
			want: "DTSTART;VALUE=DATE:20240103\n" +
				"RRULE:FREQ=WEEKLY;INTERVAL=2;WKST=WE;BYDAY=MO,FR\n" +
				"RDATE;VALUE=DATE:20240103",
		},
		{
			name: "skips and termination",
			rule: ended,
			want: "DTSTART;VALUE=DATE:20240115\n" +
				"RRULE:FREQ=MONTHLY;INTERVAL=1;UNTIL=20240614T000000Z\n" +
				"EXDATE;VALUE=DATE:20240315",
		},
		{
			name: "non-repeating rule is a single date",
			rule: newRule("once", "2024-05-01", generic.FrequencyNone, 0),
			want: "DTSTART;VALUE=DATE:20240501",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := recurrence.ToRRule(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToRRule_RejectsInvalidRule(t *testing.T) {
	_, err := recurrence.ToRRule(newRule("bad", "2024-01-31", generic.FrequencyMonth, 0))
	assert.ErrorIs(t, err, generic.ErrInvalidRule)
}

func TestRRule_RoundTrip(t *testing.T) {
	rule := newRule("fees", "2024-01-31", generic.FrequencyMonth, 2)
	rule.SkippedDates = []generic.TimePoint{date("2024-05-31"), date("2024-03-31")}
	end := date("2024-12-01")
	rule.TerminationDate = &end
	rule.Normalize()

	text, err := recurrence.ToRRule(rule)
	require.NoError(t, err)

	parsed, err := recurrence.FromRRule(text, generic.TimePoint{})
	require.NoError(t, err)

	assert.Equal(t, rule.AnchorDate, parsed.AnchorDate)
	assert.Equal(t, rule.Frequency, parsed.Frequency)
	assert.Equal(t, rule.Interval, parsed.Interval)
	assert.Equal(t, rule.SkippedDates, parsed.SkippedDates)
	require.NotNil(t, parsed.TerminationDate)
	assert.Equal(t, "2024-12-01", parsed.TerminationDate.String())
}

func TestFromRRule(t *testing.T) {
	t.Run("bare rule line uses the given anchor", func(t *testing.T) {
		rule, err := recurrence.FromRRule("FREQ=WEEKLY;BYDAY=MO,WE", date("2024-01-01"))
		require.NoError(t, err)
		assert.Equal(t, generic.FrequencyWeek, rule.Frequency)
		assert.Equal(t, 1, rule.Interval)
		assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, rule.Weekdays)
	})

	t.Run("COUNT becomes a termination", func(t *testing.T) {
		rule, err := recurrence.FromRRule("RRULE:FREQ=DAILY;COUNT=3", date("2024-01-10"))
		require.NoError(t, err)
		require.NotNil(t, rule.TerminationDate)
		assert.Equal(t, "2024-01-13", rule.TerminationDate.String())
	})

	t.Run("interval above the rule bound", func(t *testing.T) {
		_, err := recurrence.FromRRule("FREQ=YEARLY;INTERVAL=4611686018427387905;COUNT=2", date("2024-01-01"))
		assert.ErrorIs(t, err, generic.ErrInvalidRule)
	})

	t.Run("no anchor at all", func(t *testing.T) {
		_, err := recurrence.FromRRule("FREQ=DAILY", generic.TimePoint{})
		assert.ErrorIs(t, err, generic.ErrInvalidRule)
	})

	for _, text := range []string{
		"FREQ=MONTHLY;BYDAY=+1MO",
		"FREQ=MONTHLY;BYMONTHDAY=15",
		"FREQ=HOURLY",
		"FREQ=DAILY;BYHOUR=9",
		"X-CUSTOM:1",
	} {
		t.Run("rejects "+text, func(t *testing.T) {
			_, err := recurrence.FromRRule(text, date("2024-01-01"))
			assert.Error(t, err)
		})
	}
}

func TestRRuleOption_MatchesGenerator(t *testing.T) {
	// GIVEN: Rules whose RRULE form needs clamping or a week start
	// WHEN: Expanding the RRULE with rrule-go and the rule with the Generator
	// THEN: Both produce the same dates (plus the anchor, carried by RDATE)

	weekly := newRule("gym", "2024-01-03", generic.FrequencyWeek, 2)
	weekly.Weekdays = []time.Weekday{time.Monday, time.Friday}

	tests := []struct {
		name       string
		rule       generic.Rule
		withAnchor bool
	}{
		{name: "monthly 31st", rule: newRule("rent", "2024-01-31", generic.FrequencyMonth, 1)},
		{name: "yearly leap day", rule: newRule("leap", "2024-02-29", generic.FrequencyYear, 1)},
		{name: "biweekly set", rule: weekly, withAnchor: true},
	}

	g := generatorAt("2024-01-01")
	from, to := date("2024-01-01"), date("2031-12-31")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := recurrence.RRuleOption(tt.rule)
			require.NoError(t, err)
			r, err := rrule.NewRRule(opt)
			require.NoError(t, err)

			var want []string
			if tt.withAnchor {
				want = append(want, tt.rule.AnchorDate.String())
			}
			for _, tm := range r.Between(from.Time, to.Time, true) {
				want = append(want, generic.DayOf(tm).String())
			}

			gen, err := g.Generate(tt.rule, from, to)
			require.NoError(t, err)
			assert.Equal(t, want, dateStrings(gen))
		})
	}
}
