package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/generic"
)

func monthlyRule() generic.Rule {
	return generic.Rule{
		ID:         "rule-1",
		AnchorDate: date("2024-01-31"),
		Frequency:  generic.FrequencyMonth,
		Interval:   1,
		Payload:    generic.Payload{Amount: eur("10"), SourceAccount: "checking"},
	}
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*generic.Rule)
		field string
	}{
		{"missing anchor", func(r *generic.Rule) { r.AnchorDate = generic.TimePoint{} }, "anchor_date"},
		{"missing frequency", func(r *generic.Rule) { r.Frequency = "" }, "frequency"},
		{"unknown frequency", func(r *generic.Rule) { r.Frequency = "hourly" }, "frequency"},
		{"zero interval", func(r *generic.Rule) { r.Interval = 0 }, "interval"},
		{"interval above bound", func(r *generic.Rule) { r.Interval = generic.MaxInterval + 1 }, "interval"},
		{"interval that overflows steps", func(r *generic.Rule) { r.Interval = 1<<62 + 1 }, "interval"},
		{"weekdays on monthly", func(r *generic.Rule) { r.Weekdays = []time.Weekday{time.Monday} }, "weekdays"},
		{"negative amount", func(r *generic.Rule) { r.Amount = eur("-1") }, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := monthlyRule()
			tt.edit(&r)

			err := r.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, generic.ErrInvalidRule))
			assert.True(t, generic.IsClientError(err))

			var ir *generic.InvalidRuleError
			require.True(t, errors.As(err, &ir))
			assert.Equal(t, tt.field, ir.Field)
		})
	}
}

func TestRule_IntervalAtBoundIsValid(t *testing.T) {
	r := monthlyRule()
	r.Interval = generic.MaxInterval
	assert.NoError(t, r.Validate())
}

func TestRule_NonRepeatingNeedsNoInterval(t *testing.T) {
	r := monthlyRule()
	r.Frequency = generic.FrequencyNone
	r.Interval = 0
	assert.NoError(t, r.Validate())
	assert.False(t, r.IsRepeating())
}

func TestRule_TerminationAtAnchorIsLegal(t *testing.T) {
	r := monthlyRule()
	r.TerminationDate = &r.AnchorDate
	assert.NoError(t, r.Validate())
	assert.True(t, r.IsTerminatedAt(r.AnchorDate))
	assert.False(t, r.IsTerminatedAt(r.AnchorDate.AddDays(-1)))
}

func TestRule_NormalizeDedupesAndSorts(t *testing.T) {
	r := monthlyRule()
	r.Frequency = generic.FrequencyWeek
	r.Weekdays = []time.Weekday{time.Friday, time.Wednesday, time.Friday}
	r.SkippedDates = []generic.TimePoint{
		date("2024-03-31"),
		generic.DayOf(time.Date(2024, time.February, 29, 15, 0, 0, 0, time.UTC)),
		date("2024-03-31"),
	}

	r.Normalize()

	assert.Equal(t, []time.Weekday{time.Wednesday, time.Friday}, r.Weekdays)
	require.Len(t, r.SkippedDates, 2)
	assert.Equal(t, "2024-02-29", r.SkippedDates[0].String())
	assert.True(t, r.IsSkipped(date("2024-03-31")))
}

func TestRule_CloneDoesNotAlias(t *testing.T) {
	r := monthlyRule()
	term := date("2024-06-30")
	r.TerminationDate = &term
	r.SkippedDates = []generic.TimePoint{date("2024-02-29")}

	c := r.Clone()
	c.SkippedDates[0] = date("2024-03-31")
	*c.TerminationDate = date("2025-01-01")

	assert.Equal(t, "2024-02-29", r.SkippedDates[0].String())
	assert.Equal(t, "2024-06-30", r.TerminationDate.String())
}
