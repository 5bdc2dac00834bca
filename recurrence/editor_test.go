package recurrence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

func TestSkipOccurrence_AddsOnce(t *testing.T) {
	rule := newRule("rent", "2024-01-31", generic.FrequencyMonth, 1)

	assert.True(t, recurrence.SkipOccurrence(&rule, date("2024-03-31")))
	assert.False(t, recurrence.SkipOccurrence(&rule, date("2024-03-31")), "second skip is a no-op")
	assert.True(t, recurrence.SkipOccurrence(&rule, date("2024-02-29")))

	require.Len(t, rule.SkippedDates, 2)
	assert.Equal(t, "2024-02-29", rule.SkippedDates[0].String(), "kept sorted")
	assert.True(t, rule.IsSkipped(date("2024-03-31")))
}

func TestTerminateFrom_NeverExtends(t *testing.T) {
	// GIVEN: A rule terminated from 2024-06-30
	// WHEN: Terminating again, later then earlier
	// THEN: Only the earlier boundary is accepted

	rule := newRule("rent", "2024-01-31", generic.FrequencyMonth, 1)
	require.True(t, recurrence.TerminateFrom(&rule, date("2024-06-30")))

	assert.False(t, recurrence.TerminateFrom(&rule, date("2024-09-30")))
	assert.Equal(t, "2024-06-30", rule.TerminationDate.String())

	assert.True(t, recurrence.TerminateFrom(&rule, date("2024-04-30")))
	assert.Equal(t, "2024-04-30", rule.TerminationDate.String())
}

func TestTerminateFrom_ExcludesBoundaryFromGeneration(t *testing.T) {
	g := generatorAt("2024-01-01")
	rule := newRule("rent", "2024-01-31", generic.FrequencyMonth, 1)
	recurrence.TerminateFrom(&rule, date("2024-04-30"))

	gen, err := g.Generate(rule, date("2024-01-01"), date("2024-12-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31"}, dateStrings(gen))

	last, ok := recurrence.LastValidDay(rule)
	require.True(t, ok)
	assert.Equal(t, "2024-04-29", last.String())
}

func TestLastValidDay_Unterminated(t *testing.T) {
	_, ok := recurrence.LastValidDay(newRule("rent", "2024-01-31", generic.FrequencyMonth, 1))
	assert.False(t, ok)
}
