package recurrence_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

func TestIdentityOf_KnownValues(t *testing.T) {
	// Fixed vectors: any change here orphans every materialized row.
	assert.Equal(t, generic.OccurrenceID("92f22537-c7cf-539b-908d-e0805c4c7f72"),
		recurrence.IdentityOf("rule-rent", date("2024-01-31")))
	assert.Equal(t, generic.OccurrenceID("1e8ce345-86be-589a-a492-d30424d72095"),
		recurrence.IdentityOf("rule-rent", date("2024-02-29")))
}

func TestIdentityOf_IsVersion5(t *testing.T) {
	id := recurrence.IdentityOf("rule-rent", date("2024-01-31"))
	parsed, err := uuid.Parse(string(id))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}

func TestIdentityOf_IgnoresTimeOfDay(t *testing.T) {
	late := generic.TimePoint{Time: time.Date(2024, time.January, 31, 22, 30, 0, 0, time.UTC)}
	assert.Equal(t,
		recurrence.IdentityOf("rule-rent", date("2024-01-31")),
		recurrence.IdentityOf("rule-rent", late))
}

func TestIdentityOf_NormalizesUnicode(t *testing.T) {
	composed := generic.RuleID("caf\u00e9")
	decomposed := generic.RuleID("cafe\u0301")
	assert.Equal(t,
		recurrence.IdentityOf(composed, date("2024-01-31")),
		recurrence.IdentityOf(decomposed, date("2024-01-31")))
}

func TestIdentityOf_NoCollisionsInSample(t *testing.T) {
	seen := make(map[generic.OccurrenceID]string)
	start := date("2020-01-01")
	for _, rule := range []generic.RuleID{"a", "b", "rule-1", "rule-11"} {
		for i := 0; i < 3000; i++ {
			d := start.AddDays(i)
			id := recurrence.IdentityOf(rule, d)
			key := string(rule) + "@" + d.String()
			prev, dup := seen[id]
			require.False(t, dup, "%s collides with %s", key, prev)
			seen[id] = key
		}
	}
}
