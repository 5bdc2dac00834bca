package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/store/postgres"
)

// These tests need a disposable database; every test truncates all tables.
//
//	RECUR_TEST_DATABASE_URL=postgres://localhost/recur_test?sslmode=disable go test ./store/postgres/
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("RECUR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RECUR_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Pool.Exec(ctx, `TRUNCATE transactions, rules, reconciliation_runs`)
	require.NoError(t, err)
	return store
}

func date(s string) generic.TimePoint { return generic.MustParseDate(s) }

func row(id, rule, day string) generic.Transaction {
	amount, _ := generic.ParseAmount("12.50", "EUR")
	return generic.Transaction{
		ID:             generic.TransactionID(id),
		SourceRuleID:   generic.RuleID(rule),
		OccurrenceID:   recurrence.IdentityOf(generic.RuleID(rule), date(day)),
		OccurrenceDate: date(day),
		Payload:        generic.Payload{Amount: amount, Title: "Streaming", SourceAccount: "checking"},
		CreatedAt:      date("2024-01-01"),
	}
}

func TestPostgres_LedgerRows(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Insert(ctx, row("t2", "tv", "2024-02-15")))
	require.NoError(t, store.Insert(ctx, row("t1", "tv", "2024-01-15")))

	err := store.Insert(ctx, row("t3", "tv", "2024-01-15"))
	assert.ErrorIs(t, err, generic.ErrDuplicateOccurrence)

	rows, err := store.LoadBySource(ctx, "tv", date("2024-01-01"), date("2024-12-31"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-01-15", rows[0].OccurrenceDate.String())
	assert.True(t, rows[0].Amount.Value.Equal(generic.MustParseDecimal("12.5")))

	removed, err := store.Remove(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, generic.RuleID("tv"), removed.SourceRuleID)

	_, err = store.Get(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrTransactionNotFound)
}

func TestPostgres_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s generic.Store) error {
		require.NoError(t, s.Insert(ctx, row("t1", "tv", "2024-01-15")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	exists, err := store.ExistsBySource(ctx, "tv", date("2024-01-15"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPostgres_Rules(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	end := date("2024-12-31")
	rule := generic.Rule{
		ID:              "gym",
		AnchorDate:      date("2024-01-03"),
		Frequency:       generic.FrequencyWeek,
		Interval:        2,
		Weekdays:        []time.Weekday{time.Friday, time.Wednesday},
		SkippedDates:    []generic.TimePoint{date("2024-01-17")},
		TerminationDate: &end,
		Payload:         generic.Payload{Amount: generic.NewAmountFromInt(30, "EUR"), SourceAccount: "checking"},
	}
	require.NoError(t, store.SaveRule(ctx, rule))

	got, err := store.GetRule(ctx, "gym")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []time.Weekday{time.Wednesday, time.Friday}, got.Weekdays)
	assert.Equal(t, []generic.TimePoint{date("2024-01-17")}, got.SkippedDates)
	require.NotNil(t, got.TerminationDate)
	assert.Equal(t, "2024-12-31", got.TerminationDate.String())

	got, err = store.MutateRule(ctx, "gym", func(r *generic.Rule) (bool, error) {
		r.Interval = 1
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 1, got.Interval)

	require.NoError(t, store.DeleteRule(ctx, "gym"))
	assert.ErrorIs(t, store.DeleteRule(ctx, "gym"), generic.ErrRuleNotFound)
}

func TestPostgres_RunLog(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	started := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	run := generic.ReconciliationRun{ID: "r1", RuleID: "rent", Trigger: generic.TriggerCreate, Status: generic.RunRunning, StartedAt: started}
	require.NoError(t, store.SaveRun(ctx, run))

	done := started.Add(time.Second)
	run.Status, run.Created, run.CompletedAt = generic.RunCompleted, 12, &done
	require.NoError(t, store.SaveRun(ctx, run))

	runs, err := store.ListRuns(ctx, generic.RunCompleted, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 12, runs[0].Created)
	assert.True(t, runs[0].IsComplete())
}
