package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
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
		Payload: generic.Payload{
			Amount:        amount,
			Title:         "Streaming",
			Category:      "subscriptions",
			SourceAccount: "checking",
		},
		CreatedAt: date("2024-01-01"),
	}
}

func rentRule() generic.Rule {
	amount, _ := generic.ParseAmount("1200.00", "EUR")
	return generic.Rule{
		ID:         "rent",
		AnchorDate: date("2024-01-31"),
		Frequency:  generic.FrequencyMonth,
		Interval:   1,
		Payload:    generic.Payload{Amount: amount, Title: "Rent", SourceAccount: "checking"},
	}
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

func TestStore_InsertAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Insert(ctx, row("t2", "tv", "2024-02-15")))
	require.NoError(t, store.Insert(ctx, row("t1", "tv", "2024-01-15")))
	require.NoError(t, store.Insert(ctx, row("t3", "tv", "2024-03-15")))
	require.NoError(t, store.Insert(ctx, row("o1", "other", "2024-02-15")))

	rows, err := store.LoadBySource(ctx, "tv", date("2024-01-15"), date("2024-02-29"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-01-15", rows[0].OccurrenceDate.String(), "ordered by date, bounds inclusive")
	assert.Equal(t, "2024-02-15", rows[1].OccurrenceDate.String())

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "12.5", got.Amount.Value.String())
	assert.Equal(t, "EUR", got.Amount.Currency)
	assert.Equal(t, "subscriptions", got.Category)
	assert.Equal(t, recurrence.IdentityOf("tv", date("2024-01-15")), got.OccurrenceID)

	exists, err := store.ExistsBySource(ctx, "tv", date("2024-03-15"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_RejectsSecondRowForSameDay(t *testing.T) {
	// GIVEN: A row for rule tv on 2024-01-15
	// WHEN: Inserting another row (different id) for the same rule and day
	// THEN: The unique index rejects it with ErrDuplicateOccurrence

	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Insert(ctx, row("t1", "tv", "2024-01-15")))

	err := store.Insert(ctx, row("t2", "tv", "2024-01-15"))
	assert.ErrorIs(t, err, generic.ErrDuplicateOccurrence)

	// Another rule on the same day is fine.
	assert.NoError(t, store.Insert(ctx, row("o1", "other", "2024-01-15")))
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Insert(ctx, row("t1", "tv", "2024-01-15")))

	removed, err := store.Remove(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, generic.TransactionID("t1"), removed.ID)

	_, err = store.Remove(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrTransactionNotFound)
}

func TestStore_WithTxRollsBack(t *testing.T) {
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

func TestStore_ListTransactions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Insert(ctx, row("t1", "tv", "2024-01-15")))
	require.NoError(t, store.Insert(ctx, row("t2", "tv", "2024-02-15")))
	require.NoError(t, store.Insert(ctx, row("t3", "tv", "2024-03-15")))

	rows, err := store.ListTransactions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-03-15", rows[0].OccurrenceDate.String())
}

// =============================================================================
// RULES
// =============================================================================

func TestStore_RuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	rule := rentRule()
	rule.Frequency = generic.FrequencyWeek
	rule.AnchorDate = date("2024-01-01")
	rule.Weekdays = []time.Weekday{time.Friday, time.Wednesday}
	rule.SkippedDates = []generic.TimePoint{date("2024-01-10")}
	end := date("2024-06-01")
	rule.TerminationDate = &end
	rule.IsIncome = true
	rule.DestinationAccount = "savings"

	require.NoError(t, store.SaveRule(ctx, rule))
	got, err := store.GetRule(ctx, "rent")
	require.NoError(t, err)

	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []time.Weekday{time.Wednesday, time.Friday}, got.Weekdays)
	assert.Equal(t, []generic.TimePoint{date("2024-01-10")}, got.SkippedDates)
	require.NotNil(t, got.TerminationDate)
	assert.Equal(t, "2024-06-01", got.TerminationDate.String())
	assert.True(t, got.Amount.Equal(rule.Amount))
	assert.True(t, got.IsIncome)
	assert.Equal(t, generic.AccountRef("savings"), got.DestinationAccount)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_RuleVersioning(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveRule(ctx, rentRule()))
	first, err := store.GetRule(ctx, "rent")
	require.NoError(t, err)

	require.NoError(t, store.SaveRule(ctx, rentRule()))
	second, err := store.GetRule(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	unchanged, err := store.MutateRule(ctx, "rent", func(*generic.Rule) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, unchanged.Version)

	mutated, err := store.MutateRule(ctx, "rent", func(r *generic.Rule) (bool, error) {
		return recurrence.SkipOccurrence(r, date("2024-03-31")), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, mutated.Version)
	assert.True(t, mutated.IsSkipped(date("2024-03-31")))
}

func TestStore_MutateRuleErrorLeavesRule(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveRule(ctx, rentRule()))

	boom := errors.New("boom")
	_, err := store.MutateRule(ctx, "rent", func(r *generic.Rule) (bool, error) {
		r.Title = "changed"
		return true, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetRule(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, "Rent", got.Title)
	assert.Equal(t, 1, got.Version)
}

func TestStore_DeleteAndListRules(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	b := rentRule()
	b.ID = "b"
	a := rentRule()
	a.ID = "a"
	require.NoError(t, store.SaveRule(ctx, b))
	require.NoError(t, store.SaveRule(ctx, a))

	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, generic.RuleID("a"), rules[0].ID)

	require.NoError(t, store.DeleteRule(ctx, "a"))
	assert.ErrorIs(t, store.DeleteRule(ctx, "a"), generic.ErrRuleNotFound)
	_, err = store.GetRule(ctx, "a")
	assert.ErrorIs(t, err, generic.ErrRuleNotFound)
	_, err = store.MutateRule(ctx, "a", func(*generic.Rule) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, generic.ErrRuleNotFound)
}

// =============================================================================
// RUN LOG
// =============================================================================

func TestStore_RunLog(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	run := generic.ReconciliationRun{
		ID: "r1", RuleID: "rent", Trigger: generic.TriggerCreate,
		Status: generic.RunRunning, StartedAt: base,
	}
	require.NoError(t, store.SaveRun(ctx, run))

	done := base.Add(time.Second)
	run.Status, run.Created, run.CompletedAt = generic.RunCompleted, 12, &done
	require.NoError(t, store.SaveRun(ctx, run))

	require.NoError(t, store.SaveRun(ctx, generic.ReconciliationRun{
		ID: "r2", RuleID: "rent", Trigger: generic.TriggerHorizon,
		Status: generic.RunFailed, Error: "load rule", StartedAt: base.Add(time.Minute),
	}))

	all, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2, "upsert by id")
	assert.Equal(t, "r2", all[0].ID, "newest first")
	assert.Equal(t, 12, all[1].Created)
	require.NotNil(t, all[1].CompletedAt)
	assert.True(t, all[1].IsComplete())

	failed, err := store.ListRuns(ctx, generic.RunFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "load rule", failed[0].Error)

	limited, err := store.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngineOnSQLite(t *testing.T) {
	// GIVEN: The engine wired to one SQLite store for rows, rules and runs
	// WHEN: Creating, skipping and deleting a monthly rule
	// THEN: Rows, balances and run history follow each step

	ctx := context.Background()
	store := newStore(t)
	balances := generic.NewAccountBalances()
	engine := recurrence.NewEngine(store, generic.NewLedger(store, balances), recurrence.Options{
		Clock:  generic.FixedClock{Day: date("2024-01-01")},
		RunLog: store,
	})

	_, eff, err := engine.CreateRule(ctx, rentRule())
	require.NoError(t, err)
	assert.Len(t, eff.Created, 12)

	again, err := engine.ReconcileNow(ctx, "rent")
	require.NoError(t, err)
	assert.True(t, again.Empty(), "idempotent")

	_, eff, err = engine.SkipOccurrence(ctx, "rent", date("2024-02-29"))
	require.NoError(t, err)
	assert.Len(t, eff.Removed, 1)

	rows, err := store.LoadBySource(ctx, "rent", date("2024-01-01"), date("2025-01-01"))
	require.NoError(t, err)
	assert.Len(t, rows, 11)
	assert.True(t, balances.Balance("checking").Value.Equal(generic.MustParseDecimal("-13200")))

	_, err = engine.DeleteRule(ctx, "rent")
	require.NoError(t, err)
	rows, err = store.LoadBySource(ctx, "rent", date("2024-01-01"), date("2025-01-01"))
	require.NoError(t, err)
	assert.Empty(t, rows)

	runs, err := store.ListRuns(ctx, generic.RunCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}
