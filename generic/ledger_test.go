package generic_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func eur(s string) generic.Amount {
	a, err := generic.ParseAmount(s, "EUR")
	if err != nil {
		panic(err)
	}
	return a
}

func rentTx(day string) generic.Transaction {
	return generic.Transaction{
		SourceRuleID:   "rule-rent",
		OccurrenceDate: date(day),
		Payload: generic.Payload{
			Amount:        eur("1200.00"),
			Title:         "Rent",
			SourceAccount: "checking",
		},
	}
}

// failingEffects fails Apply or Rollback on demand.
type failingEffects struct {
	failApply, failRollback bool
}

func (f *failingEffects) Apply(context.Context, generic.Transaction) error {
	if f.failApply {
		return errors.New("apply failed")
	}
	return nil
}

func (f *failingEffects) Rollback(context.Context, generic.Transaction) error {
	if f.failRollback {
		return errors.New("rollback failed")
	}
	return nil
}

// =============================================================================
// DEFAULT LEDGER
// =============================================================================

func TestLedger_CreateAppliesBalanceEffect(t *testing.T) {
	// GIVEN: An expense rule row on a checking account
	// WHEN: It is created and then deleted
	// THEN: The balance moves by the amount and comes back to zero

	ctx := context.Background()
	balances := generic.NewAccountBalances()
	ledger := generic.NewLedger(store.NewTxMemory(), balances)

	id, err := ledger.Create(ctx, rentTx("2025-03-31"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, "-1200.00 EUR", balances.Balance("checking").String())

	exists, err := ledger.Exists(ctx, "rule-rent", date("2025-03-31"))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, ledger.Delete(ctx, id))
	assert.True(t, balances.Balance("checking").IsZero())

	exists, err = ledger.Exists(ctx, "rule-rent", date("2025-03-31"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLedger_RejectsSecondRowForSameDay(t *testing.T) {
	ctx := context.Background()
	ledger := generic.NewLedger(store.NewTxMemory(), nil)

	_, err := ledger.Create(ctx, rentTx("2025-03-31"))
	require.NoError(t, err)

	_, err = ledger.Create(ctx, rentTx("2025-03-31"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrDuplicateOccurrence))
	assert.True(t, errors.Is(err, generic.ErrLedgerWrite))
	assert.False(t, generic.IsRetryable(err), "duplicates are not worth retrying")
}

func TestLedger_ApplyFailureUndoesInsert(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ledger := generic.NewLedger(mem, &failingEffects{failApply: true})

	_, err := ledger.Create(ctx, rentTx("2025-03-31"))

	var lw *generic.LedgerWriteError
	require.True(t, errors.As(err, &lw))
	assert.Equal(t, "create", lw.Op)
	assert.True(t, generic.IsRetryable(err))
	assert.Equal(t, 0, mem.Count())
}

func TestLedger_RollbackFailureKeepsRow(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	effects := &failingEffects{}
	ledger := generic.NewLedger(mem, effects)

	id, err := ledger.Create(ctx, rentTx("2025-03-31"))
	require.NoError(t, err)

	effects.failRollback = true
	err = ledger.Delete(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrLedgerWrite))

	_, err = mem.Get(ctx, id)
	assert.NoError(t, err, "row must survive a failed rollback")
}

func TestLedger_DeleteUnknownRow(t *testing.T) {
	ledger := generic.NewLedger(store.NewMemory(), nil)
	err := ledger.Delete(context.Background(), "missing")
	assert.True(t, errors.Is(err, generic.ErrTransactionNotFound))
	assert.True(t, generic.IsNotFound(err))
}

func TestLedger_FetchBySourceIsOrderedAndBounded(t *testing.T) {
	ctx := context.Background()
	ledger := generic.NewLedger(store.NewMemory(), nil)
	for _, d := range []string{"2025-05-31", "2025-03-31", "2025-04-30", "2025-06-30"} {
		_, err := ledger.Create(ctx, rentTx(d))
		require.NoError(t, err)
	}

	rows, err := ledger.FetchBySource(ctx, "rule-rent", date("2025-04-01"), date("2025-05-31"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-04-30", rows[0].OccurrenceDate.String())
	assert.Equal(t, "2025-05-31", rows[1].OccurrenceDate.String())
}

// =============================================================================
// ACCOUNT BALANCES
// =============================================================================

func TestAccountBalances_Directions(t *testing.T) {
	ctx := context.Background()
	b := generic.NewAccountBalances()

	salary := generic.Transaction{Payload: generic.Payload{Amount: eur("3000"), IsIncome: true, SourceAccount: "checking"}}
	transfer := generic.Transaction{Payload: generic.Payload{Amount: eur("500"), SourceAccount: "checking", DestinationAccount: "savings"}}

	require.NoError(t, b.Apply(ctx, salary))
	require.NoError(t, b.Apply(ctx, transfer))

	assert.Equal(t, "2500.00 EUR", b.Balance("checking").String())
	assert.Equal(t, "500.00 EUR", b.Balance("savings").String())

	require.NoError(t, b.Rollback(ctx, transfer))
	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, generic.AccountRef("checking"), snap[0].Account)
	assert.Equal(t, "3000.00 EUR", snap[0].Balance.String())
	assert.True(t, snap[1].Balance.IsZero())
}
