package recurrence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/generic/store"
	"github.com/warp/recurrence-engine/recurrence"
)

func TestAsyncObserver_SlowObserverDoesNotHoldRuns(t *testing.T) {
	// GIVEN: An observer that blocks until released, behind an AsyncObserver
	// WHEN: Creating and then deleting a rule
	// THEN: Both calls return while the observer is still blocked, and Close
	//       delivers every event in order

	ctx := context.Background()
	release := make(chan struct{})
	rec := &eventRecorder{}
	slow := recurrence.ObserverFunc(func(ctx context.Context, ev recurrence.ChangeEvent) {
		<-release
		rec.OnChange(ctx, ev)
	})
	async := recurrence.NewAsyncObserver(slow, 1)

	eng := recurrence.NewEngine(store.NewRules(), generic.NewLedger(store.NewTxMemory(), nil), recurrence.Options{
		Clock:    generic.FixedClock{Day: date("2024-01-01")},
		Observer: async,
	})

	finished := make(chan error, 1)
	go func() {
		_, _, err := eng.CreateRule(ctx, newRule("rent", "2024-01-31", generic.FrequencyMonth, 1))
		if err == nil {
			_, err = eng.DeleteRule(ctx, "rent")
		}
		finished <- err
	}()

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine blocked on the observer")
	}

	close(release)
	async.Close()
	assert.Equal(t, []recurrence.ChangeKind{recurrence.ChangeReconciled, recurrence.ChangeCascaded}, rec.kinds())
}

func TestAsyncObserver_DropsAfterClose(t *testing.T) {
	rec := &eventRecorder{}
	async := recurrence.NewAsyncObserver(rec, 0)
	async.Close()
	async.Close()

	async.OnChange(context.Background(), recurrence.ChangeEvent{RuleID: "rent", Kind: recurrence.ChangeReconciled})
	assert.Empty(t, rec.kinds())
}
