package recurrence_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/generic/store"
	"github.com/warp/recurrence-engine/recurrence"
)

// stepClock is a Clock tests can advance.
type stepClock struct {
	mu  sync.Mutex
	day generic.TimePoint
}

func newStepClock(day string) *stepClock { return &stepClock{day: date(day)} }

func (c *stepClock) Today() generic.TimePoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.day
}

func (c *stepClock) Advance(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = c.day.AddDays(days)
}

// countingLedger counts writes and can fail chosen dates.
type countingLedger struct {
	generic.Ledger
	creates, deletes atomic.Int64

	mu       sync.Mutex
	failDays map[string]bool
	hold     *createHold
}

// createHold parks the next Create until released.
type createHold struct {
	entered chan struct{}
	release chan struct{}
}

func (l *countingLedger) Create(ctx context.Context, tx generic.Transaction) (generic.TransactionID, error) {
	l.mu.Lock()
	fail := l.failDays[tx.OccurrenceDate.Key()]
	hold := l.hold
	l.hold = nil
	l.mu.Unlock()
	if hold != nil {
		close(hold.entered)
		<-hold.release
	}
	if fail {
		return "", &generic.LedgerWriteError{Op: "create", RuleID: tx.SourceRuleID, Date: tx.OccurrenceDate, Err: errors.New("ledger unavailable")}
	}
	id, err := l.Ledger.Create(ctx, tx)
	if err == nil {
		l.creates.Add(1)
	}
	return id, err
}

func (l *countingLedger) Delete(ctx context.Context, id generic.TransactionID) error {
	err := l.Ledger.Delete(ctx, id)
	if err == nil {
		l.deletes.Add(1)
	}
	return err
}

func (l *countingLedger) failOn(days ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failDays = make(map[string]bool)
	for _, d := range days {
		l.failDays[d] = true
	}
}

// holdNextCreate blocks the next Create. entered closes once it is parked;
// closing release lets it continue.
func (l *countingLedger) holdNextCreate() (entered <-chan struct{}, release chan<- struct{}) {
	h := &createHold{entered: make(chan struct{}), release: make(chan struct{})}
	l.mu.Lock()
	l.hold = h
	l.mu.Unlock()
	return h.entered, h.release
}

func (l *countingLedger) writes() int64 { return l.creates.Load() + l.deletes.Load() }

type fixture struct {
	clock    *stepClock
	rows     *store.TxMemory
	rules    *store.Rules
	runs     *store.RunLog
	balances *generic.AccountBalances
	ledger   *countingLedger
	engine   *recurrence.Engine
	events   *eventRecorder
}

func newFixture(today string, policy recurrence.ElapsedPolicy) *fixture {
	f := &fixture{
		clock:    newStepClock(today),
		rows:     store.NewTxMemory(),
		rules:    store.NewRules(),
		runs:     store.NewRunLog(),
		balances: generic.NewAccountBalances(),
		events:   &eventRecorder{},
	}
	f.ledger = &countingLedger{Ledger: generic.NewLedger(f.rows, f.balances)}
	f.engine = recurrence.NewEngine(f.rules, f.ledger, recurrence.Options{
		Clock:         f.clock,
		ElapsedPolicy: policy,
		Observer:      f.events,
		RunLog:        f.runs,
	})
	return f
}

// materialized returns the rule's row dates in order.
func (f *fixture) materialized(ruleID generic.RuleID) []string {
	rows, err := f.rows.LoadBySource(context.Background(), ruleID, date("0001-01-01"), date("9999-12-31"))
	if err != nil {
		panic(err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.OccurrenceDate.String()
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recurrence.ChangeEvent
}

func (r *eventRecorder) OnChange(_ context.Context, ev recurrence.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []recurrence.ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recurrence.ChangeKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}
