package recurrence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// ChangeKind names the pass that produced a ChangeEvent.
type ChangeKind string

const (
	ChangeReconciled ChangeKind = "reconciled"
	ChangeSwept      ChangeKind = "swept"
	ChangeRemoved    ChangeKind = "removed" // RemoveFrom
	ChangeCascaded   ChangeKind = "cascaded"
)

// ChangeEvent tells subscribers which ledger rows a pass created or removed.
// Only passes with at least one effect are published.
type ChangeEvent struct {
	RuleID  generic.RuleID
	Kind    ChangeKind
	Created []Occurrence
	Removed []generic.Transaction
	At      time.Time
}

// Observer receives change notifications. OnChange runs synchronously on the
// reconciling goroutine; wrap slow observers in an AsyncObserver.
type Observer interface {
	OnChange(ctx context.Context, ev ChangeEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev ChangeEvent)

func (f ObserverFunc) OnChange(ctx context.Context, ev ChangeEvent) { f(ctx, ev) }

// Bus fans one event out to every subscriber, in subscription order.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *Bus) OnChange(ctx context.Context, ev ChangeEvent) {
	b.mu.RLock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.RUnlock()

	for _, o := range observers {
		o.OnChange(ctx, ev)
	}
}

// =============================================================================
// ASYNC OBSERVER - Hands events to a single delivery goroutine
// =============================================================================

const DefaultObserverBuffer = 256

type queuedChange struct {
	ctx context.Context
	ev  ChangeEvent
}

// AsyncObserver queues events and delivers them to Observer in order on its
// own goroutine, so a slow observer never holds a reconciliation run. A full
// queue blocks the publisher until there is room or its ctx ends; in the
// latter case the event is dropped and logged.
type AsyncObserver struct {
	Observer Observer
	Logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queuedChange
	done   chan struct{}
}

// NewAsyncObserver starts the delivery goroutine. Close stops it.
func NewAsyncObserver(o Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = DefaultObserverBuffer
	}
	a := &AsyncObserver{
		Observer: o,
		queue:    make(chan queuedChange, buffer),
		done:     make(chan struct{}),
	}
	go a.deliver()
	return a
}

func (a *AsyncObserver) deliver() {
	defer close(a.done)
	for q := range a.queue {
		a.Observer.OnChange(q.ctx, q.ev)
	}
}

func (a *AsyncObserver) OnChange(ctx context.Context, ev ChangeEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger().Warn("change event after close dropped", "rule_id", ev.RuleID, "kind", ev.Kind)
		return
	}
	// Delivery outlives the run that published the event.
	q := queuedChange{ctx: context.WithoutCancel(ctx), ev: ev}
	select {
	case a.queue <- q:
	case <-ctx.Done():
		a.logger().Warn("change event dropped", "rule_id", ev.RuleID, "kind", ev.Kind, "err", ctx.Err())
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
