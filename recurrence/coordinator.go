package recurrence

import (
	"context"
	"errors"
	"sync"

	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// COORDINATOR - Per-rule at-most-one-in-flight with coalescing
// =============================================================================
//
// Every call to Do is a request numbered per rule. A run started at request
// number N serves every request numbered <= N. A request that arrives while a
// run is in flight waits; when that run ends, one waiter starts the next run,
// which serves every request that arrived in the meantime. So overlapping
// triggers collapse into exactly one follow-up run, and that run reads the
// latest rule state because run itself loads it.
//
//   t0  A requests (#1) -> runs R1 covering #1
//   t1  B requests (#2) -> waits
//   t2  C requests (#3) -> waits
//   t3  R1 ends         -> B starts R2 covering #2..#3, C waits on R2
//   t4  R2 ends         -> B and C return R2's effects
//
// A run ends the way its runner's ctx lets it. When that ctx was canceled,
// waiters whose own ctx is still live do not take the canceled result: the
// next of them starts a fresh run.

type RunFunc func(ctx context.Context) (Effects, error)

type Coordinator struct {
	mu     sync.Mutex
	states map[generic.RuleID]*ruleState
}

type ruleState struct {
	requested uint64
	completed uint64 // highest request number served by a finished run
	running   bool
	waiters   int
	done      chan struct{} // closed when the current run ends
	effects   Effects
	err       error
}

func NewCoordinator() *Coordinator {
	return &Coordinator{states: make(map[generic.RuleID]*ruleState)}
}

// Do runs fn for ruleID unless a run that started after this call already
// covered it, and returns the covering run's result. Waiting honors ctx.
func (c *Coordinator) Do(ctx context.Context, ruleID generic.RuleID, fn RunFunc) (Effects, error) {
	c.mu.Lock()
	if c.states == nil {
		c.states = make(map[generic.RuleID]*ruleState)
	}
	st, ok := c.states[ruleID]
	if !ok {
		st = &ruleState{done: make(chan struct{})}
		c.states[ruleID] = st
	}
	st.requested++
	ticket := st.requested

	for {
		if st.completed >= ticket && !(ctx.Err() == nil && canceledRun(st.effects, st.err)) {
			eff, err := st.effects, st.err
			c.release(ruleID, st)
			c.mu.Unlock()
			return eff, err
		}

		if !st.running {
			st.running = true
			covers := st.requested
			c.mu.Unlock()

			eff, err := fn(ctx)

			c.mu.Lock()
			st.running = false
			st.completed = covers
			st.effects, st.err = eff, err
			close(st.done)
			st.done = make(chan struct{})
			c.release(ruleID, st)
			c.mu.Unlock()
			return eff, err
		}

		done := st.done
		st.waiters++
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.mu.Lock()
			st.waiters--
			c.release(ruleID, st)
			c.mu.Unlock()
			return Effects{RuleID: ruleID}, ctx.Err()
		case <-done:
		}

		c.mu.Lock()
		st.waiters--
	}
}

// canceledRun reports whether a run was cut short by its runner's context,
// either as the run error or as per-occurrence ledger failures.
func canceledRun(eff Effects, err error) bool {
	if isContextErr(err) {
		return true
	}
	for _, f := range eff.Failures {
		if isContextErr(f) {
			return true
		}
	}
	return false
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// release drops idle state. Callers hold c.mu.
func (c *Coordinator) release(ruleID generic.RuleID, st *ruleState) {
	if !st.running && st.waiters == 0 && st.completed >= st.requested {
		if c.states[ruleID] == st {
			delete(c.states, ruleID)
		}
	}
}

// InFlight reports whether a run for ruleID is executing.
func (c *Coordinator) InFlight(ruleID generic.RuleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ruleID]
	return ok && st.running
}

// Waiting returns how many callers are blocked behind ruleID's current run.
func (c *Coordinator) Waiting(ruleID generic.RuleID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[ruleID]; ok {
		return st.waiters
	}
	return 0
}
