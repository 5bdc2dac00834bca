// Package store provides in-memory Store and RuleStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory ledger rows (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	bySource map[generic.RuleID][]generic.Transaction // sorted by OccurrenceDate
	byID     map[generic.TransactionID]generic.RuleID
}

func NewMemory() *Memory {
	return &Memory{
		bySource: make(map[generic.RuleID][]generic.Transaction),
		byID:     make(map[generic.TransactionID]generic.RuleID),
	}
}

func (m *Memory) Insert(_ context.Context, tx generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tx)
}

func (m *Memory) insertLocked(tx generic.Transaction) error {
	tx.OccurrenceDate = tx.OccurrenceDate.Normalized()
	if _, taken := m.byID[tx.ID]; taken || m.existsLocked(tx.SourceRuleID, tx.OccurrenceDate) {
		return generic.ErrDuplicateOccurrence
	}

	txs := m.bySource[tx.SourceRuleID]

	// Binary search for insertion point keeps rows ordered by date.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].OccurrenceDate.After(tx.OccurrenceDate)
	})
	txs = append(txs, generic.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx

	m.bySource[tx.SourceRuleID] = txs
	m.byID[tx.ID] = tx.SourceRuleID
	return nil
}

func (m *Memory) Remove(_ context.Context, id generic.TransactionID) (generic.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *Memory) removeLocked(id generic.TransactionID) (generic.Transaction, error) {
	ruleID, ok := m.byID[id]
	if !ok {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	txs := m.bySource[ruleID]
	for i, tx := range txs {
		if tx.ID != id {
			continue
		}
		m.bySource[ruleID] = append(txs[:i:i], txs[i+1:]...)
		if len(m.bySource[ruleID]) == 0 {
			delete(m.bySource, ruleID)
		}
		delete(m.byID, id)
		return tx, nil
	}
	return generic.Transaction{}, generic.ErrTransactionNotFound
}

func (m *Memory) Get(_ context.Context, id generic.TransactionID) (generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ruleID, ok := m.byID[id]
	if !ok {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	for _, tx := range m.bySource[ruleID] {
		if tx.ID == id {
			return tx, nil
		}
	}
	return generic.Transaction{}, generic.ErrTransactionNotFound
}

func (m *Memory) ExistsBySource(_ context.Context, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existsLocked(ruleID, date), nil
}

func (m *Memory) existsLocked(ruleID generic.RuleID, date generic.TimePoint) bool {
	for _, tx := range m.bySource[ruleID] {
		if tx.OccurrenceDate.Equal(date) {
			return true
		}
	}
	return false
}

func (m *Memory) LoadBySource(_ context.Context, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(ruleID, from, to), nil
}

func (m *Memory) loadLocked(ruleID generic.RuleID, from, to generic.TimePoint) []generic.Transaction {
	var result []generic.Transaction
	for _, tx := range m.bySource[ruleID] {
		if from.BeforeOrEqual(tx.OccurrenceDate) && tx.OccurrenceDate.BeforeOrEqual(to) {
			result = append(result, tx)
		}
	}
	return result
}

// ListTransactions returns rows across all rules, latest occurrence first.
// limit <= 0 means no limit.
func (m *Memory) ListTransactions(_ context.Context, limit int) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]generic.Transaction, 0, len(m.byID))
	for _, txs := range m.bySource {
		out = append(out, txs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurrenceDate.Equal(out[j].OccurrenceDate) {
			return out[i].OccurrenceDate.After(out[j].OccurrenceDate)
		}
		return out[i].SourceRuleID < out[j].SourceRuleID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the total number of rows across all rules.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn under the write lock.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	bySource map[generic.RuleID][]generic.Transaction
	byID     map[generic.TransactionID]generic.RuleID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		bySource: make(map[generic.RuleID][]generic.Transaction, len(tm.bySource)),
		byID:     make(map[generic.TransactionID]generic.RuleID, len(tm.byID)),
	}
	for k, v := range tm.bySource {
		s.bySource[k] = append([]generic.Transaction(nil), v...)
	}
	for k, v := range tm.byID {
		s.byID[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.bySource = s.bySource
	tm.byID = s.byID
}

// txMemoryView runs against the parent without locking; WithTx holds the lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Insert(_ context.Context, tx generic.Transaction) error {
	return tv.parent.insertLocked(tx)
}

func (tv *txMemoryView) Remove(_ context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return tv.parent.removeLocked(id)
}

func (tv *txMemoryView) Get(_ context.Context, id generic.TransactionID) (generic.Transaction, error) {
	ruleID, ok := tv.parent.byID[id]
	if ok {
		for _, tx := range tv.parent.bySource[ruleID] {
			if tx.ID == id {
				return tx, nil
			}
		}
	}
	return generic.Transaction{}, generic.ErrTransactionNotFound
}

func (tv *txMemoryView) ExistsBySource(_ context.Context, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	return tv.parent.existsLocked(ruleID, date), nil
}

func (tv *txMemoryView) LoadBySource(_ context.Context, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return tv.parent.loadLocked(ruleID, from, to), nil
}

// =============================================================================
// MEMORY RULE STORE
// =============================================================================

// Rules is an in-memory RuleStore. Every read hands out a Clone so callers
// never share slices with the stored copy.
type Rules struct {
	mu    sync.Mutex
	rules map[generic.RuleID]generic.Rule
	now   func() time.Time
}

func NewRules() *Rules {
	return &Rules{rules: make(map[generic.RuleID]generic.Rule), now: time.Now}
}

func (r *Rules) SaveRule(_ context.Context, rule generic.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveLocked(rule.Clone())
	return nil
}

func (r *Rules) saveLocked(rule generic.Rule) generic.Rule {
	rule.Normalize()
	now := r.now().UTC()
	if prev, ok := r.rules[rule.ID]; ok {
		rule.CreatedAt = prev.CreatedAt
		rule.Version = prev.Version + 1
	} else {
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		rule.Version = 1
	}
	rule.UpdatedAt = now
	r.rules[rule.ID] = rule
	return rule.Clone()
}

func (r *Rules) GetRule(_ context.Context, id generic.RuleID) (generic.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return generic.Rule{}, generic.ErrRuleNotFound
	}
	return rule.Clone(), nil
}

func (r *Rules) MutateRule(_ context.Context, id generic.RuleID, fn func(*generic.Rule) (bool, error)) (generic.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rules[id]
	if !ok {
		return generic.Rule{}, generic.ErrRuleNotFound
	}
	working := current.Clone()
	changed, err := fn(&working)
	if err != nil {
		return generic.Rule{}, err
	}
	if !changed {
		return current.Clone(), nil
	}
	working.ID = id
	return r.saveLocked(working), nil
}

func (r *Rules) DeleteRule(_ context.Context, id generic.RuleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return generic.ErrRuleNotFound
	}
	delete(r.rules, id)
	return nil
}

func (r *Rules) ListRules(_ context.Context) ([]generic.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]generic.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// MEMORY RUN LOG
// =============================================================================

type RunLog struct {
	mu   sync.Mutex
	runs []generic.ReconciliationRun
}

func NewRunLog() *RunLog { return &RunLog{} }

func (l *RunLog) SaveRun(_ context.Context, run generic.ReconciliationRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.runs {
		if l.runs[i].ID == run.ID {
			l.runs[i] = run
			return nil
		}
	}
	l.runs = append(l.runs, run)
	return nil
}

func (l *RunLog) ListRuns(_ context.Context, status generic.RunStatus, limit int) ([]generic.ReconciliationRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []generic.ReconciliationRun
	for i := len(l.runs) - 1; i >= 0; i-- {
		if status != "" && l.runs[i].Status != status {
			continue
		}
		out = append(out, l.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
