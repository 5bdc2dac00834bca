/*
ledger.go - Transaction Ledger boundary

PURPOSE:
  The Ledger holds the transactions materialized from rule occurrences. The
  reconciler talks only to this interface: it checks existence, creates
  missing rows, deletes stale ones and fetches a rule's rows by date range.

DIFFERENCE FROM AN APPEND-ONLY LOG:
  Rows here are projections of a schedule, not facts. When the schedule
  changes, stale rows are deleted outright and the Balance Effect is rolled
  back in the same call. The caller never performs balance math.

CRITICAL INVARIANTS:
  1. UNIQUE: at most one row per (SourceRuleID, OccurrenceDate)
  2. CHECKED: Create re-checks existence against the store, inside a store
     transaction when the store supports one
  3. SYMMETRIC: every successful Create applies the balance effect exactly
     once and every successful Delete rolls it back exactly once

FAILURES:
  Every failing write is wrapped in *LedgerWriteError so the reconciler can
  collect it per occurrence and carry on with the batch.

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: BalanceEffect collaborator
  - recurrence/reconciler.go: The only writer
*/
package generic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER - What the reconciler consumes
// =============================================================================

type Ledger interface {
	// Exists reports whether a row for (ruleID, date) is materialized.
	Exists(ctx context.Context, ruleID RuleID, date TimePoint) (bool, error)

	// Create materializes a transaction and returns its row id.
	Create(ctx context.Context, tx Transaction) (TransactionID, error)

	// Delete removes a row, rolling back its balance effect.
	Delete(ctx context.Context, id TransactionID) error

	// FetchBySource returns a rule's rows with OccurrenceDate in [from, to].
	FetchBySource(ctx context.Context, ruleID RuleID, from, to TimePoint) ([]Transaction, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store + BalanceEffect
// =============================================================================

type DefaultLedger struct {
	Store   Store
	Effects BalanceEffect // optional
}

func NewLedger(store Store, effects BalanceEffect) *DefaultLedger {
	return &DefaultLedger{Store: store, Effects: effects}
}

func (l *DefaultLedger) Exists(ctx context.Context, ruleID RuleID, date TimePoint) (bool, error) {
	return l.Store.ExistsBySource(ctx, ruleID, date.Normalized())
}

func (l *DefaultLedger) Create(ctx context.Context, tx Transaction) (TransactionID, error) {
	if tx.ID == "" {
		tx.ID = TransactionID(uuid.NewString())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = DayOf(time.Now().UTC())
	}
	tx.OccurrenceDate = tx.OccurrenceDate.Normalized()

	fail := func(err error) (TransactionID, error) {
		return "", &LedgerWriteError{Op: "create", RuleID: tx.SourceRuleID, Date: tx.OccurrenceDate, Err: err}
	}

	insert := func(s Store) error {
		exists, err := s.ExistsBySource(ctx, tx.SourceRuleID, tx.OccurrenceDate)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateOccurrence
		}
		return s.Insert(ctx, tx)
	}

	var err error
	if txs, ok := l.Store.(TxStore); ok {
		err = txs.WithTx(ctx, insert)
	} else {
		err = insert(l.Store)
	}
	if err != nil {
		return fail(err)
	}

	if l.Effects != nil {
		if err := l.Effects.Apply(ctx, tx); err != nil {
			// Undo the insert so row and balance stay in step.
			if _, rmErr := l.Store.Remove(ctx, tx.ID); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
			return fail(err)
		}
	}
	return tx.ID, nil
}

func (l *DefaultLedger) Delete(ctx context.Context, id TransactionID) error {
	removed, err := l.Store.Remove(ctx, id)
	if err != nil {
		return &LedgerWriteError{Op: "delete", TransactionID: id, Err: err}
	}
	if l.Effects != nil {
		if err := l.Effects.Rollback(ctx, removed); err != nil {
			// Put the row back; a half-applied delete would skew balances.
			if insErr := l.Store.Insert(ctx, removed); insErr != nil {
				err = errors.Join(err, insErr)
			}
			return &LedgerWriteError{Op: "delete", RuleID: removed.SourceRuleID, Date: removed.OccurrenceDate, TransactionID: id, Err: err}
		}
	}
	return nil
}

func (l *DefaultLedger) FetchBySource(ctx context.Context, ruleID RuleID, from, to TimePoint) ([]Transaction, error) {
	return l.Store.LoadBySource(ctx, ruleID, from.Normalized(), to.Normalized())
}
