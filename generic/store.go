/*
store.go - Persistence interfaces for ledger rows and recurrence rules

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:     Ledger row persistence (insert, remove, lookups by source rule)
  RuleStore: Recurrence rule CRUD with atomic read-modify-write
  TxStore:   Transactional wrapper for multi-row writes

UNIQUENESS:
  A rule materializes at most one row per calendar day. Every Store rejects a
  second row for the same (SourceRuleID, OccurrenceDate) with
  ErrDuplicateOccurrence. This is the last line of defense behind the
  reconciler's existence check.

SNAPSHOT READS:
  RuleStore.GetRule returns a copy; mutations go through MutateRule so the
  read-modify-write of one rule is atomic with respect to other writers.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level ledger using Store
*/
package generic

import "context"

// =============================================================================
// STORE - Ledger row persistence
// =============================================================================

// Store handles persistence of materialized transactions.
type Store interface {
	// Insert persists a transaction. Returns ErrDuplicateOccurrence if a row
	// for the same source rule and date exists.
	Insert(ctx context.Context, tx Transaction) error

	// Remove deletes a transaction and returns the removed row.
	// Returns ErrTransactionNotFound if it doesn't exist.
	Remove(ctx context.Context, id TransactionID) (Transaction, error)

	// Get returns a single transaction.
	Get(ctx context.Context, id TransactionID) (Transaction, error)

	// ExistsBySource checks whether a row exists for (ruleID, date).
	ExistsBySource(ctx context.Context, ruleID RuleID, date TimePoint) (bool, error)

	// LoadBySource returns rows of a rule with OccurrenceDate in [from, to],
	// ordered by OccurrenceDate.
	LoadBySource(ctx context.Context, ruleID RuleID, from, to TimePoint) ([]Transaction, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RULE STORE - Recurrence rule persistence
// =============================================================================

// RuleStore persists recurrence rules (see rule.go).
type RuleStore interface {
	// SaveRule inserts or replaces a rule, bumping its Version.
	SaveRule(ctx context.Context, rule Rule) error

	// GetRule returns a snapshot copy, or ErrRuleNotFound.
	GetRule(ctx context.Context, id RuleID) (Rule, error)

	// MutateRule atomically loads a rule, applies fn and saves the result when
	// fn reports a change. Returns the stored rule after the call.
	MutateRule(ctx context.Context, id RuleID, fn func(*Rule) (bool, error)) (Rule, error)

	// DeleteRule removes a rule. Returns ErrRuleNotFound if absent.
	DeleteRule(ctx context.Context, id RuleID) error

	// ListRules returns every stored rule (loadAll).
	ListRules(ctx context.Context) ([]Rule, error)
}
