/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the persistence interfaces (Store, TxStore, RuleStore, RunLog)
  on SQLite. The PostgreSQL store in store/postgres follows the same schema
  with dialect differences only.

INTERFACES IMPLEMENTED:
  generic.Store:     Materialized ledger rows
  generic.TxStore:   Exists-then-insert inside one transaction
  generic.RuleStore: Recurrence rules with versioned upserts
  generic.RunLog:    Reconciliation run history

KEY TABLES:
  transactions:        One row per materialized occurrence
  rules:               Recurrence rules (weekdays and skips as JSON arrays)
  reconciliation_runs: One row per coordinated engine run

UNIQUENESS:
  UNIQUE(source_rule_id, occurrence_date) on transactions is the storage-level
  guarantee that a rule never materializes twice on the same day, whatever
  the reconciler believed when it checked.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so that
  ":memory:" databases are shared by every caller.

WAL MODE:
  Opened with WAL (Write-Ahead Logging): readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/recur.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := generic.NewLedger(store, balances)
  engine := recurrence.NewEngine(store, ledger, recurrence.Options{RunLog: store})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/ledger.go: Higher-level ledger using Store
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/recurrence-engine/generic"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Materialized occurrences
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		source_rule_id TEXT NOT NULL,
		occurrence_id TEXT NOT NULL,
		occurrence_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		is_income BOOLEAN NOT NULL DEFAULT FALSE,
		title TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		source_account TEXT NOT NULL DEFAULT '',
		destination_account TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(source_rule_id, occurrence_date)
	);

	-- Hot path: FetchBySource range scans
	CREATE INDEX IF NOT EXISTS idx_transactions_source_date
		ON transactions(source_rule_id, occurrence_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_occurrence
		ON transactions(occurrence_id);

	-- Recurrence rules
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		anchor_date TEXT NOT NULL,
		frequency TEXT NOT NULL,
		interval_count INTEGER NOT NULL DEFAULT 0,
		weekdays_json TEXT NOT NULL DEFAULT '[]',
		skipped_json TEXT NOT NULL DEFAULT '[]',
		termination_date TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		is_income BOOLEAN NOT NULL DEFAULT FALSE,
		title TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		source_account TEXT NOT NULL DEFAULT '',
		destination_account TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reconciliation Runs (one per coordinated engine run)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		run_trigger TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		created INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_rule
		ON reconciliation_runs(rule_id);
	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_status
		ON reconciliation_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTION STORE (generic.Store interface)
// =============================================================================

const transactionColumns = `id, source_rule_id, occurrence_id, occurrence_date, amount, currency,
	is_income, title, category, source_account, destination_account, created_at`

// Insert adds a materialized row.
func (s *Store) Insert(ctx context.Context, tx generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertTx(ctx, s.db, tx)
}

func insertTx(ctx context.Context, db querier, tx generic.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, query,
		tx.ID,
		tx.SourceRuleID,
		tx.OccurrenceID,
		tx.OccurrenceDate.String(),
		tx.Amount.Value.String(),
		tx.Amount.Currency,
		tx.IsIncome,
		tx.Title,
		tx.Category,
		tx.SourceAccount,
		tx.DestinationAccount,
		formatDate(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateOccurrence
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// Remove deletes a row and returns it.
func (s *Store) Remove(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return removeTx(ctx, s.db, id)
}

func removeTx(ctx context.Context, db querier, id generic.TransactionID) (generic.Transaction, error) {
	tx, err := getTx(ctx, db, id)
	if err != nil {
		return generic.Transaction{}, err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id); err != nil {
		return generic.Transaction{}, fmt.Errorf("failed to delete transaction: %w", err)
	}
	return tx, nil
}

// Get returns a row by ID.
func (s *Store) Get(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getTx(ctx, s.db, id)
}

func getTx(ctx context.Context, db querier, id generic.TransactionID) (generic.Transaction, error) {
	txs, err := queryTransactions(ctx, db,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	if err != nil {
		return generic.Transaction{}, err
	}
	if len(txs) == 0 {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	return txs[0], nil
}

// ExistsBySource checks for a row of ruleID on date.
func (s *Store) ExistsBySource(ctx context.Context, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return existsTx(ctx, s.db, ruleID, date)
}

func existsTx(ctx context.Context, db querier, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE source_rule_id = ? AND occurrence_date = ?",
		ruleID, date.String(),
	).Scan(&count)
	return count > 0, err
}

// LoadBySource returns rows of ruleID dated in [from, to].
func (s *Store) LoadBySource(ctx context.Context, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadTx(ctx, s.db, ruleID, from, to)
}

func loadTx(ctx context.Context, db querier, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE source_rule_id = ? AND occurrence_date >= ? AND occurrence_date <= ?
		ORDER BY occurrence_date ASC`

	return queryTransactions(ctx, db, query, ruleID, from.String(), to.String())
}

// ListTransactions returns the most recently materialized rows across all
// rules (admin view). limit <= 0 means no limit.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		ORDER BY occurrence_date DESC, source_rule_id
		LIMIT ?`
	if limit <= 0 {
		limit = -1
	}

	return queryTransactions(ctx, s.db, query, limit)
}

func queryTransactions(ctx context.Context, db querier, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx             generic.Transaction
		occurrenceDate string
		amount         string
		currency       string
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.SourceRuleID, &tx.OccurrenceID, &occurrenceDate, &amount, &currency,
		&tx.IsIncome, &tx.Title, &tx.Category, &tx.SourceAccount, &tx.DestinationAccount, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.OccurrenceDate, err = generic.ParseDate(occurrenceDate); err != nil {
		return tx, err
	}
	if tx.Amount, err = generic.ParseAmount(amount, currency); err != nil {
		return tx, err
	}
	tx.CreatedAt = parseDate(createdAt)
	return tx, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. The parent lock is held
// for its whole lifetime, so it never locks itself.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Insert(ctx context.Context, tx generic.Transaction) error {
	return insertTx(ctx, ts.tx, tx)
}

func (ts *txStore) Remove(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return removeTx(ctx, ts.tx, id)
}

func (ts *txStore) Get(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return getTx(ctx, ts.tx, id)
}

func (ts *txStore) ExistsBySource(ctx context.Context, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	return existsTx(ctx, ts.tx, ruleID, date)
}

func (ts *txStore) LoadBySource(ctx context.Context, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return loadTx(ctx, ts.tx, ruleID, from, to)
}

// =============================================================================
// RULE STORE (generic.RuleStore interface)
// =============================================================================

const ruleColumns = `id, anchor_date, frequency, interval_count, weekdays_json, skipped_json, termination_date,
	amount, currency, is_income, title, category, source_account, destination_account,
	version, created_at, updated_at`

// SaveRule upserts a rule. Version starts at 1 and grows on every save.
func (s *Store) SaveRule(ctx context.Context, rule generic.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveRule(ctx, s.db, rule)
}

func (s *Store) saveRule(ctx context.Context, db querier, rule generic.Rule) error {
	rule = rule.Clone()
	rule.Normalize()

	weekdays := make([]int, len(rule.Weekdays))
	for i, wd := range rule.Weekdays {
		weekdays[i] = int(wd)
	}
	skipped := make([]string, len(rule.SkippedDates))
	for i, d := range rule.SkippedDates {
		skipped[i] = d.String()
	}
	weekdaysJSON, _ := json.Marshal(weekdays)
	skippedJSON, _ := json.Marshal(skipped)

	var termination sql.NullString
	if rule.TerminationDate != nil {
		termination = sql.NullString{String: rule.TerminationDate.String(), Valid: true}
	}

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			anchor_date = excluded.anchor_date,
			frequency = excluded.frequency,
			interval_count = excluded.interval_count,
			weekdays_json = excluded.weekdays_json,
			skipped_json = excluded.skipped_json,
			termination_date = excluded.termination_date,
			amount = excluded.amount,
			currency = excluded.currency,
			is_income = excluded.is_income,
			title = excluded.title,
			category = excluded.category,
			source_account = excluded.source_account,
			destination_account = excluded.destination_account,
			version = rules.version + 1,
			updated_at = excluded.updated_at
	`

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, query,
		rule.ID, rule.AnchorDate.String(), string(rule.Frequency), rule.Interval,
		string(weekdaysJSON), string(skippedJSON), termination,
		rule.Amount.Value.String(), rule.Amount.Currency, rule.IsIncome,
		rule.Title, rule.Category, rule.SourceAccount, rule.DestinationAccount,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, id generic.RuleID) (generic.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getRule(ctx, s.db, id)
}

func getRule(ctx context.Context, db querier, id generic.RuleID) (generic.Rule, error) {
	rules, err := queryRules(ctx, db, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id)
	if err != nil {
		return generic.Rule{}, err
	}
	if len(rules) == 0 {
		return generic.Rule{}, generic.ErrRuleNotFound
	}
	return rules[0], nil
}

// MutateRule runs fn against the stored rule inside one transaction.
func (s *Store) MutateRule(ctx context.Context, id generic.RuleID, fn func(*generic.Rule) (bool, error)) (generic.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Rule{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := getRule(ctx, sqlTx, id)
	if err != nil {
		return generic.Rule{}, err
	}
	working := current.Clone()
	changed, err := fn(&working)
	if err != nil {
		return generic.Rule{}, err
	}
	if !changed {
		return current, nil
	}

	working.ID = id
	if err := s.saveRule(ctx, sqlTx, working); err != nil {
		return generic.Rule{}, err
	}
	stored, err := getRule(ctx, sqlTx, id)
	if err != nil {
		return generic.Rule{}, err
	}
	return stored, sqlTx.Commit()
}

// DeleteRule removes a rule. Its ledger rows are left to the engine's cascade.
func (s *Store) DeleteRule(ctx context.Context, id generic.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrRuleNotFound
	}
	return nil
}

// ListRules returns all rules ordered by ID.
func (s *Store) ListRules(ctx context.Context) ([]generic.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryRules(ctx, s.db, "SELECT "+ruleColumns+" FROM rules ORDER BY id")
}

func queryRules(ctx context.Context, db querier, query string, args ...any) ([]generic.Rule, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []generic.Rule
	for rows.Next() {
		var (
			r                    generic.Rule
			anchor, frequency    string
			weekdaysJSON         string
			skippedJSON          string
			termination          sql.NullString
			amount, currency     string
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&r.ID, &anchor, &frequency, &r.Interval, &weekdaysJSON, &skippedJSON, &termination,
			&amount, &currency, &r.IsIncome, &r.Title, &r.Category, &r.SourceAccount, &r.DestinationAccount,
			&r.Version, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		if r.AnchorDate, err = generic.ParseDate(anchor); err != nil {
			return nil, err
		}
		r.Frequency = generic.FrequencyUnit(frequency)
		if r.Amount, err = generic.ParseAmount(amount, currency); err != nil {
			return nil, err
		}

		var weekdays []int
		if err := json.Unmarshal([]byte(weekdaysJSON), &weekdays); err != nil {
			return nil, fmt.Errorf("rule %s weekdays: %w", r.ID, err)
		}
		for _, wd := range weekdays {
			r.Weekdays = append(r.Weekdays, time.Weekday(wd))
		}
		var skipped []string
		if err := json.Unmarshal([]byte(skippedJSON), &skipped); err != nil {
			return nil, fmt.Errorf("rule %s skipped dates: %w", r.ID, err)
		}
		for _, d := range skipped {
			tp, err := generic.ParseDate(d)
			if err != nil {
				return nil, err
			}
			r.SkippedDates = append(r.SkippedDates, tp)
		}
		if termination.Valid {
			tp, err := generic.ParseDate(termination.String)
			if err != nil {
				return nil, err
			}
			r.TerminationDate = &tp
		}

		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS (generic.RunLog interface)
// =============================================================================

// SaveRun upserts a run by ID.
func (s *Store) SaveRun(ctx context.Context, r generic.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs (id, rule_id, run_trigger, status, created, removed, failed,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			created = excluded.created,
			removed = excluded.removed,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &s
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.RuleID, string(r.Trigger), string(r.Status),
		r.Created, r.Removed, r.Failed, r.Error,
		r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return err
}

// ListRuns returns runs newest first, filtered by status when non-empty.
// limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, status generic.RunStatus, limit int) ([]generic.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, rule_id, run_trigger, status, created, removed, failed, error, started_at, completed_at
		FROM reconciliation_runs
		WHERE (? = '' OR status = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, string(status), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []generic.ReconciliationRun
	for rows.Next() {
		var (
			r                  generic.ReconciliationRun
			trigger, runStatus string
			startedAt          string
			completedAt        sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.RuleID, &trigger, &runStatus, &r.Created, &r.Removed, &r.Failed,
			&r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		r.Trigger = generic.Trigger(trigger)
		r.Status = generic.RunStatus(runStatus)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Helper functions

func formatDate(tp generic.TimePoint) string {
	if tp.IsZero() {
		return ""
	}
	return tp.String()
}

func parseDate(s string) generic.TimePoint {
	tp, err := generic.ParseDate(s)
	if err != nil {
		return generic.TimePoint{}
	}
	return tp
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
