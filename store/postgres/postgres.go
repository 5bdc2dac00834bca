/*
Package postgres implements the storage interfaces on PostgreSQL via pgx.

PURPOSE:
  Production counterpart of store/sqlite: same tables, same uniqueness rule,
  native DATE, NUMERIC and array columns instead of text encodings.

INTERFACES IMPLEMENTED:
  generic.Store, generic.TxStore, generic.RuleStore, generic.RunLog

CONCURRENCY:
  pgxpool hands out connections; atomicity comes from database transactions
  (MutateRule locks the rule row with SELECT ... FOR UPDATE) rather than a
  process-level mutex, so several engine processes may share one database.

MIGRATION:
  Migrate applies migrations/*.sql in filename order and records each one in
  schema_migrations.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("RECUR_DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/recurrence-engine/generic"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

type Store struct {
	Pool *pgxpool.Pool
}

// New connects and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{Pool: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		var applied bool
		if err := s.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", filename,
		).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", filename)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", filename, err)
		}
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

const transactionColumns = `id, source_rule_id, occurrence_id, occurrence_date, amount, currency,
	is_income, title, category, source_account, destination_account, created_at`

func (s *Store) Insert(ctx context.Context, tx generic.Transaction) error {
	return insert(ctx, s.Pool, tx)
}

func insert(ctx context.Context, db querier, tx generic.Transaction) error {
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = generic.DayOf(time.Now().UTC())
	}
	_, err := db.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(tx.ID), string(tx.SourceRuleID), string(tx.OccurrenceID), tx.OccurrenceDate.Time,
		tx.Amount.Value.String(), tx.Amount.Currency, tx.IsIncome, tx.Title, tx.Category,
		string(tx.SourceAccount), string(tx.DestinationAccount), createdAt.Time,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return generic.ErrDuplicateOccurrence
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return remove(ctx, s.Pool, id)
}

func remove(ctx context.Context, db querier, id generic.TransactionID) (generic.Transaction, error) {
	rows, err := db.Query(ctx,
		`DELETE FROM transactions WHERE id = $1 RETURNING `+transactionColumns, string(id))
	if err != nil {
		return generic.Transaction{}, fmt.Errorf("failed to delete transaction: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return generic.Transaction{}, err
	}
	if len(txs) == 0 {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *Store) Get(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return get(ctx, s.Pool, id)
}

func get(ctx context.Context, db querier, id generic.TransactionID) (generic.Transaction, error) {
	rows, err := db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, string(id))
	if err != nil {
		return generic.Transaction{}, fmt.Errorf("failed to query transaction: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return generic.Transaction{}, err
	}
	if len(txs) == 0 {
		return generic.Transaction{}, generic.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *Store) ExistsBySource(ctx context.Context, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	return exists(ctx, s.Pool, ruleID, date)
}

func exists(ctx context.Context, db querier, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	var found bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE source_rule_id = $1 AND occurrence_date = $2)`,
		string(ruleID), date.Time,
	).Scan(&found)
	return found, err
}

func (s *Store) LoadBySource(ctx context.Context, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return load(ctx, s.Pool, ruleID, from, to)
}

func load(ctx context.Context, db querier, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	rows, err := db.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE source_rule_id = $1 AND occurrence_date >= $2 AND occurrence_date <= $3
		 ORDER BY occurrence_date`,
		string(ruleID), from.Time, to.Time,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ListTransactions returns the latest rows across all rules; limit <= 0
// means no limit.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]generic.Transaction, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 ORDER BY occurrence_date DESC, source_rule_id LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]generic.Transaction, error) {
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		var (
			tx                     generic.Transaction
			id, ruleID, occID      string
			source, destination    string
			occurrenceDate, create time.Time
			amount                 decimal.Decimal
		)
		if err := rows.Scan(&id, &ruleID, &occID, &occurrenceDate, &amount, &tx.Amount.Currency,
			&tx.IsIncome, &tx.Title, &tx.Category, &source, &destination, &create); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = generic.TransactionID(id)
		tx.SourceRuleID = generic.RuleID(ruleID)
		tx.OccurrenceID = generic.OccurrenceID(occID)
		tx.OccurrenceDate = generic.DayOf(occurrenceDate)
		tx.Amount.Value = amount
		tx.SourceAccount = generic.AccountRef(source)
		tx.DestinationAccount = generic.AccountRef(destination)
		tx.CreatedAt = generic.DayOf(create)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) Insert(ctx context.Context, tx generic.Transaction) error {
	return insert(ctx, ts.tx, tx)
}

func (ts *txStore) Remove(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return remove(ctx, ts.tx, id)
}

func (ts *txStore) Get(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return get(ctx, ts.tx, id)
}

func (ts *txStore) ExistsBySource(ctx context.Context, ruleID generic.RuleID, date generic.TimePoint) (bool, error) {
	return exists(ctx, ts.tx, ruleID, date)
}

func (ts *txStore) LoadBySource(ctx context.Context, ruleID generic.RuleID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return load(ctx, ts.tx, ruleID, from, to)
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, anchor_date, frequency, interval_count, weekdays, skipped_dates, termination_date,
	amount, currency, is_income, title, category, source_account, destination_account,
	version, created_at, updated_at`

func (s *Store) SaveRule(ctx context.Context, rule generic.Rule) error {
	return saveRule(ctx, s.Pool, rule)
}

func saveRule(ctx context.Context, db querier, rule generic.Rule) error {
	rule = rule.Clone()
	rule.Normalize()

	weekdays := make([]int32, len(rule.Weekdays))
	for i, wd := range rule.Weekdays {
		weekdays[i] = int32(wd)
	}
	skipped := make([]time.Time, len(rule.SkippedDates))
	for i, d := range rule.SkippedDates {
		skipped[i] = d.Time
	}
	var termination *time.Time
	if rule.TerminationDate != nil {
		t := rule.TerminationDate.Time
		termination = &t
	}

	_, err := db.Exec(ctx, `
		INSERT INTO rules (id, anchor_date, frequency, interval_count, weekdays, skipped_dates,
			termination_date, amount, currency, is_income, title, category, source_account,
			destination_account)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			anchor_date = EXCLUDED.anchor_date,
			frequency = EXCLUDED.frequency,
			interval_count = EXCLUDED.interval_count,
			weekdays = EXCLUDED.weekdays,
			skipped_dates = EXCLUDED.skipped_dates,
			termination_date = EXCLUDED.termination_date,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			is_income = EXCLUDED.is_income,
			title = EXCLUDED.title,
			category = EXCLUDED.category,
			source_account = EXCLUDED.source_account,
			destination_account = EXCLUDED.destination_account,
			version = rules.version + 1,
			updated_at = NOW()`,
		string(rule.ID), rule.AnchorDate.Time, string(rule.Frequency), rule.Interval, weekdays, skipped,
		termination, rule.Amount.Value.String(), rule.Amount.Currency, rule.IsIncome, rule.Title,
		rule.Category, string(rule.SourceAccount), string(rule.DestinationAccount),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id generic.RuleID) (generic.Rule, error) {
	return getRule(ctx, s.Pool, id, false)
}

func getRule(ctx context.Context, db querier, id generic.RuleID, forUpdate bool) (generic.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := db.Query(ctx, query, string(id))
	if err != nil {
		return generic.Rule{}, fmt.Errorf("failed to query rule: %w", err)
	}
	rules, err := collectRules(rows)
	if err != nil {
		return generic.Rule{}, err
	}
	if len(rules) == 0 {
		return generic.Rule{}, generic.ErrRuleNotFound
	}
	return rules[0], nil
}

// MutateRule locks the rule row, applies fn and saves on change.
func (s *Store) MutateRule(ctx context.Context, id generic.RuleID, fn func(*generic.Rule) (bool, error)) (generic.Rule, error) {
	var result generic.Rule
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		current, err := getRule(ctx, tx, id, true)
		if err != nil {
			return err
		}
		working := current.Clone()
		changed, err := fn(&working)
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}
		working.ID = id
		if err := saveRule(ctx, tx, working); err != nil {
			return err
		}
		result, err = getRule(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return generic.Rule{}, err
	}
	return result, nil
}

func (s *Store) DeleteRule(ctx context.Context, id generic.RuleID) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrRuleNotFound
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]generic.Rule, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]generic.Rule, error) {
	defer rows.Close()

	var out []generic.Rule
	for rows.Next() {
		var (
			r                   generic.Rule
			id, frequency       string
			source, destination string
			anchor              time.Time
			weekdays            []int32
			skipped             []time.Time
			termination         *time.Time
			amount              decimal.Decimal
		)
		if err := rows.Scan(&id, &anchor, &frequency, &r.Interval, &weekdays, &skipped, &termination,
			&amount, &r.Amount.Currency, &r.IsIncome, &r.Title, &r.Category, &source, &destination,
			&r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.ID = generic.RuleID(id)
		r.AnchorDate = generic.DayOf(anchor)
		r.Frequency = generic.FrequencyUnit(frequency)
		r.Amount.Value = amount
		r.SourceAccount = generic.AccountRef(source)
		r.DestinationAccount = generic.AccountRef(destination)
		for _, wd := range weekdays {
			r.Weekdays = append(r.Weekdays, time.Weekday(wd))
		}
		for _, d := range skipped {
			r.SkippedDates = append(r.SkippedDates, generic.DayOf(d))
		}
		if termination != nil {
			tp := generic.DayOf(*termination)
			r.TerminationDate = &tp
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// RUN LOG
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, r generic.ReconciliationRun) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (id, rule_id, run_trigger, status, created, removed, failed,
			error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			created = EXCLUDED.created,
			removed = EXCLUDED.removed,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		r.ID, string(r.RuleID), string(r.Trigger), string(r.Status), r.Created, r.Removed, r.Failed,
		r.Error, r.StartedAt, r.CompletedAt,
	)
	return err
}

func (s *Store) ListRuns(ctx context.Context, status generic.RunStatus, limit int) ([]generic.ReconciliationRun, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, rule_id, run_trigger, status, created, removed, failed, error, started_at, completed_at
		FROM reconciliation_runs
		WHERE ($1 = '' OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2`,
		string(status), lim,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []generic.ReconciliationRun
	for rows.Next() {
		var (
			r                     generic.ReconciliationRun
			ruleID, trigger, stat string
		)
		if err := rows.Scan(&r.ID, &ruleID, &trigger, &stat, &r.Created, &r.Removed, &r.Failed,
			&r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		r.RuleID = generic.RuleID(ruleID)
		r.Trigger = generic.Trigger(trigger)
		r.Status = generic.RunStatus(stat)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
