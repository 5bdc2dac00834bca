/*
reconciler.go - Materialization engine

PURPOSE:
  Converges the ledger rows of one rule onto what the generator says should
  exist over the rolling horizon. It issues the minimal delta: create what is
  missing, delete what went stale. Running it twice in a row with no state
  change issues zero writes on the second call.

ALGORITHM (Reconcile):
  1. target   = Generate(rule, today, today+HorizonMonths), keyed by identity
  2. existing = FetchBySource(rule, [from, horizon end]) where from is today,
                or the anchor when the anchor is a look-back target
  3. create each target not in existing; the ledger is asked Exists right
     before each insert, never an in-memory cache
  4. delete each existing row dated today or later that is not in target

  Rows before today are left to Sweep.

FAILURES:
  A failing create or delete is recorded in Effects.Failures and the batch
  carries on. The next pass recomputes everything, so a stale row left by a
  failed delete is retried there.

CONCURRENCY:
  Not safe to run twice at once for the same rule (step 3 is check-then-act).
  The Engine serializes runs through the Coordinator.

SEE ALSO:
  - generator.go: Target set
  - coordinator.go: Per-rule at-most-one-in-flight
  - generic/ledger.go: Ledger boundary
*/
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// ElapsedPolicy decides what Sweep does with rows dated before today.
type ElapsedPolicy string

const (
	// ElapsedRemove deletes elapsed rows that the rule no longer targets.
	ElapsedRemove ElapsedPolicy = "remove"
	// ElapsedRetain keeps every elapsed row as a historical transaction.
	ElapsedRetain ElapsedPolicy = "retain"
)

func (p ElapsedPolicy) Valid() bool { return p == ElapsedRemove || p == ElapsedRetain }

var (
	earliestDay = generic.NewTimePoint(1, time.January, 1)
	latestDay   = generic.NewTimePoint(9999, time.December, 31)
)

// Effects is what one pass did to the ledger.
type Effects struct {
	RuleID   generic.RuleID
	Created  []Occurrence
	Removed  []generic.Transaction
	Failures []error // *generic.LedgerWriteError
	Warnings []error // from generation
	Window   generic.Window
}

// Empty reports whether the pass wrote nothing.
func (e Effects) Empty() bool { return len(e.Created) == 0 && len(e.Removed) == 0 }

// Merge appends other's effects onto e.
func (e *Effects) Merge(other Effects) {
	if e.RuleID == "" {
		e.RuleID = other.RuleID
	}
	e.Created = append(e.Created, other.Created...)
	e.Removed = append(e.Removed, other.Removed...)
	e.Failures = append(e.Failures, other.Failures...)
	e.Warnings = append(e.Warnings, other.Warnings...)
}

type Reconciler struct {
	Ledger        generic.Ledger
	Generator     *Generator
	HorizonMonths int
	ElapsedPolicy ElapsedPolicy
	Observer      Observer // optional
	Logger        *slog.Logger
}

func NewReconciler(ledger generic.Ledger, gen *Generator) *Reconciler {
	return &Reconciler{
		Ledger:        ledger,
		Generator:     gen,
		HorizonMonths: DefaultHorizonMonths,
		ElapsedPolicy: ElapsedRemove,
	}
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// target generates the horizon and indexes it by occurrence id.
func (r *Reconciler) target(rule generic.Rule) (Generation, generic.Window, map[generic.OccurrenceID]Occurrence, error) {
	window := r.Generator.Horizon(r.HorizonMonths)
	gen, err := r.Generator.Generate(rule, window.Start, window.End)
	if err != nil {
		return Generation{}, window, nil, err
	}
	byID := make(map[generic.OccurrenceID]Occurrence, len(gen.Occurrences))
	for _, o := range gen.Occurrences {
		byID[o.ID] = o
	}
	return gen, window, byID, nil
}

// =============================================================================
// RECONCILE - Routine convergence over the horizon
// =============================================================================

func (r *Reconciler) Reconcile(ctx context.Context, rule generic.Rule) (Effects, error) {
	gen, window, target, err := r.target(rule)
	if err != nil {
		return Effects{RuleID: rule.ID}, err
	}
	today := window.Start
	eff := Effects{RuleID: rule.ID, Warnings: gen.Warnings, Window: window}

	from := today
	if len(gen.Occurrences) > 0 && gen.Occurrences[0].Date.Before(today) {
		from = gen.Occurrences[0].Date // look-back anchor
	}
	rows, err := r.Ledger.FetchBySource(ctx, rule.ID, from, window.End)
	if err != nil {
		return eff, fmt.Errorf("fetch ledger rows for rule %s: %w", rule.ID, err)
	}

	existing := make(map[generic.OccurrenceID]generic.Transaction, len(rows))
	for _, row := range rows {
		existing[IdentityOf(row.SourceRuleID, row.OccurrenceDate)] = row
	}

	for _, occ := range gen.Occurrences {
		if _, ok := existing[occ.ID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return eff, err
		}
		created, err := r.create(ctx, occ)
		if err != nil {
			eff.Failures = append(eff.Failures, err)
			continue
		}
		if created {
			eff.Created = append(eff.Created, occ)
		}
	}

	for _, row := range rows {
		if row.OccurrenceDate.Before(today) {
			continue
		}
		if _, keep := target[IdentityOf(row.SourceRuleID, row.OccurrenceDate)]; keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return eff, err
		}
		if err := r.Ledger.Delete(ctx, row.ID); err != nil {
			eff.Failures = append(eff.Failures, err)
			continue
		}
		eff.Removed = append(eff.Removed, row)
	}

	r.finish(ctx, ChangeReconciled, eff)
	return eff, nil
}

// create re-checks the ledger and inserts. A duplicate reported by the store
// means another writer got there first, which is success.
func (r *Reconciler) create(ctx context.Context, occ Occurrence) (bool, error) {
	exists, err := r.Ledger.Exists(ctx, occ.RuleID, occ.Date)
	if err != nil {
		return false, &generic.LedgerWriteError{Op: "create", RuleID: occ.RuleID, Date: occ.Date, Err: err}
	}
	if exists {
		return false, nil
	}
	if _, err := r.Ledger.Create(ctx, occ.Transaction()); err != nil {
		if errors.Is(err, generic.ErrDuplicateOccurrence) {
			return false, nil
		}
		var lw *generic.LedgerWriteError
		if !errors.As(err, &lw) {
			err = &generic.LedgerWriteError{Op: "create", RuleID: occ.RuleID, Date: occ.Date, Err: err}
		}
		return false, err
	}
	return true, nil
}

// =============================================================================
// SWEEP - Maintenance of elapsed rows
// =============================================================================

// Sweep deletes rows dated before today that the rule no longer targets.
// The look-back anchor is still a target and survives. Under ElapsedRetain
// it does nothing.
func (r *Reconciler) Sweep(ctx context.Context, rule generic.Rule) (Effects, error) {
	eff := Effects{RuleID: rule.ID}
	if r.ElapsedPolicy == ElapsedRetain {
		return eff, nil
	}

	_, window, target, err := r.target(rule)
	if err != nil {
		return eff, err
	}
	eff.Window = generic.Window{Start: earliestDay, End: window.Start.AddDays(-1)}

	rows, err := r.Ledger.FetchBySource(ctx, rule.ID, eff.Window.Start, eff.Window.End)
	if err != nil {
		return eff, fmt.Errorf("fetch elapsed rows for rule %s: %w", rule.ID, err)
	}
	for _, row := range rows {
		if _, keep := target[IdentityOf(row.SourceRuleID, row.OccurrenceDate)]; keep {
			continue
		}
		r.remove(ctx, &eff, row)
	}

	r.finish(ctx, ChangeSwept, eff)
	return eff, nil
}

// =============================================================================
// REMOVAL - Partial and full deletion by rule id
// =============================================================================

// RemoveFrom deletes every row of the rule dated on or after date,
// including rows between date and today that Reconcile never looks at.
func (r *Reconciler) RemoveFrom(ctx context.Context, ruleID generic.RuleID, date generic.TimePoint) (Effects, error) {
	eff, err := r.removeRange(ctx, ruleID, date.Normalized())
	if err != nil {
		return eff, err
	}
	r.finish(ctx, ChangeRemoved, eff)
	return eff, nil
}

// Cascade deletes every row of the rule. Used when the rule is gone.
func (r *Reconciler) Cascade(ctx context.Context, ruleID generic.RuleID) (Effects, error) {
	eff, err := r.removeRange(ctx, ruleID, earliestDay)
	if err != nil {
		return eff, err
	}
	r.finish(ctx, ChangeCascaded, eff)
	return eff, nil
}

func (r *Reconciler) removeRange(ctx context.Context, ruleID generic.RuleID, from generic.TimePoint) (Effects, error) {
	eff := Effects{RuleID: ruleID, Window: generic.Window{Start: from, End: latestDay}}
	rows, err := r.Ledger.FetchBySource(ctx, ruleID, from, latestDay)
	if err != nil {
		return eff, fmt.Errorf("fetch rows for rule %s: %w", ruleID, err)
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return eff, err
		}
		r.remove(ctx, &eff, row)
	}
	return eff, nil
}

func (r *Reconciler) remove(ctx context.Context, eff *Effects, row generic.Transaction) {
	if err := r.Ledger.Delete(ctx, row.ID); err != nil {
		eff.Failures = append(eff.Failures, err)
		return
	}
	eff.Removed = append(eff.Removed, row)
}

// finish logs the pass and publishes it when something changed.
func (r *Reconciler) finish(ctx context.Context, kind ChangeKind, eff Effects) {
	for _, f := range eff.Failures {
		r.logger().Warn("ledger write failed", "rule_id", eff.RuleID, "pass", kind, "err", f)
	}
	if eff.Empty() {
		return
	}
	r.logger().Info("ledger converged",
		"rule_id", eff.RuleID, "pass", kind,
		"created", len(eff.Created), "removed", len(eff.Removed), "failed", len(eff.Failures))

	if r.Observer != nil {
		r.Observer.OnChange(ctx, ChangeEvent{
			RuleID:  eff.RuleID,
			Kind:    kind,
			Created: eff.Created,
			Removed: eff.Removed,
			At:      time.Now().UTC(),
		})
	}
}
