/*
engine.go - The exposed surface of the recurrence engine

PURPOSE:
  Engine wires the rule store, generator, reconciler and coordinator into
  the operations a host calls: rule CRUD, previews, exception edits and the
  two reconciliation triggers (rule mutation, horizon maintenance).

WRITE-THEN-RECONCILE:
  Every mutation is committed to the RuleStore first (atomically, through
  MutateRule) and only then reconciled. The reconciliation run re-reads the
  rule from the store, so it always acts on the committed state.

ONE RUN SHAPE:
  Every coordinated run does the same thing, which is what makes coalescing
  safe:
    rule gone          -> Cascade (delete every row)
    rule terminated    -> RemoveFrom(termination) (rows there are never valid)
    always             -> Reconcile over the horizon
    sweep requested    -> Sweep elapsed rows (horizon maintenance only)

EXAMPLE:
  eng := recurrence.NewEngine(rules, ledger, recurrence.Options{})
  rule, _, err := eng.CreateRule(ctx, generic.Rule{
      AnchorDate: generic.MustParseDate("2025-01-31"),
      Frequency:  generic.FrequencyMonth,
      Interval:   1,
      Payload:    generic.Payload{Amount: generic.NewAmountFromInt(1200, "EUR"), Title: "Rent"},
  })
  _, _, err = eng.DeleteAllFrom(ctx, rule.ID, generic.MustParseDate("2025-06-30"))

SEE ALSO:
  - coordinator.go: Per-rule serialization
  - reconciler.go: The passes themselves
  - api/handlers.go: HTTP mapping of these operations
*/
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/recurrence-engine/generic"
)

const DefaultWorkers = 4

// Options configures NewEngine. Zero values select the defaults; a negative
// LookbackDays disables the anchor look-back.
type Options struct {
	Clock         generic.Clock
	LookbackDays  int
	IterationCap  int
	HorizonMonths int
	Workers       int
	ElapsedPolicy ElapsedPolicy
	Observer      Observer
	RunLog        generic.RunLog
	Logger        *slog.Logger
}

type Engine struct {
	Rules       generic.RuleStore
	Ledger      generic.Ledger
	Generator   *Generator
	Reconciler  *Reconciler
	Coordinator *Coordinator
	RunLog      generic.RunLog // optional
	Workers     int
	Logger      *slog.Logger

	pendingSweep sync.Map // generic.RuleID -> struct{}
}

func NewEngine(rules generic.RuleStore, ledger generic.Ledger, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gen := NewGenerator(opts.Clock)
	gen.Logger = logger
	switch {
	case opts.LookbackDays > 0:
		gen.LookbackDays = opts.LookbackDays
	case opts.LookbackDays < 0:
		gen.LookbackDays = -1
	}
	if opts.IterationCap > 0 {
		gen.IterationCap = opts.IterationCap
	}

	rec := NewReconciler(ledger, gen)
	rec.Logger = logger
	rec.Observer = opts.Observer
	if opts.HorizonMonths > 0 {
		rec.HorizonMonths = opts.HorizonMonths
	}
	if opts.ElapsedPolicy != "" {
		rec.ElapsedPolicy = opts.ElapsedPolicy
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Engine{
		Rules:       rules,
		Ledger:      ledger,
		Generator:   gen,
		Reconciler:  rec,
		Coordinator: NewCoordinator(),
		RunLog:      opts.RunLog,
		Workers:     workers,
		Logger:      logger,
	}
}

// Today returns the engine clock's current day.
func (e *Engine) Today() generic.TimePoint { return e.Generator.Today() }

// =============================================================================
// RULE CRUD
// =============================================================================

// CreateRule assigns an id when missing, validates, stores and reconciles.
func (e *Engine) CreateRule(ctx context.Context, rule generic.Rule) (generic.Rule, Effects, error) {
	rule = rule.Clone()
	if rule.ID == "" {
		rule.ID = generic.RuleID(uuid.NewString())
	}
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return generic.Rule{}, Effects{}, err
	}
	if _, err := e.Rules.GetRule(ctx, rule.ID); err == nil {
		return generic.Rule{}, Effects{}, &generic.InvalidRuleError{RuleID: rule.ID, Field: "id", Reason: "already exists"}
	} else if !errors.Is(err, generic.ErrRuleNotFound) {
		return generic.Rule{}, Effects{}, err
	}

	if err := e.Rules.SaveRule(ctx, rule); err != nil {
		return generic.Rule{}, Effects{}, fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	stored, err := e.Rules.GetRule(ctx, rule.ID)
	if err != nil {
		return generic.Rule{}, Effects{}, err
	}
	e.Logger.Info("rule created", "rule_id", stored.ID, "frequency", stored.Frequency, "anchor", stored.AnchorDate)

	eff, err := e.run(ctx, stored.ID, generic.TriggerCreate)
	return stored, eff, err
}

// UpdateRule replaces the schedule and payload of an existing rule. The
// anchor is immutable (use Reschedule); skipped dates only ever grow, so the
// stored ones are kept and merged with the update's.
func (e *Engine) UpdateRule(ctx context.Context, rule generic.Rule) (generic.Rule, Effects, error) {
	updated, err := e.Rules.MutateRule(ctx, rule.ID, func(cur *generic.Rule) (bool, error) {
		if !rule.AnchorDate.IsZero() && !rule.AnchorDate.Equal(cur.AnchorDate) {
			return false, &generic.InvalidRuleError{RuleID: cur.ID, Field: "anchor_date", Reason: "is immutable; reschedule the rule instead"}
		}
		next := cur.Clone()
		next.Frequency = rule.Frequency
		next.Interval = rule.Interval
		next.Weekdays = append([]time.Weekday(nil), rule.Weekdays...)
		next.SkippedDates = append(next.SkippedDates, rule.SkippedDates...)
		next.TerminationDate = rule.TerminationDate
		next.Payload = rule.Payload
		next.Normalize()
		if err := next.Validate(); err != nil {
			return false, err
		}
		*cur = next
		return true, nil
	})
	if err != nil {
		return generic.Rule{}, Effects{}, err
	}
	eff, err := e.run(ctx, updated.ID, generic.TriggerUpdate)
	return updated, eff, err
}

// DeleteRule removes the rule and cascades its ledger rows. When a run for
// the rule is in flight, the follow-up run observes the deletion and
// performs the cascade.
func (e *Engine) DeleteRule(ctx context.Context, id generic.RuleID) (Effects, error) {
	if err := e.Rules.DeleteRule(ctx, id); err != nil {
		return Effects{}, err
	}
	e.Logger.Info("rule deleted", "rule_id", id)
	return e.run(ctx, id, generic.TriggerDelete)
}

func (e *Engine) GetRule(ctx context.Context, id generic.RuleID) (generic.Rule, error) {
	return e.Rules.GetRule(ctx, id)
}

func (e *Engine) ListRules(ctx context.Context) ([]generic.Rule, error) {
	return e.Rules.ListRules(ctx)
}

// Reschedule moves a rule to a new anchor by recreating it: the new rule
// gets a fresh id and the old payload, schedule and termination; skipped
// dates belonged to the old anchor's sequence and are dropped. The old rule
// is deleted with cascade.
func (e *Engine) Reschedule(ctx context.Context, id generic.RuleID, anchor generic.TimePoint) (generic.Rule, Effects, error) {
	old, err := e.Rules.GetRule(ctx, id)
	if err != nil {
		return generic.Rule{}, Effects{}, err
	}

	next := old.Clone()
	next.ID = ""
	next.AnchorDate = anchor.Normalized()
	next.SkippedDates = nil
	next.Version = 0
	next.CreatedAt, next.UpdatedAt = time.Time{}, time.Time{}

	created, eff, err := e.CreateRule(ctx, next)
	if err != nil {
		return generic.Rule{}, eff, err
	}
	removed, err := e.DeleteRule(ctx, id)
	eff.Merge(removed)
	return created, eff, err
}

// =============================================================================
// PREVIEW - Read-only generation
// =============================================================================

// PreviewOccurrences generates without touching the ledger.
func (e *Engine) PreviewOccurrences(rule generic.Rule, from, to generic.TimePoint) (Generation, error) {
	return e.Generator.Generate(rule, from, to)
}

// PreviewRule loads a stored rule and previews it.
func (e *Engine) PreviewRule(ctx context.Context, id generic.RuleID, from, to generic.TimePoint) (Generation, error) {
	rule, err := e.Rules.GetRule(ctx, id)
	if err != nil {
		return Generation{}, err
	}
	return e.PreviewOccurrences(rule, from, to)
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

// SkipOccurrence excludes one date and reconciles, which removes a row
// already materialized on that date.
func (e *Engine) SkipOccurrence(ctx context.Context, id generic.RuleID, date generic.TimePoint) (generic.Rule, Effects, error) {
	rule, err := e.Rules.MutateRule(ctx, id, func(r *generic.Rule) (bool, error) {
		return SkipOccurrence(r, date), nil
	})
	if err != nil {
		return generic.Rule{}, Effects{}, err
	}
	eff, err := e.run(ctx, id, generic.TriggerSkip)
	return rule, eff, err
}

// TerminateFrom ends the rule at date (exclusive) and reconciles.
func (e *Engine) TerminateFrom(ctx context.Context, id generic.RuleID, date generic.TimePoint) (generic.Rule, Effects, error) {
	rule, err := e.Rules.MutateRule(ctx, id, func(r *generic.Rule) (bool, error) {
		return TerminateFrom(r, date), nil
	})
	if err != nil {
		return generic.Rule{}, Effects{}, err
	}
	eff, err := e.run(ctx, id, generic.TriggerTerminate)
	return rule, eff, err
}

// DeleteOccurrence deletes the materialized row on date (the ledger rolls
// back its balance effect) and then skips the date so regeneration does not
// bring it back.
func (e *Engine) DeleteOccurrence(ctx context.Context, id generic.RuleID, date generic.TimePoint) (generic.Rule, Effects, error) {
	if _, err := e.Rules.GetRule(ctx, id); err != nil {
		return generic.Rule{}, Effects{}, err
	}

	date = date.Normalized()
	var eff Effects
	rows, err := e.Ledger.FetchBySource(ctx, id, date, date)
	if err != nil {
		return generic.Rule{}, eff, fmt.Errorf("fetch row for rule %s on %s: %w", id, date, err)
	}
	for _, row := range rows {
		if err := e.Ledger.Delete(ctx, row.ID); err != nil {
			return generic.Rule{}, eff, err
		}
		eff.Removed = append(eff.Removed, row)
	}

	rule, skipEff, err := e.SkipOccurrence(ctx, id, date)
	eff.Merge(skipEff)
	return rule, eff, err
}

// DeleteAllFrom deletes date and every later occurrence: the rule is
// terminated at date and the run removes every row from date on, including
// rows between date and today.
func (e *Engine) DeleteAllFrom(ctx context.Context, id generic.RuleID, date generic.TimePoint) (generic.Rule, Effects, error) {
	return e.TerminateFrom(ctx, id, date)
}

// =============================================================================
// RECONCILIATION TRIGGERS
// =============================================================================

// ReconcileNow runs a coordinated reconciliation of one rule.
func (e *Engine) ReconcileNow(ctx context.Context, id generic.RuleID) (Effects, error) {
	return e.run(ctx, id, generic.TriggerManual)
}

// RuleFailure is one rule the horizon pass could not converge.
type RuleFailure struct {
	RuleID generic.RuleID
	Err    error
}

// HorizonReport summarizes one EnsureHorizon pass.
type HorizonReport struct {
	Window      generic.Window
	Rules       int
	Created     int
	Removed     int
	Failed      int // per-occurrence ledger failures
	Warnings    int
	Invalid     []RuleFailure // excluded from generation
	Errors      []RuleFailure // run-level errors (fetch failed, cancelled)
	StartedAt   time.Time
	CompletedAt time.Time
}

// EnsureHorizon is the maintenance entry point: it reconciles and sweeps
// every stored rule with at most Workers runs in parallel. A failing or
// invalid rule is reported and never stops the others.
func (e *Engine) EnsureHorizon(ctx context.Context) (HorizonReport, error) {
	report := HorizonReport{
		Window:    e.Generator.Horizon(e.Reconciler.HorizonMonths),
		StartedAt: time.Now().UTC(),
	}

	rules, err := e.Rules.ListRules(ctx)
	if err != nil {
		return report, fmt.Errorf("load rules: %w", err)
	}
	report.Rules = len(rules)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.Workers)
	for _, rule := range rules {
		id := rule.ID
		g.Go(func() error {
			e.pendingSweep.Store(id, struct{}{})
			eff, err := e.run(ctx, id, generic.TriggerHorizon)

			mu.Lock()
			defer mu.Unlock()
			report.Created += len(eff.Created)
			report.Removed += len(eff.Removed)
			report.Failed += len(eff.Failures)
			report.Warnings += len(eff.Warnings)
			switch {
			case errors.Is(err, generic.ErrInvalidRule):
				report.Invalid = append(report.Invalid, RuleFailure{RuleID: id, Err: err})
			case err != nil:
				report.Errors = append(report.Errors, RuleFailure{RuleID: id, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()
	report.CompletedAt = time.Now().UTC()

	e.Logger.Info("horizon ensured",
		"rules", report.Rules, "created", report.Created, "removed", report.Removed,
		"failed", report.Failed, "invalid", len(report.Invalid), "errors", len(report.Errors),
		"window", report.Window.String())
	return report, ctx.Err()
}

// run serializes work for one rule through the Coordinator.
func (e *Engine) run(ctx context.Context, id generic.RuleID, trigger generic.Trigger) (Effects, error) {
	return e.Coordinator.Do(ctx, id, func(ctx context.Context) (Effects, error) {
		return e.converge(ctx, id, trigger)
	})
}

// converge is the body of every coordinated run.
func (e *Engine) converge(ctx context.Context, id generic.RuleID, trigger generic.Trigger) (Effects, error) {
	record := generic.ReconciliationRun{
		ID:        uuid.NewString(),
		RuleID:    id,
		Trigger:   trigger,
		Status:    generic.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	e.saveRun(ctx, record)

	eff, err := e.convergeRule(ctx, id)

	completed := time.Now().UTC()
	record.CompletedAt = &completed
	record.Created, record.Removed, record.Failed = len(eff.Created), len(eff.Removed), len(eff.Failures)
	switch {
	case err != nil:
		record.Status = generic.RunFailed
		record.Error = err.Error()
	case len(eff.Failures) > 0:
		record.Status = generic.RunPartial
	default:
		record.Status = generic.RunCompleted
	}
	e.saveRun(ctx, record)
	return eff, err
}

func (e *Engine) convergeRule(ctx context.Context, id generic.RuleID) (Effects, error) {
	_, sweep := e.pendingSweep.LoadAndDelete(id)

	rule, err := e.Rules.GetRule(ctx, id)
	if errors.Is(err, generic.ErrRuleNotFound) {
		return e.Reconciler.Cascade(ctx, id)
	}
	if err != nil {
		return Effects{RuleID: id}, fmt.Errorf("load rule %s: %w", id, err)
	}

	eff := Effects{RuleID: id}
	if rule.TerminationDate != nil {
		purged, err := e.Reconciler.RemoveFrom(ctx, id, *rule.TerminationDate)
		eff.Merge(purged)
		if err != nil {
			return eff, err
		}
	}

	reconciled, err := e.Reconciler.Reconcile(ctx, rule)
	eff.Merge(reconciled)
	eff.Window = reconciled.Window
	if err != nil {
		return eff, err
	}

	if sweep {
		swept, err := e.Reconciler.Sweep(ctx, rule)
		eff.Merge(swept)
		if err != nil {
			return eff, err
		}
	}
	return eff, nil
}

func (e *Engine) saveRun(ctx context.Context, run generic.ReconciliationRun) {
	if e.RunLog == nil {
		return
	}
	if err := e.RunLog.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		e.Logger.Warn("save reconciliation run", "run_id", run.ID, "rule_id", run.RuleID, "err", err)
	}
}
