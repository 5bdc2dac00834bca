/*
generator.go - Occurrence Generator

PURPOSE:
  Turns a Rule into the ascending, duplicate-free list of occurrence dates
  inside a window. Pure with respect to (rule, window, clock): calling it
  twice with the same inputs yields the same output.

FIRST-OCCURRENCE POLICY:
  The anchor is the user's explicit choice, so it is emitted even when it
  lies a little in the past (LookbackDays, default 90). Every other
  occurrence must be today or later.

  today = 2025-03-10, window [today, today+12mo]
    anchor 2025-03-05 (5 days ago)   -> emitted
    anchor 2024-12-01 (99 days ago)  -> not emitted; later steps still are

STEPPING:
  Candidate k is anchor + k*interval units, always computed from the anchor
  so Month/Year rules keep the anchor's day-of-month:

    anchor 2024-01-31 monthly -> 01-31, 02-29, 03-31, 04-30

  Weekly rules with a weekday set scan each stepped block [base, base+6]
  and emit every day whose weekday is in the set (the anchor's own block
  included). A block with no eligible day falls back to the stepped date.

HALTING:
  Steps that end before the window floor are skipped arithmetically. The
  loop stops once a stepped date passes the window end or reaches the
  termination date. IterationCap bounds it otherwise; hitting the cap is a
  warning (GenerationLimitExceeded) and the partial result stands.

SEE ALSO:
  - generic/calendar.go: DayOfMonthPreservingStep
  - identity.go: Occurrence ids
  - reconciler.go: Consumes Generate over the rolling horizon
*/
package recurrence

import (
	"errors"
	"log/slog"
	"math"

	"github.com/warp/recurrence-engine/generic"
)

const (
	DefaultLookbackDays  = 90
	DefaultIterationCap  = 1000
	DefaultHorizonMonths = 12
)

// Occurrence is one dated instance of a rule. It is never stored; a ledger
// row with the same source rule and date is its materialized form.
type Occurrence struct {
	ID     generic.OccurrenceID
	RuleID generic.RuleID
	Date   generic.TimePoint
	generic.Payload
}

// Transaction builds the ledger row that materializes o.
func (o Occurrence) Transaction() generic.Transaction {
	return generic.Transaction{
		SourceRuleID:   o.RuleID,
		OccurrenceID:   o.ID,
		OccurrenceDate: o.Date,
		Payload:        o.Payload,
	}
}

// Generation is the result of one Generate call.
type Generation struct {
	Occurrences []Occurrence
	Warnings    []error // *generic.CalendarError, *generic.GenerationLimitExceeded
}

// Dates returns the occurrence dates in order.
func (g Generation) Dates() []generic.TimePoint {
	out := make([]generic.TimePoint, len(g.Occurrences))
	for i, o := range g.Occurrences {
		out[i] = o.Date
	}
	return out
}

// LimitReached reports whether the iteration cap cut the generation short.
func (g Generation) LimitReached() bool {
	for _, w := range g.Warnings {
		if errors.Is(w, generic.ErrGenerationLimit) {
			return true
		}
	}
	return false
}

type Generator struct {
	Clock        generic.Clock
	LookbackDays int // <0 disables the anchor look-back
	IterationCap int
	Logger       *slog.Logger
}

func NewGenerator(clock generic.Clock) *Generator {
	return &Generator{
		Clock:        clock,
		LookbackDays: DefaultLookbackDays,
		IterationCap: DefaultIterationCap,
	}
}

func (g *Generator) today() generic.TimePoint {
	if g.Clock == nil {
		return generic.SystemClock{}.Today()
	}
	return g.Clock.Today()
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Today exposes the generator's notion of the current day.
func (g *Generator) Today() generic.TimePoint { return g.today() }

// Generate returns the rule's occurrences in [windowStart, windowEnd].
// The only error is *generic.InvalidRuleError; everything else is a warning.
func (g *Generator) Generate(rule generic.Rule, windowStart, windowEnd generic.TimePoint) (Generation, error) {
	if err := rule.Validate(); err != nil {
		return Generation{}, err
	}

	var (
		gen     Generation
		today   = g.today()
		start   = windowStart.Normalized()
		end     = windowEnd.Normalized()
		anchor  = rule.AnchorDate.Normalized()
		skipped = rule.SkipSet()
		emitted = make(map[string]struct{})
	)
	if end.Before(start) {
		return gen, nil
	}

	valid := func(d generic.TimePoint) bool {
		if _, ok := skipped[d.Key()]; ok {
			return false
		}
		return !rule.IsTerminatedAt(d)
	}
	emit := func(d generic.TimePoint) {
		if _, dup := emitted[d.Key()]; dup {
			return
		}
		emitted[d.Key()] = struct{}{}
		gen.Occurrences = append(gen.Occurrences, Occurrence{
			ID:      IdentityOf(rule.ID, d),
			RuleID:  rule.ID,
			Date:    d,
			Payload: rule.Payload,
		})
	}

	// 1. Anchor, with the look-back applied to windows that start by today.
	anchorFloor := start
	if g.LookbackDays >= 0 && !start.After(today) {
		anchorFloor = generic.Earliest(start, today.AddDays(-g.LookbackDays))
	}
	if valid(anchor) && !anchor.Before(anchorFloor) && !anchor.After(end) {
		emit(anchor)
	}
	if !rule.IsRepeating() {
		return gen, nil
	}

	// 2-4. Stepped candidates: today-or-future only.
	floor := generic.Latest(start, today)
	accept := func(d generic.TimePoint) {
		if valid(d) && !d.Before(floor) && !d.After(end) {
			emit(d)
		}
	}

	weekdayScan := rule.Frequency == generic.FrequencyWeek && len(rule.Weekdays) > 0
	if weekdayScan {
		// The anchor's own block: matching days after the anchor.
		for _, d := range g.scanBlock(rule, anchor.AddDays(1), anchor.AddDays(6), today) {
			accept(d)
		}
	}

	limit := g.IterationCap
	if limit <= 0 {
		limit = DefaultIterationCap
	}
	var last generic.TimePoint
	for i, k := 0, firstStep(rule, anchor, floor); ; i, k = i+1, k+1 {
		if i >= limit {
			gen.Warnings = append(gen.Warnings, &generic.GenerationLimitExceeded{
				RuleID:     rule.ID,
				Iterations: limit,
				LastDate:   last,
			})
			g.logger().Warn("generation limit reached",
				"rule_id", rule.ID, "iterations", limit, "last_candidate", last)
			break
		}

		if k > math.MaxInt/rule.Interval {
			break
		}
		base, err := generic.DayOfMonthPreservingStep(anchor, rule.Frequency, k*rule.Interval, anchor.Day())
		if err != nil {
			gen.Warnings = append(gen.Warnings, err)
			g.logger().Warn("unproducible occurrence", "rule_id", rule.ID, "step", k, "err", err)
			var ce *generic.CalendarError
			if errors.As(err, &ce) && ce.Reason == generic.ReasonYearOutOfRange {
				// Every later step is further out of range.
				break
			}
			continue
		}
		last = base
		if base.After(end) || rule.IsTerminatedAt(base) {
			break
		}

		if !weekdayScan {
			accept(base)
			continue
		}
		matches := g.scanBlock(rule, base, base.AddDays(6), today)
		if len(matches) == 0 {
			accept(base)
			continue
		}
		for _, d := range matches {
			accept(d)
		}
	}

	return gen, nil
}

// firstStep returns the first step index worth computing: steps whose block
// ends before floor can never be accepted, so long-running rules skip them
// instead of spending the iteration cap on the past.
func firstStep(rule generic.Rule, anchor, floor generic.TimePoint) int {
	if !floor.After(anchor) {
		return 1
	}
	var k int
	switch rule.Frequency {
	case generic.FrequencyDay:
		k = generic.DaysBetween(anchor, floor) / rule.Interval
	case generic.FrequencyWeek:
		k = generic.DaysBetween(anchor, floor) / (7 * rule.Interval)
	case generic.FrequencyMonth:
		months := (floor.Year()-anchor.Year())*12 + int(floor.Month()) - int(anchor.Month())
		k = months / rule.Interval
	case generic.FrequencyYear:
		k = (floor.Year() - anchor.Year()) / rule.Interval
	}
	// One step of slack absorbs day clamping; accept() filters the rest.
	if k--; k < 1 {
		k = 1
	}
	return k
}

// scanBlock returns the days in [from, to] whose weekday is in the rule's set
// and which are not earlier than today.
func (g *Generator) scanBlock(rule generic.Rule, from, to, today generic.TimePoint) []generic.TimePoint {
	var out []generic.TimePoint
	for d := from; !d.After(to); d = d.AddDays(1) {
		if rule.HasWeekday(d.Weekday()) && !d.Before(today) {
			out = append(out, d)
		}
	}
	return out
}

// Horizon returns the routine reconciliation window [today, today+months].
func (g *Generator) Horizon(months int) generic.Window {
	if months <= 0 {
		months = DefaultHorizonMonths
	}
	return generic.HorizonFrom(g.today(), months)
}
