package recurrence

import "github.com/warp/recurrence-engine/generic"

// =============================================================================
// EXCEPTION EDITOR - Pure mutations of a rule's exception state
// =============================================================================
//
// Neither function touches the ledger. The Engine runs them inside
// RuleStore.MutateRule and reconciles afterwards, which is what removes the
// rows the new exceptions invalidate.

// SkipOccurrence adds date to the rule's skipped dates. Reports whether the
// rule changed; skipping an already skipped date is a no-op.
func SkipOccurrence(rule *generic.Rule, date generic.TimePoint) bool {
	date = date.Normalized()
	if rule.IsSkipped(date) {
		return false
	}
	rule.SkippedDates = append(rule.SkippedDates, date)
	rule.Normalize()
	return true
}

// TerminateFrom ends the rule so that date and every later occurrence are
// invalid ("this and all future"). TerminationDate is an exclusive boundary,
// so storing date itself is the same as an inclusive end on the day before.
//
// An existing earlier boundary is kept: terminating never revives dates.
func TerminateFrom(rule *generic.Rule, date generic.TimePoint) bool {
	date = date.Normalized()
	if rule.TerminationDate != nil && !rule.TerminationDate.After(date) {
		return false
	}
	rule.TerminationDate = &date
	return true
}

// LastValidDay returns the inclusive last day a terminated rule may produce,
// or false when the rule has no termination.
func LastValidDay(rule generic.Rule) (generic.TimePoint, bool) {
	if rule.TerminationDate == nil {
		return generic.TimePoint{}, false
	}
	return rule.TerminationDate.AddDays(-1), true
}
