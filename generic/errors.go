/*
errors.go - Centralized error types for the recurrence engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match on the sentinels with errors.Is and pull details out of the
  structured errors with errors.As.

ERROR CATEGORIES:
  1. Calendar errors - a date could not be produced (recovered locally)
  2. Generation limits - iteration cap reached (warning, partial result)
  3. Ledger errors - create/delete against the ledger failed (retried next pass)
  4. Rule errors - malformed rule, unknown rule
  5. Store errors - uniqueness and lookup failures

USAGE:
  if errors.Is(err, generic.ErrInvalidRule) {
      // reject at create/edit time
  }

  var lw *generic.LedgerWriteError
  if errors.As(err, &lw) {
      log.Printf("retry %s on %s later", lw.Op, lw.Date)
  }

SEE ALSO:
  - calendar.go: Produces CalendarError
  - ledger.go: Produces LedgerWriteError
  - recurrence/generator.go: Produces GenerationLimitExceeded
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCalendar is returned when calendar arithmetic cannot produce a date.
	ErrCalendar = errors.New("calendar computation failed")

	// ErrGenerationLimit marks a generation that hit its iteration cap.
	ErrGenerationLimit = errors.New("generation limit exceeded")

	// ErrLedgerWrite is returned when a ledger create or delete fails.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrInvalidRule is returned for malformed recurrence rules.
	ErrInvalidRule = errors.New("invalid recurrence rule")

	// ErrRuleNotFound is returned when a referenced rule doesn't exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrTransactionNotFound is returned when a ledger row doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateOccurrence is returned when a ledger row already exists for
	// the same (source rule, occurrence date). Expected under concurrent retries.
	ErrDuplicateOccurrence = errors.New("occurrence already materialized")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CalendarError reports a date that could not be computed.
type CalendarError struct {
	Date     TimePoint
	Unit     FrequencyUnit
	Interval int
	Reason   string
}

func (e *CalendarError) Error() string {
	return fmt.Sprintf("calendar: cannot step %s by %d %s: %s", e.Date, e.Interval, e.Unit, e.Reason)
}

func (e *CalendarError) Unwrap() error { return ErrCalendar }

// GenerationLimitExceeded is a diagnostic: the generator stopped at its
// iteration cap and returned what it had produced so far.
type GenerationLimitExceeded struct {
	RuleID     RuleID
	Iterations int
	LastDate   TimePoint
}

func (e *GenerationLimitExceeded) Error() string {
	return fmt.Sprintf("generation for rule %s stopped after %d iterations (last candidate %s)",
		e.RuleID, e.Iterations, e.LastDate)
}

func (e *GenerationLimitExceeded) Unwrap() error { return ErrGenerationLimit }

// LedgerWriteError reports a failed ledger mutation for one occurrence.
type LedgerWriteError struct {
	Op            string // "create" or "delete"
	RuleID        RuleID
	Date          TimePoint
	TransactionID TransactionID
	Err           error
}

func (e *LedgerWriteError) Error() string {
	target := e.Date.String()
	if e.TransactionID != "" {
		target = string(e.TransactionID)
	}
	return fmt.Sprintf("ledger %s failed for rule %s (%s): %v", e.Op, e.RuleID, target, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *LedgerWriteError) Unwrap() []error { return []error{ErrLedgerWrite, e.Err} }

// InvalidRuleError reports a rule that fails validation.
type InvalidRuleError struct {
	RuleID RuleID
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid rule %s: %s: %s", e.RuleID, e.Field, e.Reason)
}

func (e *InvalidRuleError) Unwrap() error { return ErrInvalidRule }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later pass.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerWrite) && !errors.Is(err, ErrDuplicateOccurrence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrDuplicateOccurrence)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
