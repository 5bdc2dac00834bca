/*
Package generic provides the building blocks of the recurrence engine.

PURPOSE:
  This package contains the domain-agnostic types shared by the engine and
  its collaborators: calendar days and arithmetic, monetary amounts, the
  materialized ledger transaction, and the persistence/ledger interfaces the
  engine is written against.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity in an opaque currency (e.g., 1200.00 EUR)
  - Payload: What a recurring payment copies onto every occurrence
  - Transaction: A ledger row materialized from one occurrence
  - IDs: Type-safe identifiers for rules, occurrences and ledger rows

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing keeps rule ids and ledger row ids apart
  3. Opaque payload: The engine copies payload fields, it never interprets them

USAGE:
  amount := generic.NewAmount(1200, "EUR")
  tx := generic.Transaction{
      SourceRuleID:   "rule-rent",
      OccurrenceDate: generic.NewTimePoint(2025, time.March, 31),
      Payload:        generic.Payload{Amount: amount, Title: "Rent"},
  }

SEE ALSO:
  - calendar.go: Date stepping per frequency unit
  - ledger.go: Transaction Ledger interface
  - store.go: Persistence interfaces
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Decimal value with an opaque currency code
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency string
}

func NewAmount(value float64, currency string) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int, currency string) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Currency: currency}
}

// ParseAmount parses a decimal string such as "1200.50".
func ParseAmount(value, currency string) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d, Currency: currency}, nil
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool          { return a.Currency == b.Currency && a.Value.Equal(b.Value) }
func (a Amount) String() string {
	if a.Currency == "" {
		return a.Value.StringFixed(2)
	}
	return a.Value.StringFixed(2) + " " + a.Currency
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type OccurrenceID string
type TransactionID string
type AccountRef string

// =============================================================================
// PAYLOAD - Copied verbatim from a rule onto each occurrence
// =============================================================================

// Payload is the monetary content of a recurring payment. The engine never
// interprets it: it is copied from the rule onto every occurrence and every
// materialized ledger row.
type Payload struct {
	Amount             Amount
	IsIncome           bool
	Title              string
	Category           string
	SourceAccount      AccountRef
	DestinationAccount AccountRef // Set only for transfer-shaped rules
}

// IsTransfer reports whether the payload moves money between two accounts.
func (p Payload) IsTransfer() bool { return p.DestinationAccount != "" }

// =============================================================================
// TRANSACTION - Ledger row materialized from one occurrence
// =============================================================================

type Transaction struct {
	ID             TransactionID
	SourceRuleID   RuleID
	OccurrenceID   OccurrenceID
	OccurrenceDate TimePoint
	Payload

	CreatedAt TimePoint
}
