/*
Package factory provides JSON/YAML to Go rule conversion.

PURPOSE:
  Converts declarative rule definitions into generic.Rule values. Hosts,
  the CLI and the HTTP API all accept the same document shape, so a rule
  can be kept in a file, posted to the server or previewed offline.

JSON SCHEMA:
  {
    "id": "rent",
    "anchor_date": "2025-01-31",
    "frequency": "month",
    "interval": 1,
    "skipped_dates": ["2025-06-30"],
    "termination_date": "2026-01-31",
    "amount": "1200.00",
    "currency": "EUR",
    "title": "Rent",
    "category": "housing",
    "source_account": "checking"
  }

  The same fields, as YAML, under a top-level "rules:" list make a rule file.

VALIDATION:
  1. Decoding rejects unknown fields
  2. The CUE definition in schema/rule.cue checks field shapes
  3. generic.Rule.Validate checks calendar semantics

USAGE:
  f := factory.NewRuleFactory()
  rule, err := f.ParseRule([]byte(factory.RentJSON("rent", "2025-01-31", "1200.00", "EUR", "checking")))

SEE ALSO:
  - generic/rule.go: Rule type definition
  - presets.go: Ready-made definitions
*/
package factory

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/warp/recurrence-engine/generic"
)

//go:embed schema/rule.cue
var ruleSchema string

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// RuleJSON is the document representation of a rule.
type RuleJSON struct {
	ID                 string   `json:"id,omitempty" yaml:"id,omitempty"`
	AnchorDate         string   `json:"anchor_date" yaml:"anchor_date"`
	Frequency          string   `json:"frequency" yaml:"frequency"`
	Interval           int      `json:"interval,omitempty" yaml:"interval,omitempty"`
	Weekdays           []string `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	SkippedDates       []string `json:"skipped_dates,omitempty" yaml:"skipped_dates,omitempty"`
	TerminationDate    string   `json:"termination_date,omitempty" yaml:"termination_date,omitempty"`
	Amount             string   `json:"amount" yaml:"amount"`
	Currency           string   `json:"currency" yaml:"currency"`
	IsIncome           bool     `json:"is_income,omitempty" yaml:"is_income,omitempty"`
	Title              string   `json:"title,omitempty" yaml:"title,omitempty"`
	Category           string   `json:"category,omitempty" yaml:"category,omitempty"`
	SourceAccount      string   `json:"source_account,omitempty" yaml:"source_account,omitempty"`
	DestinationAccount string   `json:"destination_account,omitempty" yaml:"destination_account,omitempty"`
}

// ruleFile is the YAML file layout.
type ruleFile struct {
	Rules []RuleJSON `yaml:"rules"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts rule documents to generic.Rule. Safe for concurrent
// use.
type RuleFactory struct {
	mu     sync.Mutex // cue.Context is not goroutine-safe
	ctx    *cue.Context
	schema cue.Value
}

// NewRuleFactory compiles the embedded CUE schema. It panics if the schema
// does not compile, which only a broken build can cause.
func NewRuleFactory() *RuleFactory {
	ctx := cuecontext.New()
	schema := ctx.CompileString(ruleSchema, cue.Filename("rule.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("factory: compile rule schema: %v", err))
	}
	return &RuleFactory{
		ctx:    ctx,
		schema: schema.LookupPath(cue.ParsePath("#Rule")),
	}
}

// ParseRule parses one JSON rule document.
func (f *RuleFactory) ParseRule(data []byte) (generic.Rule, error) {
	var rj RuleJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rj); err != nil {
		return generic.Rule{}, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// ParseRulesYAML parses a rule file: one or more YAML documents, each with a
// top-level "rules:" list. Conversion stops at the first bad rule.
func (f *RuleFactory) ParseRulesYAML(data []byte) ([]generic.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rules []generic.Rule
	for {
		var file ruleFile
		err := dec.Decode(&file)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse rule file: %w", err)
		}
		for _, rj := range file.Rules {
			rule, err := f.FromJSON(rj)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", len(rules), err)
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// Check validates rj against the CUE schema.
func (f *RuleFactory) Check(rj RuleJSON) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.schema.Unify(f.ctx.Encode(rj))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &generic.InvalidRuleError{
			RuleID: generic.RuleID(rj.ID),
			Field:  "schema",
			Reason: strings.TrimSpace(cueerrors.Details(err, nil)),
		}
	}
	return nil
}

// FromJSON converts a RuleJSON to a normalized, validated generic.Rule.
func (f *RuleFactory) FromJSON(rj RuleJSON) (generic.Rule, error) {
	if err := f.Check(rj); err != nil {
		return generic.Rule{}, err
	}
	invalid := func(field string, err error) error {
		return &generic.InvalidRuleError{RuleID: generic.RuleID(rj.ID), Field: field, Reason: err.Error()}
	}

	anchor, err := generic.ParseDate(rj.AnchorDate)
	if err != nil {
		return generic.Rule{}, invalid("anchor_date", err)
	}
	amount, err := generic.ParseAmount(rj.Amount, rj.Currency)
	if err != nil {
		return generic.Rule{}, invalid("amount", err)
	}

	rule := generic.Rule{
		ID:         generic.RuleID(rj.ID),
		AnchorDate: anchor,
		Frequency:  generic.FrequencyUnit(rj.Frequency),
		Interval:   rj.Interval,
		Payload: generic.Payload{
			Amount:             amount,
			IsIncome:           rj.IsIncome,
			Title:              rj.Title,
			Category:           rj.Category,
			SourceAccount:      generic.AccountRef(rj.SourceAccount),
			DestinationAccount: generic.AccountRef(rj.DestinationAccount),
		},
	}
	// A repeating rule without an interval steps by one unit.
	if rule.IsRepeating() && rule.Interval == 0 {
		rule.Interval = 1
	}

	for _, name := range rj.Weekdays {
		wd, ok := weekdaysByName[name]
		if !ok {
			return generic.Rule{}, invalid("weekdays", fmt.Errorf("unknown weekday %q", name))
		}
		rule.Weekdays = append(rule.Weekdays, wd)
	}
	for _, s := range rj.SkippedDates {
		d, err := generic.ParseDate(s)
		if err != nil {
			return generic.Rule{}, invalid("skipped_dates", err)
		}
		rule.SkippedDates = append(rule.SkippedDates, d)
	}
	if rj.TerminationDate != "" {
		d, err := generic.ParseDate(rj.TerminationDate)
		if err != nil {
			return generic.Rule{}, invalid("termination_date", err)
		}
		rule.TerminationDate = &d
	}

	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return generic.Rule{}, err
	}
	return rule, nil
}

// ToJSON converts a Rule to RuleJSON.
func (f *RuleFactory) ToJSON(rule generic.Rule) RuleJSON {
	rj := RuleJSON{
		ID:                 string(rule.ID),
		AnchorDate:         rule.AnchorDate.String(),
		Frequency:          string(rule.Frequency),
		Interval:           rule.Interval,
		Amount:             rule.Amount.Value.String(),
		Currency:           rule.Amount.Currency,
		IsIncome:           rule.IsIncome,
		Title:              rule.Title,
		Category:           rule.Category,
		SourceAccount:      string(rule.SourceAccount),
		DestinationAccount: string(rule.DestinationAccount),
	}
	for _, wd := range rule.Weekdays {
		rj.Weekdays = append(rj.Weekdays, weekdayNames[wd])
	}
	for _, d := range rule.SkippedDates {
		rj.SkippedDates = append(rj.SkippedDates, d.String())
	}
	if rule.TerminationDate != nil {
		rj.TerminationDate = rule.TerminationDate.String()
	}
	return rj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

var weekdayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

var weekdaysByName = func() map[string]time.Weekday {
	m := make(map[string]time.Weekday, len(weekdayNames))
	for i, name := range weekdayNames {
		m[name] = time.Weekday(i)
	}
	return m
}()

// WeekdayName returns the three-letter document name of wd.
func WeekdayName(wd time.Weekday) string { return weekdayNames[wd] }
