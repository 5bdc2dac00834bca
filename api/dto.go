/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Rules travel as
  factory.RuleJSON in both directions, so a rule file, a POST body and a GET
  response share one shape.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the rule factory, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/warp/recurrence-engine/factory"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// RULES
// =============================================================================

// RuleDTO is a stored rule.
type RuleDTO struct {
	factory.RuleJSON
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	RRule     string `json:"rrule,omitempty"`
}

// DateRequest carries the date of a skip, terminate or delete-from.
type DateRequest struct {
	Date string `json:"date"`
}

// RescheduleRequest moves a rule to a new anchor.
type RescheduleRequest struct {
	AnchorDate string `json:"anchor_date"`
}

// MutationDTO is the response of every rule mutation: the stored rule and
// what reconciliation did to the ledger.
type MutationDTO struct {
	Rule    *RuleDTO   `json:"rule,omitempty"`
	Effects EffectsDTO `json:"effects"`
}

// =============================================================================
// OCCURRENCES & EFFECTS
// =============================================================================

type OccurrenceDTO struct {
	ID       string `json:"id"`
	RuleID   string `json:"rule_id"`
	Date     string `json:"date"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	IsIncome bool   `json:"is_income"`
	Title    string `json:"title,omitempty"`
}

// PreviewDTO is a read-only generation.
type PreviewDTO struct {
	From         string          `json:"from"`
	To           string          `json:"to"`
	Occurrences  []OccurrenceDTO `json:"occurrences"`
	Warnings     []string        `json:"warnings,omitempty"`
	LimitReached bool            `json:"limit_reached"`
}

type EffectsDTO struct {
	Created  []string `json:"created"` // occurrence dates
	Removed  []string `json:"removed"`
	Failures []string `json:"failures,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Window   string   `json:"window,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID                 string `json:"id"`
	RuleID             string `json:"rule_id"`
	OccurrenceID       string `json:"occurrence_id"`
	Date               string `json:"date"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	IsIncome           bool   `json:"is_income"`
	Title              string `json:"title,omitempty"`
	Category           string `json:"category,omitempty"`
	SourceAccount      string `json:"source_account,omitempty"`
	DestinationAccount string `json:"destination_account,omitempty"`
	CreatedAt          string `json:"created_at"`
}

type BalanceDTO struct {
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// =============================================================================
// MAINTENANCE
// =============================================================================

type RunDTO struct {
	ID          string `json:"id"`
	RuleID      string `json:"rule_id"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Created     int    `json:"created"`
	Removed     int    `json:"removed"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type RuleFailureDTO struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
}

type HorizonDTO struct {
	Window      string           `json:"window"`
	Rules       int              `json:"rules"`
	Created     int              `json:"created"`
	Removed     int              `json:"removed"`
	Failed      int              `json:"failed"`
	Warnings    int              `json:"warnings"`
	Invalid     []RuleFailureDTO `json:"invalid,omitempty"`
	Errors      []RuleFailureDTO `json:"errors,omitempty"`
	StartedAt   string           `json:"started_at"`
	CompletedAt string           `json:"completed_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRuleDTO(f *factory.RuleFactory, rule generic.Rule) *RuleDTO {
	dto := &RuleDTO{RuleJSON: f.ToJSON(rule), Version: rule.Version}
	if !rule.CreatedAt.IsZero() {
		dto.CreatedAt = rule.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !rule.UpdatedAt.IsZero() {
		dto.UpdatedAt = rule.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if text, err := recurrence.ToRRule(rule); err == nil {
		dto.RRule = text
	}
	return dto
}

func toOccurrenceDTOs(occs []recurrence.Occurrence) []OccurrenceDTO {
	dtos := make([]OccurrenceDTO, len(occs))
	for i, o := range occs {
		dtos[i] = OccurrenceDTO{
			ID:       string(o.ID),
			RuleID:   string(o.RuleID),
			Date:     o.Date.String(),
			Amount:   o.Amount.Value.String(),
			Currency: o.Amount.Currency,
			IsIncome: o.IsIncome,
			Title:    o.Title,
		}
	}
	return dtos
}

func toEffectsDTO(eff recurrence.Effects) EffectsDTO {
	dto := EffectsDTO{Created: []string{}, Removed: []string{}}
	for _, o := range eff.Created {
		dto.Created = append(dto.Created, o.Date.String())
	}
	for _, tx := range eff.Removed {
		dto.Removed = append(dto.Removed, tx.OccurrenceDate.String())
	}
	dto.Failures = errorStrings(eff.Failures)
	dto.Warnings = errorStrings(eff.Warnings)
	if !eff.Window.Start.IsZero() {
		dto.Window = eff.Window.String()
	}
	return dto
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                 string(tx.ID),
		RuleID:             string(tx.SourceRuleID),
		OccurrenceID:       string(tx.OccurrenceID),
		Date:               tx.OccurrenceDate.String(),
		Amount:             tx.Amount.Value.String(),
		Currency:           tx.Amount.Currency,
		IsIncome:           tx.IsIncome,
		Title:              tx.Title,
		Category:           tx.Category,
		SourceAccount:      string(tx.SourceAccount),
		DestinationAccount: string(tx.DestinationAccount),
		CreatedAt:          tx.CreatedAt.String(),
	}
}

func toRunDTO(run generic.ReconciliationRun) RunDTO {
	dto := RunDTO{
		ID:        run.ID,
		RuleID:    string(run.RuleID),
		Trigger:   string(run.Trigger),
		Status:    string(run.Status),
		Created:   run.Created,
		Removed:   run.Removed,
		Failed:    run.Failed,
		Error:     run.Error,
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toHorizonDTO(r recurrence.HorizonReport) HorizonDTO {
	dto := HorizonDTO{
		Window:      r.Window.String(),
		Rules:       r.Rules,
		Created:     r.Created,
		Removed:     r.Removed,
		Failed:      r.Failed,
		Warnings:    r.Warnings,
		StartedAt:   r.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt: r.CompletedAt.UTC().Format(time.RFC3339),
	}
	for _, f := range r.Invalid {
		dto.Invalid = append(dto.Invalid, RuleFailureDTO{RuleID: string(f.RuleID), Error: f.Err.Error()})
	}
	for _, f := range r.Errors {
		dto.Errors = append(dto.Errors, RuleFailureDTO{RuleID: string(f.RuleID), Error: f.Err.Error()})
	}
	return dto
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
