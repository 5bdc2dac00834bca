/*
handlers.go - HTTP API handlers for the recurrence engine

PURPOSE:
  Exposes the recurrence engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to recurrence.Engine.

ENDPOINTS:
  Rules:
    GET    /api/rules                           List rules
    POST   /api/rules                           Create rule (reconciles)
    POST   /api/rules/preview                   Preview an unsaved rule
    GET    /api/rules/{id}                      Get rule
    PUT    /api/rules/{id}                      Update schedule/payload
    DELETE /api/rules/{id}                      Delete rule and its rows
    POST   /api/rules/{id}/reschedule           Move to a new anchor

  Exceptions:
    POST   /api/rules/{id}/skip                 Skip one date
    POST   /api/rules/{id}/terminate            End the rule at a date
    DELETE /api/rules/{id}/occurrences/{date}   Delete only this occurrence
    POST   /api/rules/{id}/delete-from          Delete this and all future

  Views:
    GET    /api/rules/{id}/occurrences          Preview (?from=&to=)
    GET    /api/rules/{id}/transactions         Materialized rows
    GET    /api/rules/{id}/calendar.ics         Occurrences as iCalendar
    GET    /api/rules/{id}/rrule                RFC 5545 recurrence lines
    GET    /api/calendar.ics                    Every rule as a recurring event
    GET    /api/transactions                    Latest rows (?limit=)
    GET    /api/balances                        Account balances

  Maintenance:
    POST   /api/rules/{id}/reconcile            Reconcile one rule now
    POST   /api/horizon                         Reconcile + sweep every rule
    GET    /api/runs                            Run log (?status=&limit=)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid rule, malformed input
  - 404: Rule or row not found
  - 409: Duplicate occurrence
  - 500: Internal errors
  A mutation whose rule write succeeded but whose reconciliation failed
  answers 500 with the effects that did happen.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/recurrence-engine/calendar"
	"github.com/warp/recurrence-engine/factory"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

const defaultListLimit = 100

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// TransactionLister lists ledger rows across rules. Both SQL stores
// implement it.
type TransactionLister interface {
	ListTransactions(ctx context.Context, limit int) ([]generic.Transaction, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *recurrence.Engine
	Factory  *factory.RuleFactory
	Exporter *calendar.Exporter

	// Optional collaborators; endpoints that need a missing one answer 501.
	Transactions TransactionLister
	Balances     *generic.AccountBalances
	Scheduler    *HorizonScheduler
}

// NewHandler creates a handler around an engine.
func NewHandler(engine *recurrence.Engine) *Handler {
	return &Handler{
		Engine:   engine,
		Factory:  factory.NewRuleFactory(),
		Exporter: calendar.NewExporter(),
	}
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns every stored rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Engine.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}
	dtos := make([]*RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(h.Factory, rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule stores a rule and materializes its horizon.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	stored, eff, err := h.Engine.CreateRule(r.Context(), rule)
	h.writeMutation(w, http.StatusCreated, &stored, eff, err)
}

// GetRule returns a single rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Engine.GetRule(r.Context(), ruleID(r))
	if err != nil {
		writeEngineError(w, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(h.Factory, rule))
}

// UpdateRule replaces a rule's schedule and payload.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = ruleID(r)
	stored, eff, err := h.Engine.UpdateRule(r.Context(), rule)
	h.writeMutation(w, http.StatusOK, &stored, eff, err)
}

// DeleteRule removes a rule with cascade.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	eff, err := h.Engine.DeleteRule(r.Context(), ruleID(r))
	h.writeMutation(w, http.StatusOK, nil, eff, err)
}

// Reschedule moves a rule to a new anchor under a new id.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	anchor, err := generic.ParseDate(req.AnchorDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid anchor_date", err)
		return
	}
	stored, eff, err := h.Engine.Reschedule(r.Context(), ruleID(r), anchor)
	h.writeMutation(w, http.StatusCreated, &stored, eff, err)
}

// =============================================================================
// EXCEPTION HANDLERS
// =============================================================================

// SkipOccurrence excludes one date.
func (h *Handler) SkipOccurrence(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, h.Engine.SkipOccurrence)
}

// TerminateFrom ends the rule at a date.
func (h *Handler) TerminateFrom(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, h.Engine.TerminateFrom)
}

// DeleteAllFrom deletes the date and every later occurrence.
func (h *Handler) DeleteAllFrom(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, h.Engine.DeleteAllFrom)
}

// DeleteOccurrence deletes only the occurrence on {date}.
func (h *Handler) DeleteOccurrence(w http.ResponseWriter, r *http.Request) {
	date, err := generic.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	stored, eff, err := h.Engine.DeleteOccurrence(r.Context(), ruleID(r), date)
	h.writeMutation(w, http.StatusOK, &stored, eff, err)
}

type dateMutator func(ctx context.Context, id generic.RuleID, date generic.TimePoint) (generic.Rule, recurrence.Effects, error)

func (h *Handler) dateMutation(w http.ResponseWriter, r *http.Request, fn dateMutator) {
	var req DateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := generic.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	stored, eff, err := fn(r.Context(), ruleID(r), date)
	h.writeMutation(w, http.StatusOK, &stored, eff, err)
}

// =============================================================================
// VIEW HANDLERS
// =============================================================================

// PreviewRule generates a stored rule's occurrences without writing.
func (h *Handler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	g, err := h.Engine.PreviewRule(r.Context(), ruleID(r), from, to)
	if err != nil {
		writeEngineError(w, "Failed to preview rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(from, to, g))
}

// PreviewDraft generates an unsaved rule's occurrences.
func (h *Handler) PreviewDraft(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	if rule.ID == "" {
		rule.ID = "preview"
	}
	g, err := h.Engine.PreviewOccurrences(rule, from, to)
	if err != nil {
		writeEngineError(w, "Failed to preview rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(from, to, g))
}

// RuleTransactions returns a rule's materialized rows.
func (h *Handler) RuleTransactions(w http.ResponseWriter, r *http.Request) {
	id := ruleID(r)
	if _, err := h.Engine.GetRule(r.Context(), id); err != nil && !generic.IsNotFound(err) {
		writeEngineError(w, "Failed to get rule", err)
		return
	}
	// Rows of a deleted rule are still listed until the cascade finishes.
	rows, err := h.Engine.Ledger.FetchBySource(r.Context(), id,
		generic.NewTimePoint(1, 1, 1), generic.NewTimePoint(9999, 12, 31))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(rows))
	for i, tx := range rows {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RuleCalendar renders a rule's occurrences in the window as iCalendar.
func (h *Handler) RuleCalendar(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	g, err := h.Engine.PreviewRule(r.Context(), ruleID(r), from, to)
	if err != nil {
		writeEngineError(w, "Failed to preview rule", err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := calendar.Encode(w, h.Exporter.BuildOccurrences(g.Occurrences)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode calendar", err)
	}
}

// RuleRRule returns a rule's RFC 5545 recurrence lines.
func (h *Handler) RuleRRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Engine.GetRule(r.Context(), ruleID(r))
	if err != nil {
		writeEngineError(w, "Failed to get rule", err)
		return
	}
	text, err := recurrence.ToRRule(rule)
	if err != nil {
		writeEngineError(w, "Rule has no RRULE form", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, text)
}

// Calendar renders every rule as one recurring event.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Engine.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}
	cal, err := h.Exporter.BuildSeries(rules)
	if err != nil {
		// Invalid rules are left out; the feed still serves the rest.
		w.Header().Set("X-Calendar-Warning", err.Error())
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := calendar.Encode(w, cal); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode calendar", err)
	}
}

// ListTransactions returns the latest rows across rules.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	if h.Transactions == nil {
		writeError(w, http.StatusNotImplemented, "Transaction listing not available for this store", nil)
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	rows, err := h.Transactions.ListTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(rows))
	for i, tx := range rows {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalances returns every touched account's balance.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	if h.Balances == nil {
		writeError(w, http.StatusNotImplemented, "Balances not tracked", nil)
		return
	}
	snapshot := h.Balances.Snapshot()
	dtos := make([]BalanceDTO, len(snapshot))
	for i, b := range snapshot {
		dtos[i] = BalanceDTO{
			Account:  string(b.Account),
			Amount:   b.Balance.Value.String(),
			Currency: b.Balance.Currency,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MAINTENANCE HANDLERS
// =============================================================================

// ReconcileRule runs a coordinated reconciliation of one rule.
func (h *Handler) ReconcileRule(w http.ResponseWriter, r *http.Request) {
	eff, err := h.Engine.ReconcileNow(r.Context(), ruleID(r))
	h.writeMutation(w, http.StatusOK, nil, eff, err)
}

// EnsureHorizon runs the maintenance pass over every rule. With a scheduler
// attached the pass goes through it, so a manual run never overlaps a
// scheduled one.
func (h *Handler) EnsureHorizon(w http.ResponseWriter, r *http.Request) {
	var (
		report recurrence.HorizonReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Engine.EnsureHorizon(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Horizon maintenance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toHorizonDTO(report))
}

// ListRuns returns reconciliation run history.
// GET /api/runs?status=completed&limit=20
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Engine.RunLog == nil {
		writeError(w, http.StatusNotImplemented, "Run log not configured", nil)
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	status := generic.RunStatus(r.URL.Query().Get("status"))

	runs, err := h.Engine.RunLog.ListRuns(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func ruleID(r *http.Request) generic.RuleID {
	return generic.RuleID(chi.URLParam(r, "id"))
}

func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (generic.Rule, bool) {
	var rj factory.RuleJSON
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return generic.Rule{}, false
	}
	rule, err := h.Factory.FromJSON(rj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule", err)
		return generic.Rule{}, false
	}
	return rule, true
}

// window reads ?from=&to=, defaulting to the engine's horizon.
func (h *Handler) window(w http.ResponseWriter, r *http.Request) (generic.TimePoint, generic.TimePoint, bool) {
	horizon := h.Engine.Generator.Horizon(h.Engine.Reconciler.HorizonMonths)
	from, to := horizon.Start, horizon.End

	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *generic.TimePoint
	}{{"from", &from}, {"to", &to}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		d, err := generic.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name, err)
			return from, to, false
		}
		*p.dst = d
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "Invalid window", errors.New("to is before from"))
		return from, to, false
	}
	return from, to, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return n, true
}

func toPreviewDTO(from, to generic.TimePoint, g recurrence.Generation) PreviewDTO {
	return PreviewDTO{
		From:         from.String(),
		To:           to.String(),
		Occurrences:  toOccurrenceDTOs(g.Occurrences),
		Warnings:     errorStrings(g.Warnings),
		LimitReached: g.LimitReached(),
	}
}

func (h *Handler) writeMutation(w http.ResponseWriter, status int, rule *generic.Rule, eff recurrence.Effects, err error) {
	if err != nil && (rule == nil || rule.ID == "") {
		writeEngineError(w, "Rule operation failed", err)
		return
	}
	resp := MutationDTO{Effects: toEffectsDTO(eff)}
	if rule != nil && rule.ID != "" {
		resp.Rule = toRuleDTO(h.Factory, *rule)
	}
	if err != nil {
		// The rule was written; reconciliation did not finish.
		writeJSON(w, http.StatusInternalServerError, struct {
			MutationDTO
			ErrorResponse
		}{resp, ErrorResponse{Error: "Reconciliation failed", Details: err.Error()}})
		return
	}
	writeJSON(w, status, resp)
}

func writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, generic.ErrDuplicateOccurrence):
		writeError(w, http.StatusConflict, message, err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
