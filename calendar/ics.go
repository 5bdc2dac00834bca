/*
Package calendar publishes rule occurrences as iCalendar data.

PURPOSE:
  Two ways to see a schedule outside the ledger:
    - an .ics feed (Exporter), either one all-day event per occurrence or
      one recurring event per rule (RRULE/EXDATE/RDATE)
    - a CalDAV mirror (Mirror) that PUTs and deletes one event per
      materialized occurrence as reconciliation runs

EVENT IDENTITY:
  Occurrence events use the occurrence id as UID, so a feed re-exported
  after an edit updates the same calendar entries instead of duplicating
  them. Series events use "<rule id>@<domain>".

SEE ALSO:
  - recurrence/rrule.go: RRULE rendering
  - recurrence/events.go: Change events the Mirror consumes
*/
package calendar

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

const (
	DefaultProductID = "-//Warp//Recurrence Engine//EN"
	DefaultDomain    = "recurrence-engine"
)

// =============================================================================
// EXPORTER
// =============================================================================

type Exporter struct {
	ProductID string
	Domain    string           // UID suffix
	Now       func() time.Time // DTSTAMP source; time.Now when nil
}

func NewExporter() *Exporter {
	return &Exporter{ProductID: DefaultProductID, Domain: DefaultDomain}
}

func (x *Exporter) now() time.Time {
	if x.Now != nil {
		return x.Now().UTC()
	}
	return time.Now().UTC()
}

func (x *Exporter) newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	productID := x.ProductID
	if productID == "" {
		productID = DefaultProductID
	}
	cal.Props.SetText(ical.PropProductID, productID)
	return cal
}

// OccurrenceEvent builds the all-day event for one occurrence.
func (x *Exporter) OccurrenceEvent(occ recurrence.Occurrence) *ical.Event {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, x.uid(string(occ.ID)))
	ev.Props.SetText(ical.PropSummary, summary(occ.RuleID, occ.Payload))
	ev.Props.SetText(ical.PropDescription, description(occ.Payload))
	if occ.Category != "" {
		ev.Props.SetText(ical.PropCategories, occ.Category)
	}
	ev.Props.SetDate(ical.PropDateTimeStart, occ.Date.Time)
	ev.Props.SetDate(ical.PropDateTimeEnd, occ.Date.AddDays(1).Time)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, x.now())
	return ev
}

// BuildOccurrences returns a calendar with one event per occurrence.
func (x *Exporter) BuildOccurrences(occs []recurrence.Occurrence) *ical.Calendar {
	cal := x.newCalendar()
	for _, occ := range occs {
		cal.Children = append(cal.Children, x.OccurrenceEvent(occ).Component)
	}
	return cal
}

// BuildSeries returns a calendar with one recurring event per rule. Rules
// that fail validation are skipped and reported in the error.
func (x *Exporter) BuildSeries(rules []generic.Rule) (*ical.Calendar, error) {
	cal := x.newCalendar()
	var bad []string
	for _, rule := range rules {
		ev, err := x.seriesEvent(rule)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", rule.ID, err))
			continue
		}
		cal.Children = append(cal.Children, ev.Component)
	}
	if len(bad) > 0 {
		return cal, fmt.Errorf("rules left out of the feed: %s", strings.Join(bad, "; "))
	}
	return cal, nil
}

func (x *Exporter) seriesEvent(rule generic.Rule) (*ical.Event, error) {
	lines, err := recurrence.ToRRule(rule)
	if err != nil {
		return nil, err
	}

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, x.uid(string(rule.ID)))
	ev.Props.SetText(ical.PropSummary, summary(rule.ID, rule.Payload))
	ev.Props.SetText(ical.PropDescription, description(rule.Payload))
	ev.Props.SetDateTime(ical.PropDateTimeStamp, x.now())
	// The recurrence lines are already RFC 5545 encoded; copy them verbatim
	// so separators are not text-escaped.
	for _, line := range strings.Split(lines, "\n") {
		prop, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		ev.Props[prop.Name] = append(ev.Props[prop.Name], prop)
	}
	return ev, nil
}

// Encode writes cal to w.
func Encode(w io.Writer, cal *ical.Calendar) error {
	return ical.NewEncoder(w).Encode(cal)
}

// =============================================================================
// HELPERS
// =============================================================================

func (x *Exporter) uid(id string) string {
	domain := x.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	return id + "@" + domain
}

func summary(ruleID generic.RuleID, p generic.Payload) string {
	if p.Title != "" {
		return p.Title
	}
	return string(ruleID)
}

func description(p generic.Payload) string {
	sign := "-"
	switch {
	case p.IsTransfer():
		return fmt.Sprintf("%s %s -> %s", p.Amount, p.SourceAccount, p.DestinationAccount)
	case p.IsIncome:
		sign = "+"
	}
	if p.SourceAccount == "" {
		return sign + p.Amount.String()
	}
	return fmt.Sprintf("%s%s (%s)", sign, p.Amount, p.SourceAccount)
}

// parseLine splits "NAME;K=V:value" into a property.
func parseLine(line string) (ical.Prop, error) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return ical.Prop{}, fmt.Errorf("malformed recurrence line %q", line)
	}
	parts := strings.Split(head, ";")
	prop := ical.Prop{Name: parts[0], Params: make(ical.Params), Value: value}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(p, "=")
		prop.Params[k] = append(prop.Params[k], v)
	}
	return prop, nil
}
