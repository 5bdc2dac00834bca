package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/emersion/go-ical"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warp/recurrence-engine/calendar"
	"github.com/warp/recurrence-engine/factory"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// OFFLINE COMMANDS - Work on a rules file, never on a store
// =============================================================================

func loadRules(path string) ([]generic.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := factory.NewRuleFactory().ParseRulesYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

func filterRules(rules []generic.Rule, id string) ([]generic.Rule, error) {
	if id == "" {
		return rules, nil
	}
	for _, r := range rules {
		if string(r.ID) == id {
			return []generic.Rule{r}, nil
		}
	}
	return nil, fmt.Errorf("rule %q not in file", id)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "Check a rules file against the rule schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"file": args[0], "rules": len(rules), "valid": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules valid\n", args[0], len(rules))
			return nil
		},
	}
}

// =============================================================================
// PREVIEW
// =============================================================================

type windowFlags struct {
	from, to string
	rule     string
}

func (w *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.from, "from", "", "window start (default: today)")
	cmd.Flags().StringVar(&w.to, "to", "", "window end, inclusive (default: one month after --from)")
	cmd.Flags().StringVar(&w.rule, "rule", "", "only this rule id")
}

func (w *windowFlags) resolve(today generic.TimePoint) (generic.TimePoint, generic.TimePoint, error) {
	from := today
	if w.from != "" {
		d, err := generic.ParseDate(w.from)
		if err != nil {
			return from, from, fmt.Errorf("invalid --from: %w", err)
		}
		from = d
	}
	to := from.AddMonths(1)
	if w.to != "" {
		d, err := generic.ParseDate(w.to)
		if err != nil {
			return from, to, fmt.Errorf("invalid --to: %w", err)
		}
		to = d
	}
	if to.Before(from) {
		return from, to, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return from, to, nil
}

// generate previews every rule in the window, ordered by date then rule id.
func generate(opts *RootOptions, rules []generic.Rule, from, to generic.TimePoint) ([]recurrence.Occurrence, []error, error) {
	gen := recurrence.NewGenerator(opts.clock())
	var (
		occs     []recurrence.Occurrence
		warnings []error
	)
	for _, rule := range rules {
		g, err := gen.Generate(rule, from, to)
		if err != nil {
			return nil, nil, err
		}
		occs = append(occs, g.Occurrences...)
		warnings = append(warnings, g.Warnings...)
	}
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Date.Equal(occs[j].Date) {
			return occs[i].Date.Before(occs[j].Date)
		}
		return occs[i].RuleID < occs[j].RuleID
	})
	return occs, warnings, nil
}

type occurrenceJSON struct {
	Date     string `json:"date"`
	RuleID   string `json:"rule_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	IsIncome bool   `json:"is_income"`
	Title    string `json:"title,omitempty"`
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	var window windowFlags

	cmd := &cobra.Command{
		Use:   "preview <rules.yaml>",
		Short: "List the occurrences of a rules file in a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(args[0])
			if err != nil {
				return err
			}
			if rules, err = filterRules(rules, window.rule); err != nil {
				return err
			}
			from, to, err := window.resolve(rootOpts.today())
			if err != nil {
				return err
			}
			occs, warnings, err := generate(rootOpts, rules, from, to)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
			}

			if rootOpts.Format == "json" {
				out := make([]occurrenceJSON, len(occs))
				for i, o := range occs {
					out[i] = occurrenceJSON{
						Date:     o.Date.String(),
						RuleID:   string(o.RuleID),
						Amount:   o.Amount.Value.StringFixed(2),
						Currency: o.Amount.Currency,
						IsIncome: o.IsIncome,
						Title:    o.Title,
					}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return writePreviewTable(cmd.OutOrStdout(), occs)
		},
	}
	window.register(cmd)
	return cmd
}

// signed shows expenses as negative amounts; transfers are shown as is.
func signed(p generic.Payload) generic.Amount {
	if p.IsIncome || p.IsTransfer() {
		return p.Amount
	}
	return p.Amount.Neg()
}

func writePreviewTable(w io.Writer, occs []recurrence.Occurrence) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tRULE\tAMOUNT\tTITLE")

	net := map[string]generic.Amount{}
	var currencies []string
	for _, o := range occs {
		amount := signed(o.Payload)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Date, o.RuleID, amount, o.Title)
		if o.IsTransfer() {
			continue
		}
		cur, ok := net[amount.Currency]
		if !ok {
			currencies = append(currencies, amount.Currency)
			cur = amount.Zero()
		}
		net[amount.Currency] = cur.Add(amount)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d occurrences\n", len(occs))
	sort.Strings(currencies)
	for _, c := range currencies {
		fmt.Fprintf(w, "net %s\n", net[c])
	}
	return nil
}

// =============================================================================
// RRULE & ICS
// =============================================================================

// NewRRuleCommand creates the rrule command.
func NewRRuleCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ruleID string
		parse  []string
		anchor string
	)

	cmd := &cobra.Command{
		Use:   "rrule [rules.yaml]",
		Short: "Print the RFC 5545 recurrence lines of each rule",
		Long: `Print the RFC 5545 recurrence lines of each rule in a file.

With --parse, read recurrence lines instead (one per flag) and print the
schedule they describe in the rules file format. DTSTART sets the anchor;
without it --anchor (default: today) is used.`,
		Example: `  recurctl rrule rules.yaml
  recurctl rrule --parse "DTSTART;VALUE=DATE:20240131" --parse "RRULE:FREQ=MONTHLY;COUNT=3"`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(parse) > 0 {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(parse) > 0 {
				return parseRRule(cmd, rootOpts, strings.Join(parse, "\n"), anchor, ruleID)
			}

			rules, err := loadRules(args[0])
			if err != nil {
				return err
			}
			if rules, err = filterRules(rules, ruleID); err != nil {
				return err
			}

			out := make(map[string]string, len(rules))
			for i, rule := range rules {
				text, err := recurrence.ToRRule(rule)
				if err != nil {
					return fmt.Errorf("rule %s: %w", rule.ID, err)
				}
				if rootOpts.Format == "json" {
					out[string(rule.ID)] = text
					continue
				}
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s\n", rule.ID, text)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ruleID, "rule", "", "only this rule id; with --parse, the id of the parsed rule")
	cmd.Flags().StringArrayVar(&parse, "parse", nil, "recurrence line to parse (repeatable)")
	cmd.Flags().StringVar(&anchor, "anchor", "", "anchor when the lines carry no DTSTART (default: today)")
	return cmd
}

// scheduleJSON is the schedule half of a rule document.
type scheduleJSON struct {
	ID              string   `json:"id,omitempty" yaml:"id,omitempty"`
	AnchorDate      string   `json:"anchor_date" yaml:"anchor_date"`
	Frequency       string   `json:"frequency" yaml:"frequency"`
	Interval        int      `json:"interval,omitempty" yaml:"interval,omitempty"`
	Weekdays        []string `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	SkippedDates    []string `json:"skipped_dates,omitempty" yaml:"skipped_dates,omitempty"`
	TerminationDate string   `json:"termination_date,omitempty" yaml:"termination_date,omitempty"`
}

func parseRRule(cmd *cobra.Command, opts *RootOptions, text, anchorFlag, id string) error {
	anchor := opts.today()
	if anchorFlag != "" {
		d, err := generic.ParseDate(anchorFlag)
		if err != nil {
			return fmt.Errorf("invalid --anchor: %w", err)
		}
		anchor = d
	}
	rule, err := recurrence.FromRRule(text, anchor)
	if err != nil {
		return err
	}
	rule.ID = generic.RuleID(id)

	rj := factory.NewRuleFactory().ToJSON(rule)
	out := scheduleJSON{
		ID:              rj.ID,
		AnchorDate:      rj.AnchorDate,
		Frequency:       rj.Frequency,
		Interval:        rj.Interval,
		Weekdays:        rj.Weekdays,
		SkippedDates:    rj.SkippedDates,
		TerminationDate: rj.TerminationDate,
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

// NewICSCommand creates the ics command.
func NewICSCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		window windowFlags
		series bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "ics <rules.yaml>",
		Short: "Export a rules file as iCalendar",
		Long: `Export a rules file as iCalendar. By default every occurrence in the
window becomes one all-day event; --series emits one recurring event per rule
instead and ignores the window.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(args[0])
			if err != nil {
				return err
			}
			if rules, err = filterRules(rules, window.rule); err != nil {
				return err
			}

			exporter := calendar.NewExporter()
			if rootOpts.Today != "" {
				stamp := generic.MustParseDate(rootOpts.Today).Time
				exporter.Now = func() time.Time { return stamp }
			}

			var cal *ical.Calendar
			if series {
				if cal, err = exporter.BuildSeries(rules); err != nil {
					return err
				}
			} else {
				from, to, err := window.resolve(rootOpts.today())
				if err != nil {
					return err
				}
				occs, _, err := generate(rootOpts, rules, from, to)
				if err != nil {
					return err
				}
				cal = exporter.BuildOccurrences(occs)
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return calendar.Encode(w, cal)
		},
	}
	window.register(cmd)
	cmd.Flags().BoolVar(&series, "series", false, "one recurring event per rule")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
