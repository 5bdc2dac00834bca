// Package cli implements recurctl, the command-line companion of the
// recurrence engine server.
//
// Offline commands (validate, preview, rrule, ics) read a rules file and
// never touch a store. Store commands (import, horizon, reconcile, runs)
// open the store described by --config, the same way the server does.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/warp/recurrence-engine/generic"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config string // config file path; empty uses defaults, .env and RECUR_*
	Today  string // overrides the clock, YYYY-MM-DD
	Format string // "text" | "json"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "recurctl",
		Short: "Recurring payment rules from the command line",
		Long: `recurctl previews, validates and exports recurring payment rules, and
runs maintenance against the engine's store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Today != "" {
				if _, err := generic.ParseDate(opts.Today); err != nil {
					return fmt.Errorf("invalid --today: %w", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Today, "today", "", "treat this date as today (YYYY-MM-DD)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPreviewCommand(opts))
	cmd.AddCommand(NewRRuleCommand(opts))
	cmd.AddCommand(NewICSCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewHorizonCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}

// clock returns a fixed clock for --today, nil otherwise.
func (o *RootOptions) clock() generic.Clock {
	if o.Today == "" {
		return nil
	}
	return generic.FixedClock{Day: generic.MustParseDate(o.Today)}
}

// today resolves --today, falling back to the wall clock in UTC.
func (o *RootOptions) today() generic.TimePoint {
	if c := o.clock(); c != nil {
		return c.Today()
	}
	return generic.SystemClock{}.Today()
}
