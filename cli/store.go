package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/recurrence-engine/app"
	"github.com/warp/recurrence-engine/config"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// STORE COMMANDS - Open the configured store like the server does
// =============================================================================

func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer) (*app.App, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, app.NewLogger(cfg, stderr), opts.clock())
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <rules.yaml>",
		Short: "Create or update the rules of a file in the store",
		Long: `Create or update the rules of a file in the store. Rules with an id that
already exists are updated; their anchor date must not change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var failed []error
			for _, rule := range rules {
				verb := "created"
				var eff recurrence.Effects
				_, err := a.Engine.GetRule(ctx, rule.ID)
				switch {
				case err == nil:
					verb = "updated"
					_, eff, err = a.Engine.UpdateRule(ctx, rule)
				case generic.IsNotFound(err) || rule.ID == "":
					var created generic.Rule
					created, eff, err = a.Engine.CreateRule(ctx, rule)
					if err == nil {
						rule.ID = created.ID
					}
				}
				if err != nil {
					failed = append(failed, fmt.Errorf("rule %s: %w", rule.ID, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: +%d -%d\n", verb, rule.ID, len(eff.Created), len(eff.Removed))
			}
			return errors.Join(failed...)
		},
	}
}

// NewHorizonCommand creates the horizon command.
func NewHorizonCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "horizon",
		Short: "Reconcile and sweep every stored rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Engine.EnsureHorizon(ctx)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), horizonJSON(report))
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "window   %s\n", report.Window)
			fmt.Fprintf(w, "rules    %d\n", report.Rules)
			fmt.Fprintf(w, "created  %d\n", report.Created)
			fmt.Fprintf(w, "removed  %d\n", report.Removed)
			fmt.Fprintf(w, "failed   %d\n", report.Failed)
			for _, f := range report.Invalid {
				fmt.Fprintf(w, "invalid  %s: %v\n", f.RuleID, f.Err)
			}
			for _, f := range report.Errors {
				fmt.Fprintf(w, "error    %s: %v\n", f.RuleID, f.Err)
			}
			return nil
		},
	}
}

func horizonJSON(r recurrence.HorizonReport) map[string]any {
	failures := func(fs []recurrence.RuleFailure) map[string]string {
		out := make(map[string]string, len(fs))
		for _, f := range fs {
			out[string(f.RuleID)] = f.Err.Error()
		}
		return out
	}
	return map[string]any{
		"window":   r.Window.String(),
		"rules":    r.Rules,
		"created":  r.Created,
		"removed":  r.Removed,
		"failed":   r.Failed,
		"warnings": r.Warnings,
		"invalid":  failures(r.Invalid),
		"errors":   failures(r.Errors),
	}
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <rule-id>",
		Short: "Reconcile one rule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			id := generic.RuleID(args[0])
			if _, err := a.Engine.GetRule(ctx, id); err != nil {
				return err
			}
			eff, err := a.Engine.ReconcileNow(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: +%d -%d", id, len(eff.Created), len(eff.Removed))
			if len(eff.Failures) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " (%d failed)", len(eff.Failures))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List reconciliation runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Backend.ListRuns(ctx, generic.RunStatus(status), limit)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), runs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tRULE\tTRIGGER\tSTATUS\tCREATED\tREMOVED\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					r.StartedAt.UTC().Format(time.RFC3339), r.RuleID, r.Trigger, r.Status,
					r.Created, r.Removed, r.Failed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 for all)")
	return cmd
}
