package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/depctl/internal/config"
	"github.com/example/depctl/internal/orchestrate"
)

func newRunsCommand() *cobra.Command {
	opts := config.NewOptions()
	var limit int
	var showEvents bool
	cmd := &cobra.Command{
		Use:   "runs [RUN_ID]",
		Short: "List recorded deployment runs or inspect one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			store, err := orchestrate.OpenStore(runRoot(opts), true)
			if err != nil {
				return fmt.Errorf("open run store (has anything been deployed here?): %w", err)
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd, opts, store, args[0], showEvents)
			}

			entries, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.OutputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tPLANNED\tOK\tFAILED\tSKIPPED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					e.RunID, e.Status, e.StartedAt,
					e.Totals.Planned, e.Totals.Succeeded, e.Totals.Failed, e.Totals.Skipped)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	cmd.Flags().BoolVar(&showEvents, "events", false, "Include the event log when inspecting a run")
	opts.AddFlags(cmd)
	return cmd
}

func showRun(cmd *cobra.Command, opts *config.Options, store *orchestrate.Store, runID string, showEvents bool) error {
	summary, err := store.GetRunSummary(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if opts.OutputFormat == "json" {
		out := struct {
			*orchestrate.RunSummary
			Events []orchestrate.RunEvent `json:"events,omitempty"`
		}{RunSummary: summary}
		if showEvents {
			events, err := store.ListEvents(cmd.Context(), runID)
			if err != nil {
				return err
			}
			out.Events = events
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s (started %s)\n", summary.RunID, summary.Status, summary.StartedAt)
	for _, name := range summary.Order {
		ss := summary.Stacks[name]
		line := fmt.Sprintf("  %s: %s", name, ss.Status)
		if ss.NoOp {
			line += " (no changes)"
		}
		if ss.Error != "" {
			line += " - " + ss.Error
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	if showEvents {
		events, err := store.ListEvents(cmd.Context(), runID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout())
		for _, ev := range events {
			line := fmt.Sprintf("  %s %s", ev.TS, ev.Type)
			if ev.Stack != "" {
				line += " " + ev.Stack
			}
			if ev.Message != "" {
				line += " " + ev.Message
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
	return nil
}
